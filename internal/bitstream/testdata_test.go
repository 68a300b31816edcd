package bitstream

// 1920x1080 constrained baseline parameter sets and a short IDR slice.
var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02, 0x27, 0xe5, 0x84, 0x00,
		0x00, 0x03, 0x00, 0x04, 0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	testPPS = []byte{0x68, 0xcb, 0x8c, 0xb2}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
)
