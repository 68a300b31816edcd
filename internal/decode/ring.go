package decode

// ring holds frames while the pipeline waits for a keyframe. When full the
// oldest frame is overwritten.
type ring struct {
	buf   []Frame
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Frame, capacity)}
}

// push appends f and reports whether an older frame was dropped to make room.
func (r *ring) push(f Frame) (dropped bool) {
	if r.size == len(r.buf) {
		r.buf[r.start] = f
		r.start = (r.start + 1) % len(r.buf)
		return true
	}
	r.buf[(r.start+r.size)%len(r.buf)] = f
	r.size++
	return false
}

// drain returns the buffered frames oldest first and empties the ring.
func (r *ring) drain() []Frame {
	out := make([]Frame, 0, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.start + i) % len(r.buf)
		out = append(out, r.buf[idx])
		r.buf[idx] = Frame{}
	}
	r.start, r.size = 0, 0
	return out
}

func (r *ring) len() int { return r.size }

func (r *ring) capacity() int { return len(r.buf) }
