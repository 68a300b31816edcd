package render

import (
	"log/slog"
	"sync"

	"github.com/babelcloud/screencast/internal/decode"
	"github.com/babelcloud/screencast/internal/util"
)

// Surface is where decoded pictures end up.
type Surface interface {
	Paint(decode.Picture) error
	// ShowStill replaces the live picture with a still image and a reason,
	// used once decoding has given up.
	ShowStill(reason string) error
}

// Deferred paints on its own goroutine, one step behind the decoder. Only the
// latest submitted picture is kept; older ones that were never painted are
// dropped.
type Deferred struct {
	target Surface
	logger *slog.Logger

	mu       sync.Mutex
	pending  *decode.Picture
	closed   bool
	still    bool
	painted  uint64
	replaced uint64

	// paintMu orders calls into target; once still is set nothing paints over
	// the still image.
	paintMu sync.Mutex

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewDeferred starts painting onto target.
func NewDeferred(target Surface, logger *slog.Logger) *Deferred {
	if logger == nil {
		logger = util.GetLogger()
	}
	d := &Deferred{
		target: target,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Submit queues pic for painting, replacing any picture still waiting.
func (d *Deferred) Submit(pic decode.Picture) {
	d.mu.Lock()
	if d.closed || d.still {
		d.mu.Unlock()
		return
	}
	if d.pending != nil {
		d.replaced++
	}
	d.pending = &pic
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// ShowStill drops any waiting picture and shows the still image once a paint
// in progress has finished. Pictures submitted afterwards are ignored.
func (d *Deferred) ShowStill(reason string) error {
	d.mu.Lock()
	d.still = true
	d.pending = nil
	d.mu.Unlock()

	d.paintMu.Lock()
	defer d.paintMu.Unlock()
	return d.target.ShowStill(reason)
}

// Counts returns how many pictures were painted and how many were replaced
// before they could be.
func (d *Deferred) Counts() (painted, replaced uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.painted, d.replaced
}

// Close stops painting and waits for a paint in progress.
func (d *Deferred) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.pending = nil
		d.mu.Unlock()
		close(d.done)
	})
	d.wg.Wait()
}

func (d *Deferred) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		d.mu.Lock()
		pic := d.pending
		d.pending = nil
		d.mu.Unlock()
		if pic == nil {
			continue
		}

		if d.paint(*pic) {
			d.mu.Lock()
			d.painted++
			d.mu.Unlock()
		}
	}
}

func (d *Deferred) paint(pic decode.Picture) bool {
	d.paintMu.Lock()
	defer d.paintMu.Unlock()

	d.mu.Lock()
	still := d.still
	d.mu.Unlock()
	if still {
		return false
	}

	if err := d.target.Paint(pic); err != nil {
		d.logger.Warn("Paint failed", "timestamp", pic.Timestamp, "error", err)
		return false
	}
	return true
}
