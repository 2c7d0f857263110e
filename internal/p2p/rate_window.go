package p2p

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const rateBucketWidth = time.Second

// RateWindow counts events over a trailing window with one second resolution.
// It is safe for concurrent use.
type RateWindow struct {
	clock   clock.Clock
	buckets []int
	head    int64
	mu      sync.Mutex
}

// NewRateWindow creates a RateWindow able to answer queries up to span
func NewRateWindow(clk clock.Clock, span time.Duration) *RateWindow {
	size := int((span + rateBucketWidth - 1) / rateBucketWidth)
	if size < 1 {
		size = 1
	}

	return &RateWindow{
		clock:   clk,
		buckets: make([]int, size),
		head:    bucketIndex(clk.Now()),
	}
}

func bucketIndex(t time.Time) int64 {
	return t.UnixNano() / int64(rateBucketWidth)
}

func (w *RateWindow) slot(index int64) int {
	n := int64(len(w.buckets))
	return int(((index % n) + n) % n)
}

// advance moves the head to now, clearing buckets that fell out of the window.
// A clock moving backwards keeps the current head.
func (w *RateWindow) advance(now int64) {
	if now <= w.head {
		return
	}

	steps := now - w.head
	if steps >= int64(len(w.buckets)) {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
	} else {
		for i := int64(1); i <= steps; i++ {
			w.buckets[w.slot(w.head+i)] = 0
		}
	}

	w.head = now
}

// Record adds n events at the current time. Non positive counts are ignored.
func (w *RateWindow) Record(n int) {
	if n <= 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.advance(bucketIndex(w.clock.Now()))
	w.buckets[w.slot(w.head)] += n
}

// CountSince returns the number of events recorded within the trailing window d,
// including the current second. Windows longer than the span are truncated to it.
func (w *RateWindow) CountSince(d time.Duration) int {
	if d <= 0 {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.advance(bucketIndex(w.clock.Now()))

	count := int((d + rateBucketWidth - 1) / rateBucketWidth)
	if count > len(w.buckets) {
		count = len(w.buckets)
	}

	total := 0
	for i := 0; i < count; i++ {
		total += w.buckets[w.slot(w.head-int64(i))]
	}

	return total
}
