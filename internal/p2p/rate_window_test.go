package p2p

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestRateWindowCount(t *testing.T) {
	clk := clock.NewMock()
	w := NewRateWindow(clk, time.Minute)

	w.Record(3)
	clk.Add(5 * time.Second)
	w.Record(2)

	assert.Equal(t, 2, w.CountSince(time.Second))
	assert.Equal(t, 2, w.CountSince(5*time.Second))
	assert.Equal(t, 5, w.CountSince(6*time.Second))
	assert.Equal(t, 5, w.CountSince(time.Minute))

	// Longer than the span is truncated to it
	assert.Equal(t, 5, w.CountSince(time.Hour))
	assert.Equal(t, 0, w.CountSince(0))
}

func TestRateWindowExpiry(t *testing.T) {
	clk := clock.NewMock()
	w := NewRateWindow(clk, 10*time.Second)

	w.Record(4)
	clk.Add(9 * time.Second)
	assert.Equal(t, 4, w.CountSince(10*time.Second))

	clk.Add(time.Second)
	assert.Equal(t, 0, w.CountSince(10*time.Second))

	w.Record(1)
	clk.Add(time.Hour)
	assert.Equal(t, 0, w.CountSince(10*time.Second))
}

func TestRateWindowIgnoresNonPositive(t *testing.T) {
	clk := clock.NewMock()
	w := NewRateWindow(clk, 10*time.Second)

	w.Record(0)
	w.Record(-5)
	assert.Equal(t, 0, w.CountSince(10*time.Second))
}

func TestRateWindowClockBackwards(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Hour)
	w := NewRateWindow(clk, 10*time.Second)

	w.Record(2)
	clk.Set(clk.Now().Add(-5 * time.Second))
	w.Record(1)

	assert.Equal(t, 3, w.CountSince(time.Second))
}

func TestRateWindowConcurrent(t *testing.T) {
	clk := clock.NewMock()
	w := NewRateWindow(clk, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.Record(1)
				w.CountSince(time.Minute)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, w.CountSince(time.Minute))
}
