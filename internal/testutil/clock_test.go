package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

func TestManualClock_Frozen(t *testing.T) {
	clock := NewManualClock(epoch)

	assert.Equal(t, epoch, clock.Now())
	time.Sleep(time.Millisecond)
	assert.Equal(t, epoch, clock.Now())
}

func TestManualClock_Advance(t *testing.T) {
	clock := NewManualClock(epoch)

	got := clock.Advance(90 * time.Minute)
	assert.Equal(t, epoch.Add(90*time.Minute), got)
	assert.Equal(t, got, clock.Now())
}

func TestManualClock_Set(t *testing.T) {
	clock := NewManualClock(epoch)

	clock.Set(epoch.Add(-time.Hour))
	assert.Equal(t, epoch.Add(-time.Hour), clock.Now())
}

func TestManualClock_ConcurrentAdvance(t *testing.T) {
	clock := NewManualClock(epoch)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, epoch.Add(50*time.Second), clock.Now())
}
