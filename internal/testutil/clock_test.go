package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_StepsAfterEachRead(t *testing.T) {
	clock := NewFakeClock(start, time.Second)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(time.Second), clock.Now())
	assert.Equal(t, start.Add(2*time.Second), clock.Peek())
}

func TestFakeClock_ZeroStepFreezes(t *testing.T) {
	clock := NewFakeClock(start, 0)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start, clock.Now())
}

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	clock := NewFakeClock(start, 0)

	clock.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), clock.Now())

	later := start.Add(48 * time.Hour)
	clock.Set(later)
	assert.Equal(t, later, clock.Peek())
}

func TestFakeClock_ConvertsToUTC(t *testing.T) {
	zone := time.FixedZone("UTC+3", 3*60*60)
	clock := NewFakeClock(start.In(zone), 0)

	assert.Equal(t, time.UTC, clock.Now().Location())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	clock := NewFakeClock(start, time.Millisecond)
	const goroutines = 100

	var wg sync.WaitGroup
	seen := make(chan time.Time, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- clock.Now()
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[time.Time]bool{}
	for ts := range seen {
		unique[ts] = true
	}
	assert.Len(t, unique, goroutines)
	assert.Equal(t, start.Add(goroutines*time.Millisecond), clock.Peek())
}
