package ratelimiter

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is advanced by hand
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(interval time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := New(interval)
	l.now = clock.Now
	return l, clock
}

func TestLimiter_Allow(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		advance  []time.Duration // clock advance before each Allow() call
		want     []bool
	}{
		{
			name:     "first call always allowed",
			interval: time.Second,
			advance:  []time.Duration{0},
			want:     []bool{true},
		},
		{
			name:     "immediate second call refused",
			interval: time.Second,
			advance:  []time.Duration{0, 0},
			want:     []bool{true, false},
		},
		{
			name:     "call after interval allowed",
			interval: time.Second,
			advance:  []time.Duration{0, time.Second},
			want:     []bool{true, true},
		},
		{
			name:     "refusals do not push the window",
			interval: time.Second,
			advance:  []time.Duration{0, 600 * time.Millisecond, 600 * time.Millisecond},
			want:     []bool{true, false, true},
		},
		{
			name:     "zero interval disables",
			interval: 0,
			advance:  []time.Duration{0, time.Hour},
			want:     []bool{false, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, clock := newTestLimiter(tt.interval)
			refused := int64(0)
			for i, d := range tt.advance {
				clock.Advance(d)
				got := l.Allow()
				if got != tt.want[i] {
					t.Errorf("call %d: Allow() = %v, want %v", i, got, tt.want[i])
				}
				if !got {
					refused++
				}
			}
			if l.Skipped() != refused {
				t.Errorf("Skipped() = %d, want %d", l.Skipped(), refused)
			}
		})
	}
}

func TestLimiter_Do(t *testing.T) {
	l, clock := newTestLimiter(time.Minute)
	calls := 0
	fn := func() error {
		calls++
		return nil
	}

	if ran, err := l.Do(fn); !ran || err != nil {
		t.Fatalf("Do() = %v, %v, want true, nil", ran, err)
	}
	if ran, _ := l.Do(fn); ran {
		t.Fatal("Do() ran inside the interval")
	}
	clock.Advance(time.Minute)

	boom := errors.New("flush failed")
	ran, err := l.Do(func() error { return boom })
	if !ran || !errors.Is(err, boom) {
		t.Errorf("Do() = %v, %v, want true, %v", ran, err, boom)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(time.Hour)

	if !l.Allow() {
		t.Fatal("first call should be allowed")
	}
	if l.Allow() {
		t.Fatal("second call should be refused")
	}
	l.Reset()
	if !l.Allow() {
		t.Error("call after Reset should be allowed")
	}
}

func TestLimiter_Start(t *testing.T) {
	l, clock := newTestLimiter(time.Second)

	l.Start()
	if l.Allow() {
		t.Fatal("call right after Start should be refused")
	}
	clock.Advance(time.Second)
	if !l.Allow() {
		t.Error("call one interval after Start should be allowed")
	}
}

func TestLimiter_TimeSinceLastAllowed(t *testing.T) {
	l, clock := newTestLimiter(time.Second)

	if got := l.TimeSinceLastAllowed(); got != time.Duration(1<<63-1) {
		t.Errorf("before any call = %v, want max duration", got)
	}
	l.Allow()
	clock.Advance(300 * time.Millisecond)
	if got := l.TimeSinceLastAllowed(); got != 300*time.Millisecond {
		t.Errorf("TimeSinceLastAllowed() = %v, want 300ms", got)
	}
	if l.Interval() != time.Second {
		t.Errorf("Interval() = %v", l.Interval())
	}
}

func TestLimiter_ConcurrentDoRunsOnce(t *testing.T) {
	l, _ := newTestLimiter(time.Hour)

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Do(func() error {
				ran.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()

	if ran.Load() != 1 {
		t.Errorf("action ran %d times, want 1", ran.Load())
	}
	if l.Skipped() != 31 {
		t.Errorf("Skipped() = %d, want 31", l.Skipped())
	}
}
