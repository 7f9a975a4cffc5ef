package resilience

import (
	"testing"
	"time"
)

type sleepRecorder struct {
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.sleeps = append(s.sleeps, d)
}

func TestPoller_ImmediateSuccess(t *testing.T) {
	rec := &sleepRecorder{}
	p := NewPoller("immediate", rec.sleep)

	calls := 0
	ok := p.Wait(PollPolicy{MaxTicks: 5, Interval: time.Second}, func() bool {
		calls++
		return true
	})

	if !ok {
		t.Fatal("Expected condition to be met")
	}
	if calls != 1 {
		t.Errorf("Expected 1 evaluation, got %d", calls)
	}
	if len(rec.sleeps) != 0 {
		t.Errorf("Expected no sleeps, got %d", len(rec.sleeps))
	}
}

func TestPoller_NeverTrue(t *testing.T) {
	rec := &sleepRecorder{}
	p := NewPoller("never", rec.sleep)

	calls := 0
	ok := p.Wait(PollPolicy{MaxTicks: 5, Interval: 0}, func() bool {
		calls++
		return false
	})

	if ok {
		t.Fatal("Expected condition not to be met")
	}
	if calls != 6 {
		t.Errorf("Expected 6 evaluations, got %d", calls)
	}
	if len(rec.sleeps) != 5 {
		t.Errorf("Expected 5 sleeps, got %d", len(rec.sleeps))
	}
}

func TestPoller_StopsOnFirstSuccess(t *testing.T) {
	rec := &sleepRecorder{}
	p := NewPoller("third", rec.sleep)

	calls := 0
	ok := p.Wait(PollPolicy{MaxTicks: 60, Interval: time.Second}, func() bool {
		calls++
		return calls == 3
	})

	if !ok {
		t.Fatal("Expected condition to be met")
	}
	if calls != 3 {
		t.Errorf("Expected 3 evaluations, got %d", calls)
	}
	if len(rec.sleeps) != 2 {
		t.Errorf("Expected 2 sleeps, got %d", len(rec.sleeps))
	}
	for i, d := range rec.sleeps {
		if d != time.Second {
			t.Errorf("Sleep %d: expected 1s, got %v", i, d)
		}
	}
}

func TestPoller_ZeroTicks(t *testing.T) {
	rec := &sleepRecorder{}
	p := NewPoller("zero", rec.sleep)

	calls := 0
	ok := p.Wait(PollPolicy{MaxTicks: 0, Interval: time.Second}, func() bool {
		calls++
		return false
	})

	if ok {
		t.Error("Expected false")
	}
	if calls != 1 {
		t.Errorf("Expected a single evaluation, got %d", calls)
	}
	if len(rec.sleeps) != 0 {
		t.Errorf("Expected no sleeps, got %d", len(rec.sleeps))
	}
}

func TestPollPolicy_Timeout(t *testing.T) {
	policy := PollPolicy{MaxTicks: 60, Interval: time.Second}
	if policy.Timeout() != time.Minute {
		t.Errorf("Expected 1m, got %v", policy.Timeout())
	}
}

func TestWait_RealSleeper(t *testing.T) {
	calls := 0
	ok := Wait(5, 0, func() bool {
		calls++
		return false
	})

	if ok {
		t.Error("Expected false")
	}
	if calls != 6 {
		t.Errorf("Expected 6 evaluations, got %d", calls)
	}
}
