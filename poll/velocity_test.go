package poll

import (
	"testing"
	"time"

	"github.com/onnwee/chatxp/backend/chat"
)

func velocityScheduler() *Scheduler {
	return New(&fakeStore{}, &fakeHandler{}, map[chat.Platform]Fetcher{}, DefaultTuning())
}

func TestIntervalForRateEndpoints(t *testing.T) {
	tu := DefaultTuning()
	if got := tu.intervalForRate(0); got != tu.MaxInterval {
		t.Fatalf("rate 0 -> %v want %v", got, tu.MaxInterval)
	}
	if got := tu.intervalForRate(tu.MinChatRate); got != tu.MaxInterval {
		t.Fatalf("rate at floor -> %v want %v", got, tu.MaxInterval)
	}
	if got := tu.intervalForRate(tu.MaxChatRate); got != tu.MinInterval {
		t.Fatalf("rate at ceiling -> %v want %v", got, tu.MinInterval)
	}
	if got := tu.intervalForRate(100); got != tu.MinInterval {
		t.Fatalf("huge rate -> %v want %v", got, tu.MinInterval)
	}
}

func TestIntervalForRateMonotone(t *testing.T) {
	tu := DefaultTuning()
	prev := tu.intervalForRate(tu.MinChatRate)
	for rate := tu.MinChatRate; rate <= tu.MaxChatRate; rate += 0.05 {
		got := tu.intervalForRate(rate)
		if got > prev {
			t.Fatalf("interval increased with rate: %v at rate %v (prev %v)", got, rate, prev)
		}
		if got < tu.MinInterval || got > tu.MaxInterval {
			t.Fatalf("interval %v out of [%v, %v]", got, tu.MinInterval, tu.MaxInterval)
		}
		prev = got
	}
}

func TestVelocityEmptyHistory(t *testing.T) {
	s := velocityScheduler()
	st := &streamState{}
	if got := s.velocityInterval(st, time.Now()); got != s.tuning.MaxInterval {
		t.Fatalf("empty history -> %v want %v", got, s.tuning.MaxInterval)
	}
}

func TestVelocityRecentMessagesWeighMore(t *testing.T) {
	s := velocityScheduler()
	now := time.Now()
	window := s.tuning.LookbackWindow

	recent := &streamState{}
	stale := &streamState{}
	for i := 0; i < 60; i++ {
		recent.history = append(recent.history, now.Add(-time.Duration(i)*time.Second))
		stale.history = append(stale.history, now.Add(-window+time.Duration(i+1)*100*time.Millisecond))
	}

	fast := s.velocityInterval(recent, now)
	slow := s.velocityInterval(stale, now)
	if fast >= slow {
		t.Fatalf("recent burst interval %v not faster than stale burst %v", fast, slow)
	}
}

func TestVelocityPrunesExpiredHistory(t *testing.T) {
	s := velocityScheduler()
	now := time.Now()
	st := &streamState{history: []time.Time{
		now.Add(-s.tuning.LookbackWindow - time.Second),
		now.Add(-time.Second),
	}}
	s.velocityInterval(st, now)
	if len(st.history) != 1 {
		t.Fatalf("history length = %d want 1 after pruning", len(st.history))
	}
}

func TestVelocityHighRateBursts(t *testing.T) {
	s := velocityScheduler()
	now := time.Now()
	st := &streamState{}
	// Well above MaxChatRate: 5 msgs/sec over the whole window.
	for i := 0; i < int(5*s.tuning.LookbackWindow.Seconds()); i++ {
		st.history = append(st.history, now.Add(-time.Duration(i)*200*time.Millisecond))
	}
	if got := s.velocityInterval(st, now); got != s.tuning.MinInterval {
		t.Fatalf("high rate -> %v want %v", got, s.tuning.MinInterval)
	}
}
