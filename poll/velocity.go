package poll

import (
	"math"
	"time"
)

// velocityInterval computes the idle-mode delay for one stream from its
// recent accepted-item history. Recent messages count more than old ones;
// the weight decays as sqrt(1 - age/window) so a message loses influence
// slowly at first and rapidly near the edge of the window.
func (s *Scheduler) velocityInterval(st *streamState, now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.tuning.LookbackWindow
	kept := st.history[:0]
	var weight float64
	for _, ts := range st.history {
		age := now.Sub(ts)
		if age < 0 {
			age = 0
		}
		if age >= window {
			continue
		}
		kept = append(kept, ts)
		weight += math.Sqrt(1 - age.Seconds()/window.Seconds())
	}
	st.history = kept

	rate := weight / window.Seconds()
	return s.tuning.intervalForRate(rate)
}

// intervalForRate maps a weighted chat rate onto the polling interval range:
// rates at or below MinChatRate poll at MaxInterval, rates at or above
// MaxChatRate poll at MinInterval, with linear interpolation between.
func (t Tuning) intervalForRate(rate float64) time.Duration {
	if rate <= t.MinChatRate {
		return t.MaxInterval
	}
	if rate >= t.MaxChatRate {
		return t.MinInterval
	}
	frac := (rate - t.MinChatRate) / (t.MaxChatRate - t.MinChatRate)
	span := float64(t.MaxInterval - t.MinInterval)
	return t.MaxInterval - time.Duration(frac*span)
}
