// Package poll implements the adaptive chat poll scheduler: one background
// loop that fetches new chat items for every active livestream, forwards them
// in timestamp order to the consumer, and paces its own polling frequency to
// chat volume.
//
// Failure policy (deliberate, per stream, never fatal):
//   - a failed fetch resets the stored cursor to NULL and degrades that
//     stream to the slow interval; a broken cursor is worse than missing
//     messages
//   - a page without a usable next cursor is discarded; forwarding items
//     whose cursor can't advance risks unbounded reprocessing
//   - a page whose forwarding failed partway keeps the old cursor so the
//     whole page is retried next tick; downstream dedupes on item id
package poll

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatxp/backend/chat"
	"github.com/onnwee/chatxp/backend/stream"
	"github.com/onnwee/chatxp/backend/telemetry"
)

// Page is one fetched slice of a livestream's chat feed, already normalized
// to canonical items by the platform fetcher. NextCursor == nil means the
// provider returned no usable continuation.
type Page struct {
	Items      []chat.Item
	NextCursor *string
}

// Fetcher retrieves the next chat page for a livestream on one platform,
// resuming from the livestream's stored continuation token.
type Fetcher interface {
	FetchPage(ctx context.Context, ls stream.Livestream) (Page, error)
}

// LivestreamStore is the scheduler's persistence dependency.
type LivestreamStore interface {
	GetActiveLivestreams(ctx context.Context) ([]stream.Livestream, error)
	SetContinuationToken(ctx context.Context, platform chat.Platform, livestreamID string, token *string) error
}

// ChatHandler consumes forwarded chat items, one at a time, in timestamp
// order. Returning accepted=false means the item was a duplicate; returning
// an error marks the page as not fully applied so its cursor is withheld.
type ChatHandler interface {
	OnChatItem(ctx context.Context, it chat.Item, streamerID string) (accepted bool, err error)
}

// Tuning carries the scheduler's pacing knobs.
type Tuning struct {
	MinInterval    time.Duration // burst-mode delay
	MaxInterval    time.Duration // idle/failure delay
	MinChatRate    float64       // messages/second mapped to MaxInterval
	MaxChatRate    float64       // messages/second mapped to MinInterval
	LookbackWindow time.Duration // chat velocity window
	MaxConcurrent  int           // poll units in flight per tick (0 = unbounded)
}

// DefaultTuning returns the production defaults.
func DefaultTuning() Tuning {
	return Tuning{
		MinInterval:    500 * time.Millisecond,
		MaxInterval:    3 * time.Second,
		MinChatRate:    0.1,
		MaxChatRate:    2.0,
		LookbackWindow: 120 * time.Second,
		MaxConcurrent:  8,
	}
}

// TuningFromEnv returns DefaultTuning with env overrides applied.
// Knobs: POLL_MIN_INTERVAL, POLL_MAX_INTERVAL, POLL_MIN_CHAT_RATE,
// POLL_MAX_CHAT_RATE, POLL_LOOKBACK_WINDOW, POLL_MAX_CONCURRENT.
func TuningFromEnv() Tuning {
	t := DefaultTuning()
	if v := os.Getenv("POLL_MIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			t.MinInterval = d
		}
	}
	if v := os.Getenv("POLL_MAX_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > t.MinInterval {
			t.MaxInterval = d
		}
	}
	if v := os.Getenv("POLL_MIN_CHAT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			t.MinChatRate = f
		}
	}
	if v := os.Getenv("POLL_MAX_CHAT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > t.MinChatRate {
			t.MaxChatRate = f
		}
	}
	if v := os.Getenv("POLL_LOOKBACK_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			t.LookbackWindow = d
		}
	}
	if v := os.Getenv("POLL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			t.MaxConcurrent = n
		}
	}
	return t
}

// streamState is the per-livestream scheduler state: the accepted-item
// timestamps inside the lookback window. It exists exactly while its
// livestream is active; nothing outside the scheduler holds a reference.
type streamState struct {
	history []time.Time
}

// Scheduler drives the adaptive poll loop. Create with New, then Start.
type Scheduler struct {
	store    LivestreamStore
	handler  ChatHandler
	fetchers map[chat.Platform]Fetcher
	tuning   Tuning
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*streamState

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a scheduler. fetchers maps each pollable platform to its chat
// fetcher; platforms without a fetcher are skipped with a warning.
func New(store LivestreamStore, handler ChatHandler, fetchers map[chat.Platform]Fetcher, tuning Tuning) *Scheduler {
	return &Scheduler{
		store:    store,
		handler:  handler,
		fetchers: fetchers,
		tuning:   tuning,
		now:      time.Now,
		states:   map[string]*streamState{},
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. It returns immediately; the loop runs
// until Stop is called or ctx is canceled. Subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx)
	})
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	slog.Info("poll scheduler started",
		slog.Duration("min_interval", s.tuning.MinInterval),
		slog.Duration("max_interval", s.tuning.MaxInterval))
	for {
		var delay time.Duration
		telemetry.TimeFunc(telemetry.PollDuration, func() {
			delay = s.tick(ctx)
		})
		telemetry.SetNextPollInterval(delay)
		select {
		case <-ctx.Done():
			slog.Info("poll scheduler stopped")
			return
		case <-time.After(delay):
		}
	}
}

// tick runs one scheduling cycle and returns the delay before the next one:
// the minimum of the per-livestream intervals, so the busiest stream sets
// the pace.
func (s *Scheduler) tick(ctx context.Context) time.Duration {
	if telemetry.PollCycles != nil {
		telemetry.PollCycles.Inc()
	}
	active, err := s.store.GetActiveLivestreams(ctx)
	if err != nil {
		slog.Warn("poll: list active livestreams", slog.Any("err", err), slog.String("component", "poll"))
		return s.tuning.MaxInterval
	}
	s.reconcile(active)
	telemetry.SetActiveLivestreams(len(active))
	if len(active) == 0 {
		return s.tuning.MaxInterval
	}

	intervals := make([]time.Duration, len(active))
	g := new(errgroup.Group)
	if s.tuning.MaxConcurrent > 0 {
		g.SetLimit(s.tuning.MaxConcurrent)
	}
	for i, ls := range active {
		g.Go(func() error {
			intervals[i] = s.pollLivestream(ctx, ls)
			return nil
		})
	}
	_ = g.Wait()

	next := s.tuning.MaxInterval
	for _, d := range intervals {
		if d < next {
			next = d
		}
	}
	if next < s.tuning.MinInterval {
		next = s.tuning.MinInterval
	}
	return next
}

// reconcile keeps the per-stream state map one-to-one with the active set:
// new livestreams get fresh state, vanished ones are dropped.
func (s *Scheduler) reconcile(active []stream.Livestream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(active))
	for _, ls := range active {
		key := ls.Key()
		seen[key] = true
		if s.states[key] == nil {
			s.states[key] = &streamState{}
		}
	}
	for key := range s.states {
		if !seen[key] {
			delete(s.states, key)
		}
	}
}

func (s *Scheduler) state(key string) *streamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &streamState{}
		s.states[key] = st
	}
	return st
}

// pollLivestream runs one fetch/forward unit for a single livestream and
// returns that stream's preferred next interval. It never propagates errors:
// every failure degrades to the slow interval for this stream only.
func (s *Scheduler) pollLivestream(ctx context.Context, ls stream.Livestream) time.Duration {
	logger := slog.Default().With(
		slog.String("platform", string(ls.Platform)),
		slog.String("livestream_id", ls.ID),
		slog.String("component", "poll"))
	st := s.state(ls.Key())

	fetcher := s.fetchers[ls.Platform]
	if fetcher == nil {
		logger.Warn("no fetcher registered for platform; skipping")
		return s.tuning.MaxInterval
	}

	page, err := fetcher.FetchPage(ctx, ls)
	if err != nil {
		// Reset the cursor so the next tick resyncs from scratch. This
		// trades possible item loss for never looping on a broken cursor.
		if telemetry.PollFetchErrors != nil {
			telemetry.PollFetchErrors.Inc()
		}
		logger.Warn("chat fetch failed; resetting cursor", slog.Any("err", err))
		if serr := s.store.SetContinuationToken(ctx, ls.Platform, ls.ID, nil); serr != nil {
			logger.Warn("cursor reset failed", slog.Any("err", serr))
		} else if telemetry.CursorResets != nil {
			telemetry.CursorResets.Inc()
		}
		return s.tuning.MaxInterval
	}
	if page.NextCursor == nil {
		logger.Debug("page carried no next cursor; discarding items", slog.Int("discarded", len(page.Items)))
		return s.tuning.MaxInterval
	}

	items := contentBearing(page.Items)
	// Provider ordering is not guaranteed; the forward loop below relies on
	// ascending timestamps.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
	if telemetry.ChatItemsFetched != nil {
		telemetry.ChatItemsFetched.Add(float64(len(items)))
	}

	anyAccepted := false
	forwardFailed := false
	for _, it := range items {
		// Sequential on purpose: forwarding in order, awaiting each item,
		// is part of the delivery contract.
		accepted, err := s.handler.OnChatItem(ctx, it, ls.StreamerID)
		if err != nil {
			if telemetry.ForwardFailures != nil {
				telemetry.ForwardFailures.Inc()
			}
			logger.Warn("forwarding chat item failed; withholding cursor",
				slog.String("item_id", it.ID), slog.Any("err", err))
			forwardFailed = true
			break
		}
		if accepted {
			anyAccepted = true
			if telemetry.ChatItemsAccepted != nil {
				telemetry.ChatItemsAccepted.Inc()
			}
			s.mu.Lock()
			st.history = append(st.history, it.Timestamp)
			s.mu.Unlock()
		}
	}

	if !forwardFailed {
		if err := s.store.SetContinuationToken(ctx, ls.Platform, ls.ID, page.NextCursor); err != nil {
			logger.Warn("persisting cursor failed; page will be retried", slog.Any("err", err))
			return s.tuning.MaxInterval
		}
	}

	if anyAccepted {
		// Burst mode: drain quickly while new items keep arriving.
		return s.tuning.MinInterval
	}
	return s.velocityInterval(st, s.now())
}

func contentBearing(items []chat.Item) []chat.Item {
	out := items[:0:0]
	for _, it := range items {
		if !it.Empty() {
			out = append(out, it)
		}
	}
	return out
}
