package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatxp/backend/chat"
	"github.com/onnwee/chatxp/backend/stream"
)

type fakeStore struct {
	mu      sync.Mutex
	active  []stream.Livestream
	listErr error
	cursors map[string]*string
	setErr  error
	resets  int
}

func (f *fakeStore) GetActiveLivestreams(ctx context.Context) ([]stream.Livestream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.active, nil
}

func (f *fakeStore) SetContinuationToken(ctx context.Context, platform chat.Platform, id string, token *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	if f.cursors == nil {
		f.cursors = map[string]*string{}
	}
	key := string(platform) + ":" + id
	f.cursors[key] = token
	if token == nil {
		f.resets++
	}
	return nil
}

func (f *fakeStore) cursor(key string) *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[key]
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages []Page
	errs  []error
	calls int
}

func (f *fakeFetcher) FetchPage(ctx context.Context, ls stream.Livestream) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return Page{}, f.errs[i]
	}
	if i < len(f.pages) {
		return f.pages[i], nil
	}
	return Page{NextCursor: strPtr("end")}, nil
}

type fakeHandler struct {
	mu       sync.Mutex
	received []chat.Item
	failOn   string // item id that errors
	dupes    map[string]bool
}

func (f *fakeHandler) OnChatItem(ctx context.Context, it chat.Item, streamerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if it.ID == f.failOn {
		return false, errors.New("handler failure")
	}
	if f.dupes == nil {
		f.dupes = map[string]bool{}
	}
	if f.dupes[it.ID] {
		return false, nil
	}
	f.dupes[it.ID] = true
	f.received = append(f.received, it)
	return true, nil
}

func strPtr(s string) *string { return &s }

func textItem(id string, ts time.Time) chat.Item {
	return chat.Item{
		ID:        id,
		Timestamp: ts,
		Platform:  chat.PlatformYouTube,
		Author:    chat.Author{ChannelID: "u1", Name: "U"},
		Parts:     []chat.MessagePart{{Kind: chat.PartText, Text: "hi"}},
	}
}

func testLivestream() stream.Livestream {
	now := time.Now()
	return stream.Livestream{ID: "ls1", StreamerID: "s1", Platform: chat.PlatformYouTube, Start: &now}
}

func newTestScheduler(store *fakeStore, fetcher Fetcher, handler ChatHandler) *Scheduler {
	return New(store, handler, map[chat.Platform]Fetcher{chat.PlatformYouTube: fetcher}, DefaultTuning())
}

func TestTickNoActiveStreamsSleepsLong(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, &fakeFetcher{}, &fakeHandler{})
	if d := s.tick(context.Background()); d != s.tuning.MaxInterval {
		t.Fatalf("delay = %v want %v", d, s.tuning.MaxInterval)
	}
}

func TestTickStoreErrorSleepsLong(t *testing.T) {
	s := newTestScheduler(&fakeStore{listErr: errors.New("down")}, &fakeFetcher{}, &fakeHandler{})
	if d := s.tick(context.Background()); d != s.tuning.MaxInterval {
		t.Fatalf("delay = %v want %v", d, s.tuning.MaxInterval)
	}
}

func TestForwardOrderAndCursorAdvance(t *testing.T) {
	base := time.Now()
	store := &fakeStore{active: []stream.Livestream{testLivestream()}}
	// Deliberately out of order.
	fetcher := &fakeFetcher{pages: []Page{{
		Items: []chat.Item{
			textItem("b", base.Add(2*time.Second)),
			textItem("a", base.Add(1*time.Second)),
			textItem("c", base.Add(3*time.Second)),
		},
		NextCursor: strPtr("cur2"),
	}}}
	handler := &fakeHandler{}
	s := newTestScheduler(store, fetcher, handler)

	d := s.tick(context.Background())

	if got := len(handler.received); got != 3 {
		t.Fatalf("forwarded %d items, want 3", got)
	}
	for i, want := range []string{"a", "b", "c"} {
		if handler.received[i].ID != want {
			t.Fatalf("item %d = %q want %q", i, handler.received[i].ID, want)
		}
	}
	cur := store.cursor("youtube:ls1")
	if cur == nil || *cur != "cur2" {
		t.Fatalf("cursor = %v want cur2", cur)
	}
	// New items arrived, so the scheduler should burst.
	if d != s.tuning.MinInterval {
		t.Fatalf("delay = %v want burst %v", d, s.tuning.MinInterval)
	}
}

func TestFetchErrorResetsCursor(t *testing.T) {
	store := &fakeStore{active: []stream.Livestream{testLivestream()}}
	fetcher := &fakeFetcher{errs: []error{errors.New("expired continuation")}}
	s := newTestScheduler(store, fetcher, &fakeHandler{})

	d := s.tick(context.Background())

	if store.resets != 1 {
		t.Fatalf("resets = %d want 1", store.resets)
	}
	if cur := store.cursor("youtube:ls1"); cur != nil {
		t.Fatalf("cursor = %v want nil", *cur)
	}
	if d != s.tuning.MaxInterval {
		t.Fatalf("delay = %v want %v", d, s.tuning.MaxInterval)
	}
}

func TestMissingNextCursorDiscardsPage(t *testing.T) {
	base := time.Now()
	store := &fakeStore{active: []stream.Livestream{testLivestream()}}
	fetcher := &fakeFetcher{pages: []Page{{
		Items: []chat.Item{textItem("a", base)},
	}}}
	handler := &fakeHandler{}
	s := newTestScheduler(store, fetcher, handler)

	s.tick(context.Background())

	if len(handler.received) != 0 {
		t.Fatalf("forwarded %d items from cursorless page, want 0", len(handler.received))
	}
	if store.cursor("youtube:ls1") != nil {
		t.Fatal("cursor should not advance for a cursorless page")
	}
}

func TestForwardFailureWithholdsCursor(t *testing.T) {
	base := time.Now()
	store := &fakeStore{active: []stream.Livestream{testLivestream()}}
	fetcher := &fakeFetcher{pages: []Page{{
		Items: []chat.Item{
			textItem("a", base.Add(1*time.Second)),
			textItem("bad", base.Add(2*time.Second)),
			textItem("c", base.Add(3*time.Second)),
		},
		NextCursor: strPtr("cur2"),
	}}}
	handler := &fakeHandler{failOn: "bad"}
	s := newTestScheduler(store, fetcher, handler)

	s.tick(context.Background())

	// Forwarding stopped at the failing item.
	if got := len(handler.received); got != 1 || handler.received[0].ID != "a" {
		t.Fatalf("received = %v, want only item a", handler.received)
	}
	if store.cursor("youtube:ls1") != nil {
		t.Fatal("cursor must be withheld when a forward fails")
	}
}

func TestEmptyItemsFiltered(t *testing.T) {
	base := time.Now()
	empty := chat.Item{ID: "e", Timestamp: base, Platform: chat.PlatformYouTube}
	store := &fakeStore{active: []stream.Livestream{testLivestream()}}
	fetcher := &fakeFetcher{pages: []Page{{
		Items:      []chat.Item{empty, textItem("a", base)},
		NextCursor: strPtr("cur2"),
	}}}
	handler := &fakeHandler{}
	s := newTestScheduler(store, fetcher, handler)

	s.tick(context.Background())

	if got := len(handler.received); got != 1 || handler.received[0].ID != "a" {
		t.Fatalf("received = %v, want only the content-bearing item", handler.received)
	}
}

func TestAllDuplicatesFallsBackToVelocity(t *testing.T) {
	base := time.Now()
	store := &fakeStore{active: []stream.Livestream{testLivestream()}}
	fetcher := &fakeFetcher{pages: []Page{
		{Items: []chat.Item{textItem("a", base)}, NextCursor: strPtr("c1")},
		{Items: []chat.Item{textItem("a", base)}, NextCursor: strPtr("c2")},
	}}
	handler := &fakeHandler{}
	s := newTestScheduler(store, fetcher, handler)

	first := s.tick(context.Background())
	second := s.tick(context.Background())

	if first != s.tuning.MinInterval {
		t.Fatalf("first delay = %v want burst", first)
	}
	// Second page was all duplicates: no burst, cursor still advances.
	if second == s.tuning.MinInterval {
		t.Fatalf("second delay = %v, should not burst on duplicates", second)
	}
	cur := store.cursor("youtube:ls1")
	if cur == nil || *cur != "c2" {
		t.Fatalf("cursor = %v want c2", cur)
	}
}

func TestReconcileDropsVanishedStreams(t *testing.T) {
	store := &fakeStore{active: []stream.Livestream{testLivestream()}}
	s := newTestScheduler(store, &fakeFetcher{}, &fakeHandler{})

	s.tick(context.Background())
	if _, ok := s.states["youtube:ls1"]; !ok {
		t.Fatal("state for active stream not created")
	}

	store.mu.Lock()
	store.active = nil
	store.mu.Unlock()
	s.tick(context.Background())
	if _, ok := s.states["youtube:ls1"]; ok {
		t.Fatal("state for ended stream not dropped")
	}
}

func TestMinAcrossStreams(t *testing.T) {
	now := time.Now()
	busy := stream.Livestream{ID: "busy", StreamerID: "s1", Platform: chat.PlatformYouTube, Start: &now}
	idle := stream.Livestream{ID: "idle", StreamerID: "s2", Platform: chat.PlatformTwitch, Start: &now}
	store := &fakeStore{active: []stream.Livestream{busy, idle}}
	busyFetcher := &fakeFetcher{pages: []Page{{
		Items:      []chat.Item{textItem("a", now)},
		NextCursor: strPtr("c1"),
	}}}
	idleFetcher := &fakeFetcher{pages: []Page{{NextCursor: strPtr("c1")}}}
	handler := &fakeHandler{}
	s := New(store, handler, map[chat.Platform]Fetcher{
		chat.PlatformYouTube: busyFetcher,
		chat.PlatformTwitch:  idleFetcher,
	}, DefaultTuning())

	// The busy stream accepted an item, so the global delay is the burst
	// interval even though the idle stream wants the slow one.
	if d := s.tick(context.Background()); d != s.tuning.MinInterval {
		t.Fatalf("delay = %v want %v", d, s.tuning.MinInterval)
	}
}

func TestStartStop(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(store, &fakeFetcher{}, &fakeHandler{})
	s.Start(context.Background())
	s.Stop()
	select {
	case <-s.done:
	default:
		t.Fatal("done channel not closed after Stop")
	}
}
