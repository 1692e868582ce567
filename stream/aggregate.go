package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrIntegrity marks a broken upstream invariant (e.g. two open livestreams
// on one platform). Callers get the error instead of a wrong timeline; this
// is deliberate, the data must be fixed rather than papered over.
var ErrIntegrity = errors.New("livestream integrity violation")

// Store is the read dependency of the aggregator. Both methods must return
// records/flags in the same order: ascending by livestream start time, ties
// broken by platform then livestream id.
type Store interface {
	GetLivestreams(ctx context.Context, streamerID string, since time.Time) ([]Livestream, error)
	GetLivestreamParticipation(ctx context.Context, streamerID string, userIDs []string) ([]LivestreamParticipation, error)
}

// Aggregator answers cross-platform session and participation queries from
// persisted livestream records. It holds no state of its own.
type Aggregator struct {
	Store Store
}

// GetAggregateLivestreams merges the streamer's livestream records into
// ordered, non-overlapping aggregate blocks.
func (a *Aggregator) GetAggregateLivestreams(ctx context.Context, streamerID string) ([]AggregateLivestream, error) {
	records, err := a.Store.GetLivestreams(ctx, streamerID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load livestreams: %w", err)
	}
	return Merge(records)
}

// GetParticipation walks the aggregate blocks and the per-livestream
// participation flags in lock-step: a block is participated if any of its
// member livestreams is flagged.
func (a *Aggregator) GetParticipation(ctx context.Context, streamerID string, userIDs []string) ([]AggregateParticipation, error) {
	records, err := a.Store.GetLivestreams(ctx, streamerID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load livestreams: %w", err)
	}
	blocks, err := Merge(records)
	if err != nil {
		return nil, err
	}
	flags, err := a.Store.GetLivestreamParticipation(ctx, streamerID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load participation: %w", err)
	}

	// Both lists are sorted by start time and built from the same record
	// set, so the flags align one-to-one with block members.
	out := make([]AggregateParticipation, 0, len(blocks))
	idx := 0
	for _, b := range blocks {
		p := AggregateParticipation{Block: b}
		for _, m := range b.Members {
			if idx >= len(flags) {
				return nil, fmt.Errorf("%w: participation list shorter than merged members", ErrIntegrity)
			}
			f := flags[idx]
			if f.Livestream.ID != m.ID || f.Livestream.Platform != m.Platform {
				return nil, fmt.Errorf("%w: participation list out of step at %s:%s", ErrIntegrity, m.Platform, m.ID)
			}
			if f.Participated {
				p.Participated = true
			}
			idx++
		}
		out = append(out, p)
	}
	return out, nil
}

// Merge collapses livestream records into ascending, non-overlapping
// aggregate blocks. Records without a start time are dropped first; then
// per-platform integrity is verified, records are sorted by start, and a
// single sweep merges overlapping or open intervals.
func Merge(records []Livestream) ([]AggregateLivestream, error) {
	started := make([]Livestream, 0, len(records))
	for _, r := range records {
		if r.Start != nil {
			started = append(started, r)
		}
	}
	if err := checkIntegrity(started); err != nil {
		return nil, err
	}
	// Same sort key as the store queries so the participation walk stays in
	// lock-step even when two records share a start time.
	sort.SliceStable(started, func(i, j int) bool {
		if !started[i].Start.Equal(*started[j].Start) {
			return started[i].Start.Before(*started[j].Start)
		}
		if started[i].Platform != started[j].Platform {
			return started[i].Platform < started[j].Platform
		}
		return started[i].ID < started[j].ID
	})

	var blocks []AggregateLivestream
	var cur *AggregateLivestream
	for _, r := range started {
		if cur == nil {
			blocks = append(blocks, AggregateLivestream{Start: *r.Start, End: r.End, Members: []Member{{r.Platform, r.ID}}})
			cur = &blocks[len(blocks)-1]
			continue
		}
		if r.Start.Before(cur.Start) {
			// Unreachable after sorting; a hit means the sweep order broke.
			return nil, fmt.Errorf("%w: sweep order broken at %s:%s", ErrIntegrity, r.Platform, r.ID)
		}
		extends := cur.End == nil || !r.Start.After(*cur.End)
		if !extends {
			blocks = append(blocks, AggregateLivestream{Start: *r.Start, End: r.End, Members: []Member{{r.Platform, r.ID}}})
			cur = &blocks[len(blocks)-1]
			continue
		}
		cur.Members = append(cur.Members, Member{r.Platform, r.ID})
		if cur.End != nil {
			if r.End == nil {
				cur.End = nil
			} else if r.End.After(*cur.End) {
				end := *r.End
				cur.End = &end
			}
		}
	}
	return blocks, nil
}

// checkIntegrity verifies per-platform invariants: at most one open
// livestream, and the open one must be last in start order.
func checkIntegrity(records []Livestream) error {
	type platState struct {
		open       int
		latest     time.Time
		openStart  time.Time
		hasRecords bool
	}
	states := map[string]*platState{}
	for _, r := range records {
		st := states[string(r.Platform)]
		if st == nil {
			st = &platState{}
			states[string(r.Platform)] = st
		}
		if r.End == nil {
			st.open++
			if st.open > 1 {
				return fmt.Errorf("%w: multiple open livestreams on platform %s", ErrIntegrity, r.Platform)
			}
			st.openStart = *r.Start
		}
		if !st.hasRecords || r.Start.After(st.latest) {
			st.latest = *r.Start
			st.hasRecords = true
		}
	}
	for plat, st := range states {
		if st.open == 1 && st.openStart.Before(st.latest) {
			return fmt.Errorf("%w: open livestream is not the latest on platform %s", ErrIntegrity, plat)
		}
	}
	return nil
}
