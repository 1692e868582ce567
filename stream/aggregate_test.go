package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/chatxp/backend/chat"
)

func ts(min int) *time.Time {
	t := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(min) * time.Minute)
	return &t
}

func TestMergeOverlappingAcrossPlatforms(t *testing.T) {
	// Two overlapping streams then a later open one: expect two blocks, the
	// second open.
	records := []Livestream{
		{ID: "a", Platform: chat.PlatformYouTube, Start: ts(0), End: ts(30)},
		{ID: "b", Platform: chat.PlatformTwitch, Start: ts(10), End: ts(45)},
		{ID: "c", Platform: chat.PlatformYouTube, Start: ts(60), End: nil},
	}
	blocks, err := Merge(records)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks got %d", len(blocks))
	}
	if !blocks[0].Start.Equal(*ts(0)) || blocks[0].End == nil || !blocks[0].End.Equal(*ts(45)) {
		t.Fatalf("block 0 = %+v", blocks[0])
	}
	if len(blocks[0].Members) != 2 {
		t.Fatalf("block 0 members = %v", blocks[0].Members)
	}
	if blocks[1].End != nil || len(blocks[1].Members) != 1 {
		t.Fatalf("block 1 = %+v", blocks[1])
	}
}

func TestMergeOpenMemberKeepsBlockOpen(t *testing.T) {
	records := []Livestream{
		{ID: "a", Platform: chat.PlatformYouTube, Start: ts(0), End: nil},
		{ID: "b", Platform: chat.PlatformTwitch, Start: ts(5), End: ts(20)},
	}
	blocks, err := Merge(records)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || blocks[0].End != nil {
		t.Fatalf("expected single open block got %+v", blocks)
	}
	if len(blocks[0].Members) != 2 {
		t.Fatalf("members = %v", blocks[0].Members)
	}
}

func TestMergeAdjacentStartEqualsEnd(t *testing.T) {
	// A start exactly at the previous end extends the block (strictly-after
	// is required to close it).
	records := []Livestream{
		{ID: "a", Platform: chat.PlatformYouTube, Start: ts(0), End: ts(30)},
		{ID: "b", Platform: chat.PlatformYouTube, Start: ts(30), End: ts(40)},
	}
	blocks, err := Merge(records)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block got %d", len(blocks))
	}
}

func TestMergeEqualStartsUseStableTieBreak(t *testing.T) {
	// Two records sharing a start time must merge in platform/id order no
	// matter how the input is arranged, matching the store's sort key so the
	// participation walk stays aligned.
	records := []Livestream{
		{ID: "yt1", Platform: chat.PlatformYouTube, Start: ts(0), End: ts(30)},
		{ID: "tw1", Platform: chat.PlatformTwitch, Start: ts(0), End: ts(20)},
	}
	blocks, err := Merge(records)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || len(blocks[0].Members) != 2 {
		t.Fatalf("blocks = %+v", blocks)
	}
	if blocks[0].Members[0].Platform != chat.PlatformTwitch || blocks[0].Members[1].Platform != chat.PlatformYouTube {
		t.Fatalf("members out of tie-break order: %v", blocks[0].Members)
	}
}

func TestGetParticipationEqualStartsStayInLockStep(t *testing.T) {
	yt := Livestream{ID: "yt1", Platform: chat.PlatformYouTube, Start: ts(0), End: ts(30)}
	tw := Livestream{ID: "tw1", Platform: chat.PlatformTwitch, Start: ts(0), End: ts(25)}
	// Flags arrive in the store's order (start, platform, id); the record
	// slice is deliberately reversed.
	flags := []LivestreamParticipation{
		{Livestream: tw, Participated: false},
		{Livestream: yt, Participated: true},
	}
	agg := &Aggregator{Store: &fakeStore{records: []Livestream{yt, tw}, flags: flags}}
	out, err := agg.GetParticipation(context.Background(), "streamer1", []string{"u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || !out[0].Participated {
		t.Fatalf("out = %+v", out)
	}
}

func TestMergeSkipsUnstartedRecords(t *testing.T) {
	records := []Livestream{
		{ID: "a", Platform: chat.PlatformYouTube, Start: nil, End: nil},
		{ID: "b", Platform: chat.PlatformYouTube, Start: ts(0), End: ts(10)},
	}
	blocks, err := Merge(records)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || len(blocks[0].Members) != 1 {
		t.Fatalf("blocks = %+v", blocks)
	}
}

func TestMergeTwoOpenOnSamePlatformFails(t *testing.T) {
	records := []Livestream{
		{ID: "a", Platform: chat.PlatformYouTube, Start: ts(0), End: nil},
		{ID: "b", Platform: chat.PlatformYouTube, Start: ts(10), End: nil},
	}
	if _, err := Merge(records); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity got %v", err)
	}
}

func TestMergeOpenNotLatestFails(t *testing.T) {
	records := []Livestream{
		{ID: "a", Platform: chat.PlatformYouTube, Start: ts(0), End: nil},
		{ID: "b", Platform: chat.PlatformYouTube, Start: ts(10), End: ts(20)},
	}
	if _, err := Merge(records); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity got %v", err)
	}
}

type fakeStore struct {
	records []Livestream
	flags   []LivestreamParticipation
}

func (f *fakeStore) GetLivestreams(ctx context.Context, streamerID string, since time.Time) ([]Livestream, error) {
	return f.records, nil
}

func (f *fakeStore) GetLivestreamParticipation(ctx context.Context, streamerID string, userIDs []string) ([]LivestreamParticipation, error) {
	return f.flags, nil
}

func TestGetParticipationLockStep(t *testing.T) {
	records := []Livestream{
		{ID: "a", Platform: chat.PlatformYouTube, Start: ts(0), End: ts(30)},
		{ID: "b", Platform: chat.PlatformTwitch, Start: ts(10), End: ts(45)},
		{ID: "c", Platform: chat.PlatformYouTube, Start: ts(60), End: ts(90)},
	}
	flags := []LivestreamParticipation{
		{Livestream: records[0], Participated: false},
		{Livestream: records[1], Participated: true},
		{Livestream: records[2], Participated: false},
	}
	agg := &Aggregator{Store: &fakeStore{records: records, flags: flags}}
	out, err := agg.GetParticipation(context.Background(), "streamer1", []string{"u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 blocks got %d", len(out))
	}
	if !out[0].Participated {
		t.Fatal("block 0 should be participated via member b")
	}
	if out[1].Participated {
		t.Fatal("block 1 should not be participated")
	}
}

func TestGetParticipationOutOfStepFails(t *testing.T) {
	records := []Livestream{
		{ID: "a", Platform: chat.PlatformYouTube, Start: ts(0), End: ts(30)},
	}
	flags := []LivestreamParticipation{
		{Livestream: Livestream{ID: "zzz", Platform: chat.PlatformTwitch}, Participated: true},
	}
	agg := &Aggregator{Store: &fakeStore{records: records, flags: flags}}
	if _, err := agg.GetParticipation(context.Background(), "streamer1", []string{"u1"}); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity got %v", err)
	}
}

func TestGetAggregateLivestreamsIntegrityError(t *testing.T) {
	records := []Livestream{
		{ID: "a", Platform: chat.PlatformYouTube, Start: ts(0), End: nil},
		{ID: "b", Platform: chat.PlatformYouTube, Start: ts(10), End: nil},
	}
	agg := &Aggregator{Store: &fakeStore{records: records}}
	if _, err := agg.GetAggregateLivestreams(context.Background(), "streamer1"); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity got %v", err)
	}
}
