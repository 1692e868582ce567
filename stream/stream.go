// Package stream holds per-platform livestream records and the session
// aggregator that merges them into continuous cross-platform sessions.
package stream

import (
	"time"

	"github.com/onnwee/chatxp/backend/chat"
)

// Livestream is one platform-specific livestream record for a streamer.
// Start == nil means the stream has not begun; End == nil means it is still
// live. ContinuationToken is the poll cursor into the platform's chat feed
// (nil means start fresh; the provider decides what that implies).
type Livestream struct {
	ID                string
	StreamerID        string
	Platform          chat.Platform
	Start             *time.Time
	End               *time.Time
	ContinuationToken *string
}

// Key returns the scheduler map key for this livestream.
func (l Livestream) Key() string {
	return string(l.Platform) + ":" + l.ID
}

// Member references one livestream inside an aggregate block.
type Member struct {
	Platform chat.Platform `json:"platform"`
	ID       string        `json:"id"`
}

// AggregateLivestream is a merged, cross-platform continuous session. Blocks
// are ordered ascending by Start; at most one block has End == nil and it is
// always the last one. Aggregates are derived on demand and never persisted.
type AggregateLivestream struct {
	Start   time.Time  `json:"start"`
	End     *time.Time `json:"end"`
	Members []Member   `json:"members"`
}

// LivestreamParticipation flags whether any of a set of users chatted during
// one platform livestream. Lists of these must be sorted ascending by the
// livestream start time to be usable in participation queries.
type LivestreamParticipation struct {
	Livestream   Livestream
	Participated bool
}

// AggregateParticipation is the per-block answer to a participation query.
type AggregateParticipation struct {
	Block        AggregateLivestream `json:"block"`
	Participated bool                `json:"participated"`
}
