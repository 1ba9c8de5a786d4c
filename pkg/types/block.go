package types

import "time"

// Block carries the metadata recorded alongside a block's state diffs.
// Numbers are assigned upstream and must arrive in a strict gapless sequence.
type Block struct {
	Number   uint64    `json:"number"`
	Size     uint32    `json:"size"`
	RootHash string    `json:"root_hash"`
	Time     time.Time `json:"time"`
}

// ActionKind identifies a proof-pipeline stage recorded in the aggregated
// action log. Only ActionExecute moves the verified watermark; the other
// kinds are recorded for audit and observability.
type ActionKind string

const (
	ActionCommit       ActionKind = "commit"
	ActionProve        ActionKind = "prove"
	ActionPublishProof ActionKind = "publish_proof"
	ActionExecute      ActionKind = "execute"
)

// AggregatedAction is one recorded proof-pipeline event covering a contiguous
// block range, inclusive on both ends.
type AggregatedAction struct {
	ID         uint64     `json:"id"`
	Kind       ActionKind `json:"kind"`
	RangeStart uint64     `json:"range_start"`
	RangeEnd   uint64     `json:"range_end"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Watermarks holds the two finality frontiers. Invariants: both are
// monotonically non-decreasing and Verified <= Committed at all times.
type Watermarks struct {
	Committed uint64 `json:"committed"`
	Verified  uint64 `json:"verified"`
}

// WatermarkLevel names a finality frontier in watermark-advance events.
type WatermarkLevel string

const (
	WatermarkCommitted WatermarkLevel = "committed"
	WatermarkVerified  WatermarkLevel = "verified"
)

// WatermarkEvent is published to downstream consumers (cache invalidation,
// dashboards) after a frontier advances. It is observability egress only;
// the frontiers themselves live in the store.
type WatermarkEvent struct {
	Level WatermarkLevel `json:"level"`
	Block uint64         `json:"block"`
	At    time.Time      `json:"at"`
}
