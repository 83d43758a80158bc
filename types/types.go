package types

import (
	"encoding/json"
	"time"
)

// Priority orders requests that are simultaneously eligible for dispatch
// under a shared concurrency cap. It never exempts a request from limits.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ResultSource indicates where a result came from.
type ResultSource string

const (
	SourceUpstream ResultSource = "upstream"
	SourceCache    ResultSource = "cache"
	SourceDedup    ResultSource = "dedup"
	SourceFallback ResultSource = "fallback"
)

// Result is the terminal outcome of a successfully orchestrated request.
type Result struct {
	Value     json.RawMessage `json:"value"`
	CostUnits int64           `json:"cost_units"`
	Source    ResultSource    `json:"source"`
	WrittenAt time.Time       `json:"written_at,omitempty"` // set for fallback results so callers can bound staleness
}
