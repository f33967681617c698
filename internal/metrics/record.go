// Package metrics implements the append-mostly metric record store (C3)
// and the asynchronous collector that drains into it (C4).
package metrics

import (
	"fmt"
	"sort"
	"time"

	"retrotrain/internal/idhash"
)

// Record is one metric document, the tagged structure spec.md §9 calls for
// in place of the source's dynamic dictionaries: a required header plus a
// free-form payload map.
type Record struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	MetricType string             `json:"metric_type"`
	Model      string             `json:"model,omitempty"`
	RuleType   string             `json:"rule_type,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Cost       float64            `json:"cost,omitempty"`
	APICalls   int                `json:"api_calls,omitempty"`
	TokenUsage int                `json:"token_usage,omitempty"`
}

// applyDefaults fills a missing timestamp and id, matching store_metric's
// "fills missing timestamp with now; computes id if absent" contract.
func (r *Record) applyDefaults() {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.ID == "" {
		r.ID = r.computeID()
	}
	sort.Strings(r.Tags)
}

func (r *Record) computeID() string {
	header := fmt.Sprintf("%s|%s|%s", r.Timestamp.UTC().Format(time.RFC3339Nano), r.MetricType, r.Model)
	return idhash.Sum128Hex([]byte(header))
}

// dateKey is the by_date index bucket for a record, the date portion of
// its timestamp in UTC.
func (r *Record) dateKey() string {
	return r.Timestamp.UTC().Format("2006-01-02")
}
