// Package state tracks per-upstream success/failure counters, circuit
// breaker status, and round-robin cursors, persisted as a single
// opaque document via the storage package.
package state

import "time"

const dateLayout = "2006-01-02"

type counts struct {
	Success int64 `json:"success"`
	Fail    int64 `json:"fail"`
}

type todayCounts struct {
	Date    string             `json:"date"`
	Success int64              `json:"success"`
	Fail    int64              `json:"fail"`
	ByID    map[string]*counts `json:"by_config_id"`
}

type upstreamState struct {
	Success          int64      `json:"success"`
	Fail             int64      `json:"fail"`
	ConsecutiveFails int        `json:"consecutive_fails"`
	DisabledUntil    *time.Time `json:"disabled_until,omitempty"`
}

// document is the on-disk shape of the state store.
type document struct {
	Total      counts                    `json:"total"`
	Today      todayCounts               `json:"today"`
	ByID       map[string]*upstreamState `json:"by_config_id"`
	RoundRobin map[string]map[string]int `json:"round_robin_state"`
}

func newDocument(now time.Time) *document {
	return &document{
		Today: todayCounts{
			Date: now.Format(dateLayout),
			ByID: map[string]*counts{},
		},
		ByID:       map[string]*upstreamState{},
		RoundRobin: map[string]map[string]int{},
	}
}

// AttemptOutcome describes the result of one dispatch attempt against
// a single upstream, with just enough of its scheme/priority-group
// context to update the round-robin cursor on success.
type AttemptOutcome struct {
	UpstreamID     string
	Scheme         string
	Priority       int
	GroupSize      int
	IndexInGroup   int
	Success        bool
	Threshold      *int // upstream.ConsecutiveFailureThreshold
	DisableSeconds *int // upstream.DisableDurationSeconds
}

// UpstreamSnapshot is the read-only breaker view of one upstream at
// the moment a Snapshot was taken.
type UpstreamSnapshot struct {
	ConsecutiveFails int
	DisabledUntil    *time.Time
}

// Disabled reports whether the upstream is currently inside its
// breaker cooldown window.
func (u UpstreamSnapshot) Disabled(now time.Time) bool {
	return u.DisabledUntil != nil && now.Before(*u.DisabledUntil)
}

// Snapshot is an immutable view of breaker and round-robin state,
// suitable for the scheduler's pure attempt-queue construction.
type Snapshot struct {
	ByID       map[string]UpstreamSnapshot
	roundRobin map[string]map[int]int
}

// Upstream looks up the breaker snapshot for an id; zero value means
// "never recorded", i.e. not disabled.
func (s Snapshot) Upstream(id string) UpstreamSnapshot {
	return s.ByID[id]
}

// Cursor returns the stored round-robin index for a (scheme,
// priority) group, or 0 if none has been recorded yet.
func (s Snapshot) Cursor(scheme string, priority int) int {
	if group, ok := s.roundRobin[scheme]; ok {
		return group[priority]
	}
	return 0
}

// Stats is the admin-facing aggregate view of the state document.
type Stats struct {
	Total      countsView                    `json:"total"`
	Today      todayView                     `json:"today"`
	ByID       map[string]upstreamStatsView  `json:"by_config_id"`
}

type countsView struct {
	Success int64 `json:"success"`
	Fail    int64 `json:"fail"`
}

type todayView struct {
	Date    string                `json:"date"`
	Success int64                 `json:"success"`
	Fail    int64                 `json:"fail"`
	ByID    map[string]countsView `json:"by_config_id"`
}

type upstreamStatsView struct {
	Success          int64      `json:"success"`
	Fail             int64      `json:"fail"`
	ConsecutiveFails int        `json:"consecutive_fails"`
	DisabledUntil    *time.Time `json:"disabled_until,omitempty"`
}
