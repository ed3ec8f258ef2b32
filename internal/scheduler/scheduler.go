// Package scheduler turns a requested model name, the configured
// schemes, and a point-in-time breaker/round-robin snapshot into an
// ordered queue of upstreams to attempt. It is deliberately pure: it
// reads a state.Snapshot but never records anything back.
package scheduler

import (
	"sort"
	"time"

	"github.com/catfishapiagg/llmproxy/internal/registry"
	"github.com/catfishapiagg/llmproxy/internal/state"
	"github.com/catfishapiagg/llmproxy/internal/util"
)

// Attempt is one entry in the queue returned by BuildAttemptQueue: the
// upstream to call plus the bookkeeping the dispatcher needs to report
// the outcome back to the state store.
type Attempt struct {
	Upstream     registry.Upstream
	Scheme       string
	GroupSize    int
	IndexInGroup int
}

// SelectScheme resolves a client's requested model name to a
// configured scheme name, falling back to the lexicographically first
// scheme when there is no exact match. It returns ok=false only when
// schemes is empty.
func SelectScheme(requestedModel string, schemes map[string][]registry.Upstream) (name string, ok bool) {
	if _, present := schemes[requestedModel]; present {
		return requestedModel, true
	}

	names := make([]string, 0, len(schemes))
	for n := range schemes {
		names = append(names, n)
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)

	if requestedModel != "" {
		util.Infof("scheduler: model %q has no matching scheme, falling back to %q", requestedModel, names[0])
	}
	return names[0], true
}

// BuildAttemptQueue builds the ordered list of upstreams to try for a
// scheme: breaker-tripped upstreams are filtered out, the remainder is
// grouped by priority ascending, and each group is rotated to start at
// its stored round-robin cursor. The result is a pure function of its
// inputs; it never mutates snap or calls back into the state store.
func BuildAttemptQueue(schemeName string, upstreams []registry.Upstream, snap state.Snapshot, now time.Time) []Attempt {
	active := make([]registry.Upstream, 0, len(upstreams))
	for _, u := range upstreams {
		if snap.Upstream(u.ID).Disabled(now) {
			util.Infof("scheduler: upstream %s is disabled (breaker), skipping", u.ID)
			continue
		}
		active = append(active, u)
	}
	if len(active) == 0 {
		return nil
	}

	groups := groupByPriority(active)

	priorities := make([]int, 0, len(groups))
	for p := range groups {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	queue := make([]Attempt, 0, len(active))
	for _, priority := range priorities {
		group := groups[priority]

		cursor := snap.Cursor(schemeName, priority)
		if cursor < 0 || cursor >= len(group) {
			cursor = 0
		}

		rotated := append(append([]registry.Upstream{}, group[cursor:]...), group[:cursor]...)
		for i, u := range rotated {
			// IndexInGroup is recorded against the group's original
			// (pre-rotation) order, since that is what the stored
			// cursor indexes into.
			originalIndex := (i + cursor) % len(group)
			queue = append(queue, Attempt{
				Upstream:     u,
				Scheme:       schemeName,
				GroupSize:    len(group),
				IndexInGroup: originalIndex,
			})
		}
	}
	return queue
}

func groupByPriority(upstreams []registry.Upstream) map[int][]registry.Upstream {
	groups := map[int][]registry.Upstream{}
	for _, u := range upstreams {
		groups[u.Priority] = append(groups[u.Priority], u)
	}
	return groups
}
