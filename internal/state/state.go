package state

import (
	"strconv"
	"sync"
	"time"

	"github.com/catfishapiagg/llmproxy/internal/util"
)

const docName = "state"

// store is the minimal persistence contract the state tracker needs;
// satisfied by *storage.FileStore.
type store interface {
	Load(name string, v interface{}) (bool, error)
	Store(name string, v interface{}) error
}

// Store is the single process-wide holder of attempt counters, breaker
// state, and round-robin cursors. Every read and write goes through mu,
// which is also the critical section boundary referred to elsewhere as
// "the state store's lock": a RecordAttempt call is the only place
// breaker transitions and cursor advances happen, and it happens
// entirely under one lock acquisition, load through save.
type Store struct {
	mu    sync.Mutex
	store store
}

// New creates a Store backed by the given persistence layer.
func New(s store) *Store {
	return &Store{store: s}
}

func (s *Store) loadLocked(now time.Time) (*document, error) {
	var doc document
	ok, err := s.store.Load(docName, &doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newDocument(now), nil
	}
	if doc.ByID == nil {
		doc.ByID = map[string]*upstreamState{}
	}
	if doc.Today.ByID == nil {
		doc.Today.ByID = map[string]*counts{}
	}
	if doc.RoundRobin == nil {
		doc.RoundRobin = map[string]map[string]int{}
	}
	return &doc, nil
}

// rollover resets the "today" counters once the wall-clock date has
// advanced past doc.Today.Date, pruning the lifetime per-upstream rows
// (doc.ByID) down to validIDs in the same pass. validIDs may be nil to
// skip pruning.
func rollover(doc *document, now time.Time, validIDs map[string]bool) bool {
	today := now.Format(dateLayout)
	if doc.Today.Date == today {
		return false
	}

	doc.Today = todayCounts{
		Date: today,
		ByID: map[string]*counts{},
	}

	if validIDs != nil {
		for id := range doc.ByID {
			if !validIDs[id] {
				delete(doc.ByID, id)
			}
		}
	}

	return true
}

// RecordAttempt applies the outcome of one dispatch attempt: total and
// today counters, per-upstream lifetime/today counters, breaker
// transition, and, on success only, the round-robin cursor advance for
// the attempt's (scheme, priority) group. It returns the time the
// upstream was disabled until, if and only if this call is the one
// that tripped the breaker, so the caller can fire an alert on the
// transition rather than on every attempt against an already-tripped
// upstream.
func (s *Store) RecordAttempt(o AttemptOutcome, now time.Time) (disabledUntil *time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(now)
	if err != nil {
		return nil, err
	}
	rollover(doc, now, nil)

	if o.Success {
		doc.Total.Success++
		doc.Today.Success++
	} else {
		doc.Total.Fail++
		doc.Today.Fail++
	}

	up, ok := doc.ByID[o.UpstreamID]
	if !ok {
		up = &upstreamState{}
		doc.ByID[o.UpstreamID] = up
	}
	todayUp, ok := doc.Today.ByID[o.UpstreamID]
	if !ok {
		todayUp = &counts{}
		doc.Today.ByID[o.UpstreamID] = todayUp
	}

	var tripped *time.Time
	if o.Success {
		up.Success++
		todayUp.Success++
		up.ConsecutiveFails = 0
		up.DisabledUntil = nil
	} else {
		up.Fail++
		todayUp.Fail++
		up.ConsecutiveFails++

		alreadyTripped := up.DisabledUntil != nil && now.Before(*up.DisabledUntil)
		if o.Threshold != nil && o.DisableSeconds != nil && up.ConsecutiveFails >= *o.Threshold && !alreadyTripped {
			until := now.Add(time.Duration(*o.DisableSeconds) * time.Second)
			up.DisabledUntil = &until
			tripped = &until
			util.Warnf("state: breaker tripped for upstream %s, disabled until %s", o.UpstreamID, until.Format(time.RFC3339))
		}
	}

	if o.Success && o.GroupSize > 0 {
		group, ok := doc.RoundRobin[o.Scheme]
		if !ok {
			group = map[string]int{}
			doc.RoundRobin[o.Scheme] = group
		}
		next := (o.IndexInGroup + 1) % o.GroupSize
		group[priorityKey(o.Priority)] = next
	}

	if err := s.store.Store(docName, doc); err != nil {
		return nil, err
	}
	return tripped, nil
}

// Snapshot returns an immutable view of breaker and round-robin state
// for the scheduler to build an attempt queue from. Taking a snapshot
// also performs the day-rollover check, persisting the reset if the
// date has advanced; it never mutates breaker or cursor state.
func (s *Store) Snapshot(now time.Time) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(now)
	if err != nil {
		return Snapshot{}, err
	}
	if rollover(doc, now, nil) {
		if err := s.store.Store(docName, doc); err != nil {
			return Snapshot{}, err
		}
	}

	byID := make(map[string]UpstreamSnapshot, len(doc.ByID))
	for id, u := range doc.ByID {
		byID[id] = UpstreamSnapshot{ConsecutiveFails: u.ConsecutiveFails, DisabledUntil: u.DisabledUntil}
	}

	rr := make(map[string]map[int]int, len(doc.RoundRobin))
	for scheme, group := range doc.RoundRobin {
		rr[scheme] = map[int]int{}
		for p, idx := range group {
			rr[scheme][parsePriorityKey(p)] = idx
		}
	}

	return Snapshot{ByID: byID, roundRobin: rr}, nil
}

// Stats returns the admin-facing aggregate view, rolling over and
// pruning by_config_id rows to validIDs if the day has turned over.
func (s *Store) Stats(now time.Time, validIDs map[string]bool) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(now)
	if err != nil {
		return Stats{}, err
	}
	if rollover(doc, now, validIDs) {
		if err := s.store.Store(docName, doc); err != nil {
			return Stats{}, err
		}
	}

	out := Stats{
		Total: countsView{Success: doc.Total.Success, Fail: doc.Total.Fail},
		Today: todayView{
			Date:    doc.Today.Date,
			Success: doc.Today.Success,
			Fail:    doc.Today.Fail,
			ByID:    map[string]countsView{},
		},
		ByID: map[string]upstreamStatsView{},
	}
	for id, c := range doc.Today.ByID {
		out.Today.ByID[id] = countsView{Success: c.Success, Fail: c.Fail}
	}
	for id, u := range doc.ByID {
		out.ByID[id] = upstreamStatsView{
			Success:          u.Success,
			Fail:             u.Fail,
			ConsecutiveFails: u.ConsecutiveFails,
			DisabledUntil:    u.DisabledUntil,
		}
	}
	return out, nil
}

// Prune removes lifetime by_config_id rows for upstream ids no longer
// present in validIDs, e.g. after an admin delete. Today's counters are
// left alone and are cleared on the next day rollover; round-robin
// cursors are left alone and are never removed.
func (s *Store) Prune(now time.Time, validIDs map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(now)
	if err != nil {
		return err
	}

	changed := false
	for id := range doc.ByID {
		if !validIDs[id] {
			delete(doc.ByID, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.store.Store(docName, doc)
}

// priorityKey/parsePriorityKey convert between an int priority and the
// string key JSON forces map keys into on disk.
func priorityKey(p int) string {
	return strconv.Itoa(p)
}

func parsePriorityKey(k string) int {
	v, err := strconv.Atoi(k)
	if err != nil {
		return 0
	}
	return v
}
