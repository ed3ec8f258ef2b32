package scheduler

import (
	"testing"
	"time"

	"github.com/catfishapiagg/llmproxy/internal/registry"
	"github.com/catfishapiagg/llmproxy/internal/state"
	"github.com/catfishapiagg/llmproxy/internal/storage"
)

func snapshotOf(t *testing.T, outcomes ...state.AttemptOutcome) state.Snapshot {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	st := state.New(fs)
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	for _, o := range outcomes {
		if _, err := st.RecordAttempt(o, now); err != nil {
			t.Fatalf("RecordAttempt() error = %v", err)
		}
	}
	snap, err := st.Snapshot(now)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return snap
}

func TestSelectSchemeExactMatch(t *testing.T) {
	schemes := map[string][]registry.Upstream{"gpt-4": nil, "gpt-3.5": nil}
	name, ok := SelectScheme("gpt-4", schemes)
	if !ok || name != "gpt-4" {
		t.Errorf("SelectScheme() = (%q, %v), want (gpt-4, true)", name, ok)
	}
}

func TestSelectSchemeFallsBackToFirstLexicographically(t *testing.T) {
	schemes := map[string][]registry.Upstream{"zeta": nil, "alpha": nil, "beta": nil}
	name, ok := SelectScheme("unknown-model", schemes)
	if !ok || name != "alpha" {
		t.Errorf("SelectScheme() = (%q, %v), want (alpha, true)", name, ok)
	}
}

func TestSelectSchemeEmpty(t *testing.T) {
	_, ok := SelectScheme("anything", map[string][]registry.Upstream{})
	if ok {
		t.Error("SelectScheme() with no schemes should return ok=false")
	}
}

func TestBuildAttemptQueueOrdersByPriority(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	upstreams := []registry.Upstream{
		{ID: "low", Priority: 2},
		{ID: "high", Priority: 1},
	}
	snap := snapshotOf(t)
	queue := BuildAttemptQueue("default", upstreams, snap, now)
	if len(queue) != 2 || queue[0].Upstream.ID != "high" || queue[1].Upstream.ID != "low" {
		t.Fatalf("queue = %+v, want [high, low]", queue)
	}
}

func TestBuildAttemptQueueSkipsBreakerTripped(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	threshold, duration := 1, 3600
	snap := snapshotOf(t, state.AttemptOutcome{
		UpstreamID: "bad", Scheme: "default", Priority: 1,
		GroupSize: 1, IndexInGroup: 0, Success: false,
		Threshold: &threshold, DisableSeconds: &duration,
	})

	upstreams := []registry.Upstream{
		{ID: "bad", Priority: 1},
		{ID: "good", Priority: 1},
	}
	queue := BuildAttemptQueue("default", upstreams, snap, now)
	if len(queue) != 1 || queue[0].Upstream.ID != "good" {
		t.Fatalf("queue = %+v, want only [good]", queue)
	}
}

func TestBuildAttemptQueueAllTrippedReturnsEmpty(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	threshold, duration := 1, 3600
	snap := snapshotOf(t, state.AttemptOutcome{
		UpstreamID: "bad", Scheme: "default", Priority: 1,
		GroupSize: 1, IndexInGroup: 0, Success: false,
		Threshold: &threshold, DisableSeconds: &duration,
	})

	upstreams := []registry.Upstream{{ID: "bad", Priority: 1}}
	queue := BuildAttemptQueue("default", upstreams, snap, now)
	if len(queue) != 0 {
		t.Errorf("queue = %+v, want empty", queue)
	}
}

func TestBuildAttemptQueueRotatesOnCursor(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	// Record a success for index 1 of a 3-member group, advancing the
	// cursor to 2.
	snap := snapshotOf(t, state.AttemptOutcome{
		UpstreamID: "b", Scheme: "default", Priority: 1,
		GroupSize: 3, IndexInGroup: 1, Success: true,
	})

	upstreams := []registry.Upstream{
		{ID: "a", Priority: 1},
		{ID: "b", Priority: 1},
		{ID: "c", Priority: 1},
	}
	queue := BuildAttemptQueue("default", upstreams, snap, now)
	if len(queue) != 3 {
		t.Fatalf("len(queue) = %d, want 3", len(queue))
	}
	got := []string{queue[0].Upstream.ID, queue[1].Upstream.ID, queue[2].Upstream.ID}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("queue[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
	if queue[0].IndexInGroup != 2 || queue[1].IndexInGroup != 0 || queue[2].IndexInGroup != 1 {
		t.Errorf("IndexInGroup values = [%d %d %d], want [2 0 1]",
			queue[0].IndexInGroup, queue[1].IndexInGroup, queue[2].IndexInGroup)
	}
}

func TestBuildAttemptQueueNoUpstreams(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	snap := snapshotOf(t)
	queue := BuildAttemptQueue("default", nil, snap, now)
	if len(queue) != 0 {
		t.Errorf("queue = %+v, want empty", queue)
	}
}
