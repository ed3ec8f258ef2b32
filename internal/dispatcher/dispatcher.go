// Package dispatcher drives a scheduler-built attempt queue against
// real upstream chat-completion endpoints: constructing each forward
// request, executing buffered or streaming attempts with the
// commit-after-first-byte failover rule, and reporting every outcome
// back to the state store.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/catfishapiagg/llmproxy/internal/notify"
	"github.com/catfishapiagg/llmproxy/internal/scheduler"
	"github.com/catfishapiagg/llmproxy/internal/state"
	"github.com/catfishapiagg/llmproxy/internal/util"
)

// DefaultTimeout is the per-attempt upper bound on an upstream round
// trip when no explicit timeout is configured. It applies to the whole
// attempt for buffered requests and to the wait for a streaming
// request's response head only; once a stream commits, its body is
// bounded by the caller's context (the client's own connection), never
// by this timeout.
const DefaultTimeout = 60 * time.Second

// recorder is the subset of *state.Store the dispatcher needs; kept
// as an interface so tests can substitute a stub without spinning up a
// real store.
type recorder interface {
	RecordAttempt(o state.AttemptOutcome, now time.Time) (*time.Time, error)
}

// Dispatcher executes attempt queues against real upstreams.
type Dispatcher struct {
	client       *http.Client
	streamClient *http.Client
	timeout      time.Duration
	states       recorder
	notifier     *notify.Notifier
}

// New creates a Dispatcher using client for buffered upstream calls and
// timeout as the per-attempt bound. A nil client gets a default one
// scoped to timeout; a non-positive timeout falls back to
// DefaultTimeout. Streaming attempts use a separate client built from
// the same Transport but with no Client.Timeout, since that field
// bounds body reads as well as headers and would otherwise abort a
// slow-but-healthy long-running completion. notifier may be nil, in
// which case a breaker trip is recorded but never alerted on.
func New(client *http.Client, timeout time.Duration, notifier *notify.Notifier, states recorder) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	streamClient := &http.Client{Transport: client.Transport}
	return &Dispatcher{client: client, streamClient: streamClient, timeout: timeout, states: states, notifier: notifier}
}

// Result is what the HTTP frontend hands back to the client: either a
// fully buffered Body, or a Stream whose draining settles the
// recorded outcome of the attempt that produced it.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

const (
	msgAllUnavailable = `{"error":"all backends unavailable"}`
	msgAllFailed       = `{"error":"all backends failed"}`
)

// Dispatch executes queue in order for one client request. An empty
// queue means every candidate in the scheme was breaker-tripped, which
// is a 503; a non-empty queue is tried attempt by attempt until one
// commits (buffered success, or a streaming response whose head
// arrived with status < 400).
func (d *Dispatcher) Dispatch(ctx context.Context, queue []scheduler.Attempt, body map[string]interface{}, stream bool) *Result {
	if len(queue) == 0 {
		return &Result{StatusCode: http.StatusServiceUnavailable, Body: []byte(msgAllUnavailable)}
	}

	var lastErr *AttemptError

	for _, attempt := range queue {
		if stream {
			res, attemptErr, committed := d.attemptStream(ctx, attempt, body)
			if committed {
				return res
			}
			lastErr = attemptErr
			continue
		}

		res, attemptErr := d.attemptBuffered(ctx, attempt, body)
		if attemptErr == nil {
			return res
		}
		lastErr = attemptErr
	}

	return exhausted(lastErr)
}

func exhausted(lastErr *AttemptError) *Result {
	if lastErr == nil {
		return &Result{StatusCode: http.StatusInternalServerError, Body: []byte(msgAllFailed)}
	}
	if lastErr.HTTPStatus > 0 {
		return &Result{StatusCode: lastErr.HTTPStatus, Body: lastErr.Body}
	}
	return &Result{StatusCode: http.StatusInternalServerError, Body: []byte(fmt.Sprintf(`{"error":%q}`, lastErr.Transport))}
}

func (d *Dispatcher) attemptBuffered(ctx context.Context, a scheduler.Attempt, body map[string]interface{}) (*Result, *AttemptError) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := buildRequest(ctx, a, body, false)
	if err != nil {
		d.recordOutcome(a, false)
		return nil, &AttemptError{Transport: err.Error()}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		util.Warnf("dispatcher: upstream %s transport error: %v", a.Upstream.ID, err)
		d.recordOutcome(a, false)
		return nil, &AttemptError{Transport: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		util.Warnf("dispatcher: upstream %s body read error: %v", a.Upstream.ID, err)
		d.recordOutcome(a, false)
		return nil, &AttemptError{Transport: err.Error()}
	}

	if resp.StatusCode >= 400 {
		util.Warnf("dispatcher: upstream %s failed (HTTP %d)", a.Upstream.ID, resp.StatusCode)
		d.recordOutcome(a, false)
		return nil, &AttemptError{HTTPStatus: resp.StatusCode, Body: payload}
	}

	d.recordOutcome(a, true)
	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

// attemptStream returns committed=true once the upstream head has
// arrived with a non-failure status; after that point the returned
// Result.Stream owns recording the final outcome, and Dispatch must
// not try another candidate no matter what happens while it drains.
//
// The wait for that head is bounded by d.timeout via headCtx, a
// context derived from ctx and armed with a timer that cancels it if
// no response arrives in time. Once the head does arrive the timer is
// stopped before it can fire, so the committed stream's body read is
// bounded only by ctx (the client's own connection), never by
// d.timeout — a slow-but-healthy long completion must not look like a
// failing upstream to the breaker.
func (d *Dispatcher) attemptStream(ctx context.Context, a scheduler.Attempt, body map[string]interface{}) (res *Result, attemptErr *AttemptError, committed bool) {
	headCtx, cancelHead := context.WithCancel(ctx)
	timer := time.AfterFunc(d.timeout, cancelHead)

	req, err := buildRequest(headCtx, a, body, true)
	if err != nil {
		timer.Stop()
		cancelHead()
		d.recordOutcome(a, false)
		return nil, &AttemptError{Transport: err.Error()}, false
	}

	resp, err := d.streamClient.Do(req)
	timer.Stop()
	if err != nil {
		cancelHead()
		util.Warnf("dispatcher: upstream %s stream transport error: %v", a.Upstream.ID, err)
		d.recordOutcome(a, false)
		return nil, &AttemptError{Transport: err.Error()}, false
	}

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancelHead()
		util.Warnf("dispatcher: upstream %s stream failed pre-body (HTTP %d)", a.Upstream.ID, resp.StatusCode)
		d.recordOutcome(a, false)
		return nil, &AttemptError{HTTPStatus: resp.StatusCode, Body: payload}, false
	}

	util.Infof("dispatcher: upstream %s committed stream", a.Upstream.ID)
	attempt := a
	stream := &committedStream{
		upstream: resp.Body,
		onDone: func(success bool) {
			if !success {
				util.Infof("dispatcher: upstream %s stream ended without clean EOF, recording failure", attempt.Upstream.ID)
			}
			cancelHead()
			d.recordOutcome(attempt, success)
		},
	}
	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Stream: stream}, nil, true
}

func (d *Dispatcher) recordOutcome(a scheduler.Attempt, success bool) {
	if d.states == nil {
		return
	}
	o := state.AttemptOutcome{
		UpstreamID:     a.Upstream.ID,
		Scheme:         a.Scheme,
		Priority:       a.Upstream.Priority,
		GroupSize:      a.GroupSize,
		IndexInGroup:   a.IndexInGroup,
		Success:        success,
		Threshold:      a.Upstream.ConsecutiveFailureThreshold,
		DisableSeconds: a.Upstream.DisableDurationSeconds,
	}
	tripped, err := d.states.RecordAttempt(o, time.Now())
	if err != nil {
		util.Errorf("dispatcher: failed to record outcome for upstream %s: %v", a.Upstream.ID, err)
		return
	}
	if tripped != nil && d.notifier != nil {
		d.notifier.NotifyBreakerTripped(a.Upstream.ID, a.Scheme, *tripped)
	}
}

func buildRequest(ctx context.Context, a scheduler.Attempt, body map[string]interface{}, stream bool) (*http.Request, error) {
	url := strings.TrimSuffix(a.Upstream.URL, "/") + "/chat/completions"

	forwarded := make(map[string]interface{}, len(body)+1)
	for k, v := range body {
		forwarded[k] = v
	}
	if a.Upstream.Model != "" {
		forwarded["model"] = a.Upstream.Model
	}

	payload, err := json.Marshal(forwarded)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+a.Upstream.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	return req, nil
}
