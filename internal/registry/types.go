// Package registry holds the in-memory view of configured upstreams and
// the schemes that group them, and mediates every mutation of that
// config document against the persistent store.
package registry

// Upstream is one configured backend chat-completion endpoint.
type Upstream struct {
	ID                          string `json:"id"`
	Priority                    int    `json:"priority"`
	URL                         string `json:"url"`
	APIKey                      string `json:"api_key"`
	Model                       string `json:"model,omitempty"`
	ConsecutiveFailureThreshold *int   `json:"consecutive_failure_threshold,omitempty"`
	DisableDurationSeconds      *int   `json:"disable_duration_seconds,omitempty"`
}

// BreakerArmed reports whether this upstream has both breaker fields
// configured, i.e. whether it can ever be tripped.
func (u Upstream) BreakerArmed() bool {
	return u.ConsecutiveFailureThreshold != nil && u.DisableDurationSeconds != nil
}

// Scheme is a named, ordered collection of upstreams, selected by a
// client's `model` field.
type Scheme struct {
	Name      string     `json:"-"`
	Upstreams []Upstream `json:"upstreams"`
}

// UpstreamFields carries the subset of Upstream fields accepted on
// create/update admin requests; nil pointers mean "leave unset" on
// update and "not present" on create.
type UpstreamFields struct {
	Priority                    *int    `json:"priority,omitempty"`
	URL                         *string `json:"url,omitempty"`
	APIKey                      *string `json:"api_key,omitempty"`
	Model                       *string `json:"model,omitempty"`
	ConsecutiveFailureThreshold *int    `json:"consecutive_failure_threshold,omitempty"`
	DisableDurationSeconds      *int    `json:"disable_duration_seconds,omitempty"`
}
