// Package backend defines the candidate backends and the connection status
// shared between the connection manager, the dispatcher and the router.
package backend

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a candidate backend. The zero value means "none".
type Kind string

const (
	KindNone  Kind = ""
	KindLocal Kind = "local"
	KindCloud Kind = "cloud"
)

// ParseKind accepts "local" or "cloud".
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLocal, KindCloud:
		return Kind(s), nil
	default:
		return KindNone, fmt.Errorf("unknown backend kind %q", s)
	}
}

// Candidate is one configured endpoint the process may route to.
type Candidate struct {
	Kind Kind   `json:"kind"`
	URL  string `json:"url"`
}

// Candidates holds at most one local and one cloud endpoint. An empty URL
// means that candidate is not configured. The value is copied freely and never
// mutated in place.
type Candidates struct {
	LocalURL string `json:"localBackendUrl,omitempty"`
	CloudURL string `json:"cloudBackendUrl,omitempty"`
}

// Get returns the candidate of the given kind if it is configured.
func (c Candidates) Get(kind Kind) (Candidate, bool) {
	switch kind {
	case KindLocal:
		if c.LocalURL != "" {
			return Candidate{Kind: KindLocal, URL: c.LocalURL}, true
		}
	case KindCloud:
		if c.CloudURL != "" {
			return Candidate{Kind: KindCloud, URL: c.CloudURL}, true
		}
	}
	return Candidate{}, false
}

// Ordered returns the configured candidates in selection order, local first.
func (c Candidates) Ordered() []Candidate {
	out := make([]Candidate, 0, 2)
	for _, k := range []Kind{KindLocal, KindCloud} {
		if cand, ok := c.Get(k); ok {
			out = append(out, cand)
		}
	}
	return out
}

// Empty reports whether neither candidate is configured.
func (c Candidates) Empty() bool {
	return c.LocalURL == "" && c.CloudURL == ""
}

// State is the connection manager's state machine position.
type State string

const (
	StateUnprobed     State = "unprobed"
	StateProbingLocal State = "probing_local"
	StateLocalUp      State = "local_up"
	StateProbingCloud State = "probing_cloud"
	StateCloudUp      State = "cloud_up"
	StateAllDown      State = "all_down"
)

// Probing reports whether a cycle is mid-flight in this state.
func (s State) Probing() bool {
	return s == StateProbingLocal || s == StateProbingCloud
}

// ProbingState returns the in-flight state for probing kind.
func ProbingState(kind Kind) State {
	if kind == KindLocal {
		return StateProbingLocal
	}
	return StateProbingCloud
}

// UpState returns the settled state after kind answered.
func UpState(kind Kind) State {
	if kind == KindLocal {
		return StateLocalUp
	}
	return StateCloudUp
}

// ConnectionStatus is the process-wide connectivity record. Backend is
// non-empty only when Connected is true.
type ConnectionStatus struct {
	Connected     bool
	Backend       Kind
	State         State
	LastCheckedAt time.Time
	LastError     string
	Latency       time.Duration
}

// Disconnected builds a status with no selected backend.
func Disconnected(state State, at time.Time, lastError string) ConnectionStatus {
	return ConnectionStatus{State: state, LastCheckedAt: at, LastError: lastError}
}

type statusWire struct {
	Connected     bool       `json:"connected"`
	Backend       *string    `json:"backend"`
	State         State      `json:"state"`
	LastCheckedAt *time.Time `json:"lastCheckedAt"`
	LastError     *string    `json:"lastError"`
	LatencyMs     int64      `json:"latencyMs"`
}

// MarshalJSON renders absent values as null so extension code can keep its
// `backend === null` checks.
func (s ConnectionStatus) MarshalJSON() ([]byte, error) {
	w := statusWire{
		Connected: s.Connected,
		State:     s.State,
		LatencyMs: s.Latency.Milliseconds(),
	}
	if s.Backend != KindNone {
		b := string(s.Backend)
		w.Backend = &b
	}
	if !s.LastCheckedAt.IsZero() {
		at := s.LastCheckedAt.UTC()
		w.LastCheckedAt = &at
	}
	if s.LastError != "" {
		e := s.LastError
		w.LastError = &e
	}
	return json.Marshal(w)
}

func (s *ConnectionStatus) UnmarshalJSON(data []byte) error {
	var w statusWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = ConnectionStatus{
		Connected: w.Connected,
		State:     w.State,
		Latency:   time.Duration(w.LatencyMs) * time.Millisecond,
	}
	if w.Backend != nil {
		s.Backend = Kind(*w.Backend)
	}
	if w.LastCheckedAt != nil {
		s.LastCheckedAt = *w.LastCheckedAt
	}
	if w.LastError != nil {
		s.LastError = *w.LastError
	}
	return nil
}
