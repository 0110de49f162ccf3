// Package audit writes the security audit trail of token operations.
//
// Audit events are separate from technical logs:
//   - Audit failure = operation failure
//   - Never log secrets (PINs, management keys) or digests
//   - All timestamps in UTC
//   - Events are hash chained for tamper evidence
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// EventType is the category of an audit event.
type EventType string

const (
	// Key events
	EventKeyGenerated EventType = "KEY_GENERATED"

	// Certificate events
	EventCertIssued EventType = "CERT_ISSUED"
	EventCertStored EventType = "CERT_STORED"

	// Failures
	EventIssueFailed EventType = "ISSUE_FAILED"
	EventAuthFailed  EventType = "AUTH_FAILED"
)

// Result is the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Actor is who performed the action.
type Actor struct {
	Type string `json:"type"` // "user" or "service"
	ID   string `json:"id"`
	Host string `json:"host,omitempty"`
}

// Object is what was acted upon.
type Object struct {
	Type        string `json:"type"` // "key" or "certificate"
	Slot        string `json:"slot,omitempty"`
	Serial      string `json:"serial,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Context carries operation details.
type Context struct {
	Algorithm   string `json:"algorithm,omitempty"`
	PinPolicy   string `json:"pin_policy,omitempty"`
	TouchPolicy string `json:"touch_policy,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Class       string `json:"class,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Token       string `json:"token,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// Event is one audit log entry.
type Event struct {
	ID        string    `json:"id"`
	EventType EventType `json:"event_type"`
	Timestamp string    `json:"timestamp"` // RFC3339 UTC
	Actor     Actor     `json:"actor"`
	Object    Object    `json:"object"`
	Context   Context   `json:"context,omitempty"`
	Result    Result    `json:"result"`
	HashPrev  string    `json:"hash_prev"`
	Hash      string    `json:"hash"`
}

// NewEvent creates an event stamped with a fresh id, the current time and
// the local user.
func NewEvent(eventType EventType, result Result) *Event {
	hostname, _ := os.Hostname()
	username := os.Getenv("USER")
	if username == "" {
		username = os.Getenv("USERNAME") // Windows
	}
	if username == "" {
		username = "unknown"
	}

	return &Event{
		ID:        uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Actor:     Actor{Type: "user", ID: username, Host: hostname},
		Result:    result,
	}
}

// WithObject sets the object.
func (e *Event) WithObject(obj Object) *Event {
	e.Object = obj
	return e
}

// WithContext sets the context.
func (e *Event) WithContext(ctx Context) *Event {
	e.Context = ctx
	return e
}

// WithActor overrides the default actor.
func (e *Event) WithActor(actor Actor) *Event {
	e.Actor = actor
	return e
}

// Validate checks that required fields are present.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if e.Actor.Type == "" || e.Actor.ID == "" {
		return fmt.Errorf("actor type and id are required")
	}
	if e.Result == "" {
		return fmt.Errorf("result is required")
	}
	return nil
}

// CanonicalJSON is the event without its own hash, as hashed into the chain.
func (e *Event) CanonicalJSON() ([]byte, error) {
	type canonical struct {
		ID        string    `json:"id"`
		EventType EventType `json:"event_type"`
		Timestamp string    `json:"timestamp"`
		Actor     Actor     `json:"actor"`
		Object    Object    `json:"object"`
		Context   Context   `json:"context,omitempty"`
		Result    Result    `json:"result"`
		HashPrev  string    `json:"hash_prev"`
	}
	return json.Marshal(canonical{
		ID:        e.ID,
		EventType: e.EventType,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Object:    e.Object,
		Context:   e.Context,
		Result:    e.Result,
		HashPrev:  e.HashPrev,
	})
}

// JSON returns the full event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
