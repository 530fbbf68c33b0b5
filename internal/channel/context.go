// Package channel holds the small pieces shared by the client (C8) and
// gateway (C9) channel session packages: the wire envelope and the
// per-session context that replaces the process-dictionary-carried tracing
// metadata of the original design (§9).
package channel

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionContext is threaded explicitly through every call a session makes
// into a shared component (cache hydration, condition evaluation, change
// handling), carrying the fields the teacher's handlers pull from request
// context/logger fields.
type SessionContext struct {
	SessionID string
	AccountID uuid.UUID
	RemoteIP  string
	Logger    zerolog.Logger
}

// RemoteIP extracts the bare client address from an HTTP request, stripping
// the port net/http leaves on r.RemoteAddr so the result is usable directly
// in condition evaluation's CIDR matching and geo lookup.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Envelope is the wire message exchanged over both channel transports:
// `{event, payload, ref?}` per §6.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

// RawEnvelope is Envelope with Payload left undecoded, used when reading
// off the wire before the event name selects a concrete payload type.
type RawEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}
