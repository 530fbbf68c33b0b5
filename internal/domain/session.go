package domain

import (
	"time"

	"github.com/google/uuid"
)

// ClientContext is the evaluation context the condition evaluator (C4)
// checks a Policy's Conditions against.
type ClientContext struct {
	RemoteIP       string
	RemoteRegion   string
	ProviderID     uuid.UUID
	ClientVerified bool
	Now            time.Time
}

// Subject is the authenticated actor/identity driving a client or gateway
// session, carrying the session-level expiry used to bound
// longest-conforming-policy selection.
type Subject struct {
	ActorID   uuid.UUID
	AccountID uuid.UUID
	ExpiresAt time.Time
}

// EvalResult is the outcome of evaluating a Policy's Conditions against a
// ClientContext.
type EvalResult struct {
	OK        bool
	ExpiresAt time.Time // longest conforming suffix, bounded by subject expiry
	Violated  []ConditionProperty
}
