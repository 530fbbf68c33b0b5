package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChangeOp enumerates the kind of row mutation a ChangeLog entry records.
type ChangeOp string

const (
	ChangeOpInsert ChangeOp = "insert"
	ChangeOpUpdate ChangeOp = "update"
	ChangeOpDelete ChangeOp = "delete"
)

// ChangeLog persists every decoded row event keyed by LSN. Op-data shape:
//
//	op=insert ⇒ old_data null, data set
//	op=update ⇒ both set
//	op=delete ⇒ old_data set, data null
//
// internal/db's schema enforces this shape with a CHECK constraint; the
// schema cmd/controlplane migrates carries no such check, and
// internal/changelog does not validate it. Nothing compares
// old_data.account_id with data.account_id.
type ChangeLog struct {
	LSN        uint64          `json:"lsn"`
	AccountID  uuid.UUID       `json:"account_id"`
	Table      string          `json:"table"`
	Op         ChangeOp        `json:"op"`
	OldData    []byte          `json:"old_data,omitempty"`
	Data       []byte          `json:"data,omitempty"`
	Vsn        int             `json:"vsn"`
	InsertedAt time.Time       `json:"inserted_at"`
}

// RowChange is the decoded, not-yet-persisted form of a single committed row
// mutation produced by the replication tailer (C1) before it reaches the
// change-log writer (C2) and the change router (C3).
type RowChange struct {
	LSN       uint64
	Table     string
	Op        ChangeOp
	OldData   map[string]any
	NewData   map[string]any
	CommitTS  time.Time
}

// AccountID extracts the owning account id from whichever side of the
// change is populated, preferring the new row per the update invariant
// above.
func (c RowChange) AccountID() (uuid.UUID, bool) {
	if v, ok := c.NewData["account_id"]; ok {
		if s, ok := v.(string); ok {
			if id, err := uuid.Parse(s); err == nil {
				return id, true
			}
		}
	}
	if v, ok := c.OldData["account_id"]; ok {
		if s, ok := v.(string); ok {
			if id, err := uuid.Parse(s); err == nil {
				return id, true
			}
		}
	}
	return uuid.Nil, false
}
