package replication

import (
	"sync"

	"github.com/jackc/pglogrepl"
)

// relationSet caches Relation messages by id, needed to interpret the
// column layout of subsequent Insert/Update/Delete messages.
type relationSet struct {
	mu   sync.Mutex
	rels map[uint32]*pglogrepl.RelationMessage
}

func newRelationSet() *relationSet {
	return &relationSet{rels: make(map[uint32]*pglogrepl.RelationMessage)}
}

func (s *relationSet) store(rel *pglogrepl.RelationMessage) {
	s.mu.Lock()
	s.rels[rel.RelationID] = rel
	s.mu.Unlock()
}

func (s *relationSet) get(id uint32) (*pglogrepl.RelationMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.rels[id]
	return rel, ok
}

// decodeTuple converts a pgoutput TupleData into a plain map using the
// relation's column names. Columns sent as "unchanged" (TOAST columns a
// producer elided because they're unmodified) are omitted rather than
// guessed at.
func decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]any {
	if tuple == nil {
		return nil
	}
	out := make(map[string]any, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n': // null
			out[name] = nil
		case 'u': // unchanged TOAST value; omit rather than fabricate content
		default: // 't' text-format data
			out[name] = string(col.Data)
		}
	}
	return out
}
