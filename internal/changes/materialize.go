package changes

import "github.com/boundarymesh/controlplane/internal/domain"

// Materialize converts a decoded RowChange from the replication tailer (C1)
// into the typed Change this router fans out.
func Materialize(rc domain.RowChange) Change {
	return Change{
		LSN:   rc.LSN,
		Table: rc.Table,
		Op:    rc.Op,
		Old:   rc.OldData,
		New:   rc.NewData,
	}
}
