package replication

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ensurePublication walks check_publication → check_publication_tables →
// add_publication_tables → remove_publication_tables until the publication
// exists and covers exactly trackedTables.
func (t *Tailer) ensurePublication(ctx context.Context) error {
	t.setPhase(phaseCheckPublication)

	exists, err := t.publicationExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		if err := t.createPublication(ctx); err != nil {
			return err
		}
		return nil
	}

	t.setPhase(phaseCheckPublicationTables)
	current, err := t.publicationTables(ctx)
	if err != nil {
		return err
	}

	desired := make(map[string]bool, len(trackedTables))
	for _, tbl := range trackedTables {
		desired[tbl] = true
	}
	currentSet := make(map[string]bool, len(current))
	for _, tbl := range current {
		currentSet[tbl] = true
	}

	var toAdd, toRemove []string
	for tbl := range desired {
		if !currentSet[tbl] {
			toAdd = append(toAdd, tbl)
		}
	}
	for tbl := range currentSet {
		if !desired[tbl] {
			toRemove = append(toRemove, tbl)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)

	if len(toAdd) > 0 {
		if err := t.alterPublication(ctx, "ADD TABLE "+strings.Join(toAdd, ", ")); err != nil {
			return err
		}
	}
	for _, tbl := range toRemove {
		if err := t.alterPublication(ctx, "DROP TABLE "+tbl); err != nil {
			return err
		}
	}

	return nil
}

func (t *Tailer) publicationExists(ctx context.Context) (bool, error) {
	rows, err := simpleQuery(ctx, t.conn, fmt.Sprintf(
		`SELECT 1 FROM pg_publication WHERE pubname = '%s'`, t.cfg.PublicationName))
	if err != nil {
		return false, fmt.Errorf("query pg_publication: %w", err)
	}
	return len(rows) > 0, nil
}

func (t *Tailer) createPublication(ctx context.Context) error {
	query := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s", t.cfg.PublicationName, strings.Join(trackedTables, ", "))
	if _, err := simpleQuery(ctx, t.conn, query); err != nil {
		return fmt.Errorf("create publication: %w", err)
	}
	return nil
}

func (t *Tailer) alterPublication(ctx context.Context, clause string) error {
	query := fmt.Sprintf("ALTER PUBLICATION %s %s", t.cfg.PublicationName, clause)
	if _, err := simpleQuery(ctx, t.conn, query); err != nil {
		return fmt.Errorf("alter publication (%s): %w", clause, err)
	}
	return nil
}

func (t *Tailer) publicationTables(ctx context.Context) ([]string, error) {
	rows, err := simpleQuery(ctx, t.conn, fmt.Sprintf(
		`SELECT tablename FROM pg_publication_tables WHERE pubname = '%s'`, t.cfg.PublicationName))
	if err != nil {
		return nil, fmt.Errorf("query pg_publication_tables: %w", err)
	}
	tables := make([]string, 0, len(rows))
	for _, r := range rows {
		if len(r) > 0 {
			tables = append(tables, string(r[0]))
		}
	}
	return tables, nil
}

// simpleQuery runs query over the replication-mode connection's simple
// query protocol and returns the row values of the first result set.
func simpleQuery(ctx context.Context, conn *pgconn.PgConn, query string) ([][][]byte, error) {
	results, err := conn.Exec(ctx, query).ReadAll()
	if err != nil {
		return nil, err
	}
	var rows [][][]byte
	if len(results) > 0 {
		for _, row := range results[0].Rows {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
