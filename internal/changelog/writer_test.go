package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

type fakeRepo struct {
	inserted  []domain.ChangeLog
	truncated map[uuid.UUID]time.Time
	maxLSN    uint64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{truncated: make(map[uuid.UUID]time.Time)}
}

func (f *fakeRepo) InsertBatch(ctx context.Context, entries []domain.ChangeLog) error {
	f.inserted = append(f.inserted, entries...)
	return nil
}

func (f *fakeRepo) Truncate(ctx context.Context, accountID uuid.UUID, cutoff time.Time) (int64, error) {
	f.truncated[accountID] = cutoff
	return 1, nil
}

func (f *fakeRepo) MaxLSN(ctx context.Context) (uint64, error) {
	return f.maxLSN, nil
}

func TestWriterInsertDropsRowsWithoutAccountID(t *testing.T) {
	repo := newFakeRepo()
	w := NewWriter(repo)

	accountID := uuid.New()
	changes := []domain.RowChange{
		{
			LSN:      1,
			Table:    "resources",
			Op:       domain.ChangeOpInsert,
			NewData:  map[string]any{"account_id": accountID.String(), "id": "r1"},
			CommitTS: time.Now(),
		},
		{
			LSN:     2,
			Table:   "schema_migrations",
			Op:      domain.ChangeOpInsert,
			NewData: map[string]any{"version": "0001"},
		},
	}

	if err := w.Insert(context.Background(), changes); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if len(repo.inserted) != 1 {
		t.Fatalf("expected 1 entry inserted, got %d", len(repo.inserted))
	}
	if repo.inserted[0].AccountID != accountID {
		t.Fatalf("account id mismatch: got %s want %s", repo.inserted[0].AccountID, accountID)
	}
	if repo.inserted[0].Data == nil {
		t.Fatal("expected data to be marshaled")
	}
}

func TestWriterTruncateScopesToAccount(t *testing.T) {
	repo := newFakeRepo()
	w := NewWriter(repo)

	account := uuid.New()
	cutoff := time.Now()
	n, err := w.Truncate(context.Background(), account, cutoff)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row truncated, got %d", n)
	}
	if got := repo.truncated[account]; !got.Equal(cutoff) {
		t.Fatalf("truncate cutoff mismatch: got %v want %v", got, cutoff)
	}
}

func TestResumeLSN(t *testing.T) {
	repo := newFakeRepo()
	repo.maxLSN = 42
	w := NewWriter(repo)

	lsn, err := w.ResumeLSN(context.Background())
	if err != nil {
		t.Fatalf("ResumeLSN: %v", err)
	}
	if lsn != 42 {
		t.Fatalf("expected resume lsn 42, got %d", lsn)
	}
}
