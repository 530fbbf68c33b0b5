package changes

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSubscribeReceivesAccountScopedChanges(t *testing.T) {
	r := NewRouter()
	account := uuid.New()
	other := uuid.New()

	sub := r.Subscribe(account)
	defer sub.Cancel()

	r.Publish(other, Change{LSN: 1, Table: "resources"})
	r.Publish(account, Change{LSN: 2, Table: "resources"})

	select {
	case c := <-sub.C():
		if c.LSN != 2 {
			t.Fatalf("expected LSN 2, got %d", c.LSN)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}

	select {
	case c := <-sub.C():
		t.Fatalf("unexpected second change delivered: %+v", c)
	default:
	}
}

func TestSubscribeGlobalReceivesAllAccounts(t *testing.T) {
	r := NewRouter()
	sub := r.SubscribeGlobal()
	defer sub.Cancel()

	r.Publish(uuid.New(), Change{LSN: 1})
	r.Publish(uuid.New(), Change{LSN: 2})

	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case c := <-sub.C():
			seen[c.LSN] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for global change")
		}
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("expected both changes delivered, got %v", seen)
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	r := NewRouter()
	account := uuid.New()
	sub := r.Subscribe(account)
	sub.Cancel()

	r.Publish(account, Change{LSN: 1})

	select {
	case c := <-sub.C():
		t.Fatalf("unexpected delivery after cancel: %+v", c)
	default:
	}

	if len(r.accounts) != 0 {
		t.Fatalf("expected account subscriber set cleaned up, got %d entries", len(r.accounts))
	}
}

func TestDeliverDropsOldestWhenFull(t *testing.T) {
	ch := make(chan Change, 2)
	deliver(ch, Change{LSN: 1})
	deliver(ch, Change{LSN: 2})
	deliver(ch, Change{LSN: 3})

	first := <-ch
	second := <-ch
	if first.LSN != 2 || second.LSN != 3 {
		t.Fatalf("expected oldest dropped, got %d then %d", first.LSN, second.LSN)
	}
}
