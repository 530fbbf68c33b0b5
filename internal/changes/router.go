// Package changes implements the change router (C3): it materializes a
// typed Change from each decoded row event and fans it out to the owning
// account's topic plus a global "changes" topic consumed by the directory
// sync invalidation path.
package changes

import (
	"sync"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// Change is the typed, delivered form of a row event.
type Change struct {
	LSN   uint64
	Table string
	Op    domain.ChangeOp
	Old   map[string]any
	New   map[string]any
}

// Subscription is a cancellation handle returned by Subscribe.
type Subscription struct {
	ch     chan Change
	cancel func()
}

// C receives the subscription's delivered changes.
func (s *Subscription) C() <-chan Change {
	return s.ch
}

// Cancel unsubscribes and releases the underlying channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Router fans out Changes to per-account subscriber topics and one global
// topic, matching the teacher's Redis publish/subscribe idiom generalized
// to an in-process typed topic map. Delivery stays within this process;
// the Router does no cross-node fan-out.
type Router struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]map[*Subscription]struct{}
	global   map[*Subscription]struct{}
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		accounts: make(map[uuid.UUID]map[*Subscription]struct{}),
		global:   make(map[*Subscription]struct{}),
	}
}

// bufferSize bounds how many undelivered Changes a slow subscriber may queue
// before Publish drops the oldest message for that subscriber (best-effort
// at-least-once; subscribers dedupe via LSN per §4.3).
const bufferSize = 256

// Subscribe registers for every Change published against account.
func (r *Router) Subscribe(account uuid.UUID) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &Subscription{ch: make(chan Change, bufferSize)}
	sub.cancel = func() { r.unsubscribe(account, sub) }

	set, ok := r.accounts[account]
	if !ok {
		set = make(map[*Subscription]struct{})
		r.accounts[account] = set
	}
	set[sub] = struct{}{}
	return sub
}

// SubscribeGlobal registers for every Change published to any account, used
// by the directory sync invalidation path.
func (r *Router) SubscribeGlobal() *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &Subscription{}
	sub.ch = make(chan Change, bufferSize)
	sub.cancel = func() { r.unsubscribeGlobal(sub) }
	r.global[sub] = struct{}{}
	return sub
}

func (r *Router) unsubscribe(account uuid.UUID, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.accounts[account]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.accounts, account)
		}
	}
}

func (r *Router) unsubscribeGlobal(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.global, sub)
}

// Publish delivers c to every subscriber of account and every global
// subscriber. Delivery never blocks the publisher: a full subscriber
// channel has its oldest message dropped to make room.
func (r *Router) Publish(account uuid.UUID, c Change) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for sub := range r.accounts[account] {
		deliver(sub.ch, c)
	}
	for sub := range r.global {
		deliver(sub.ch, c)
	}
}

func deliver(ch chan Change, c Change) {
	select {
	case ch <- c:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- c:
		default:
		}
	}
}
