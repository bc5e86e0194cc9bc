// Package realtime maintains a local view of the request collection kept
// consistent with the authoritative store through change-feed events.
// Merging is by identity, never by feed position, and every request
// carries a monotonic version so replayed or out-of-order events are
// idempotent and stale optimistic patches are detected explicitly.
package realtime

import (
	"context"
	"fmt"
	"sync"

	"caseflow/internal/store"
)

// Lister re-fetches the full authoritative collection, used to reconcile
// after a feed reconnect when events may have been missed.
type Lister interface {
	ListRequests(ctx context.Context) ([]store.Request, error)
}

type View struct {
	mu            sync.Mutex
	order         []string // newest-first presentation order
	authoritative map[string]store.Request
	pending       map[string]store.Request // optimistic patches by request id
	lister        Lister
}

func NewView(lister Lister) *View {
	return &View{
		authoritative: make(map[string]store.Request),
		pending:       make(map[string]store.Request),
		lister:        lister,
	}
}

// ApplyInsert merges an inserted record. An insert for a known identity is
// treated as an update, so the view never depends on feed ordering.
func (v *View) ApplyInsert(req store.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.merge(req)
}

// ApplyUpdate merges an updated record. An update without a local match is
// a fresh insert, including after a delete for the same identity.
func (v *View) ApplyUpdate(req store.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.merge(req)
}

func (v *View) merge(req store.Request) {
	current, known := v.authoritative[req.ID]
	if known && req.Version < current.Version {
		// Replayed or out-of-order event, already superseded.
		return
	}
	if !known {
		// A speculative insert for this identity already holds an order slot.
		if _, inflight := v.pending[req.ID]; !inflight {
			v.order = append([]string{req.ID}, v.order...)
		}
	}
	v.authoritative[req.ID] = req

	// The authoritative write this patch speculated has landed (or been
	// overtaken): authoritative always wins, the patch is discarded.
	if patch, ok := v.pending[req.ID]; ok && req.Version > patch.Version {
		delete(v.pending, req.ID)
	}
}

func (v *View) ApplyDelete(requestID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.authoritative, requestID)
	delete(v.pending, requestID)
	for i, id := range v.order {
		if id == requestID {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
}

// ApplyOptimistic overlays a speculative patch before the authoritative
// write completes. The patch keeps the version it was based on; the
// authoritative event for that write carries a higher version and
// supersedes it exactly once.
func (v *View) ApplyOptimistic(req store.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, known := v.authoritative[req.ID]
	_, inflight := v.pending[req.ID]
	if !known && !inflight {
		v.order = append([]string{req.ID}, v.order...)
	}
	v.pending[req.ID] = req
}

// RollbackOptimistic discards a speculative patch after the underlying
// write failed. A speculative insert has no authoritative record behind
// it, so its order slot is removed as well.
func (v *View) RollbackOptimistic(requestID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.pending[requestID]; !ok {
		return
	}
	delete(v.pending, requestID)
	if _, known := v.authoritative[requestID]; known {
		return
	}
	for i, id := range v.order {
		if id == requestID {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
}

// Get returns the request as currently displayed: the optimistic overlay
// when one is in flight, the authoritative record otherwise.
func (v *View) Get(requestID string) (store.Request, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if patch, ok := v.pending[requestID]; ok {
		return patch, true
	}
	req, ok := v.authoritative[requestID]
	return req, ok
}

// Snapshot returns the displayed collection, newest-first.
func (v *View) Snapshot() []store.Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]store.Request, 0, len(v.order))
	for _, id := range v.order {
		if patch, ok := v.pending[id]; ok {
			out = append(out, patch)
			continue
		}
		if req, ok := v.authoritative[id]; ok {
			out = append(out, req)
		}
	}
	return out
}

func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.order)
}

// Reconcile replaces the authoritative state with a full re-fetch.
// Optimistic patches survive only while the write they speculate is still
// unconfirmed; anything the fetch shows as newer, or gone, wins.
func (v *View) Reconcile(ctx context.Context) error {
	if v.lister == nil {
		return fmt.Errorf("reconcile: no lister configured")
	}
	items, err := v.lister.ListRequests(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.authoritative = make(map[string]store.Request, len(items))
	v.order = make([]string, 0, len(items))
	for _, item := range items {
		v.authoritative[item.ID] = item
		v.order = append(v.order, item.ID)
	}
	for id, patch := range v.pending {
		current, ok := v.authoritative[id]
		if !ok || current.Version > patch.Version {
			delete(v.pending, id)
		}
	}
	return nil
}
