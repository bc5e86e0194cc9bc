// Package notify holds ephemeral user-facing notifications in memory and
// pushes the full current list to subscribers on every change. The list is
// always small, so full-list delivery is deliberately simpler than deltas.
package notify

import (
	"sync"
	"time"

	"caseflow/internal/util"
)

type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

type Notification struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind"`
	Title       string        `json:"title"`
	Message     string        `json:"message"`
	AutoDismiss bool          `json:"autoDismiss"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Options override the per-kind defaults.
type Options struct {
	AutoDismiss *bool
	Duration    time.Duration
}

type Listener func([]Notification)

// Dispatcher is an explicit service object with a lifecycle; it is created
// in main and injected where needed, never reached as a global.
type Dispatcher struct {
	mu              sync.Mutex
	defaultDuration time.Duration
	items           []Notification
	timers          map[string]*time.Timer
	listeners       map[int]Listener
	nextListenerID  int
	closed          bool
}

func New(defaultDuration time.Duration) *Dispatcher {
	if defaultDuration <= 0 {
		defaultDuration = 6 * time.Second
	}
	return &Dispatcher{
		defaultDuration: defaultDuration,
		timers:          make(map[string]*time.Timer),
		listeners:       make(map[int]Listener),
	}
}

// Notify appends a notification and returns its id. Every kind
// auto-dismisses after the default interval except error, which stays
// until dismissed manually.
func (d *Dispatcher) Notify(kind Kind, title, message string, opts *Options) string {
	item := Notification{
		ID:          util.NewID("ntf"),
		Kind:        kind,
		Title:       title,
		Message:     message,
		AutoDismiss: kind != KindError,
		Duration:    d.defaultDuration,
		CreatedAt:   time.Now(),
	}
	if opts != nil {
		if opts.AutoDismiss != nil {
			item.AutoDismiss = *opts.AutoDismiss
		}
		if opts.Duration > 0 {
			item.Duration = opts.Duration
		}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ""
	}
	d.items = append(d.items, item)
	if item.AutoDismiss {
		id := item.ID
		d.timers[id] = time.AfterFunc(item.Duration, func() { d.Dismiss(id) })
	}
	listeners, snapshot := d.snapshotLocked()
	d.mu.Unlock()

	broadcast(listeners, snapshot)
	return item.ID
}

// Dismiss removes a notification; dismissing an unknown id is a no-op.
func (d *Dispatcher) Dismiss(id string) {
	d.mu.Lock()
	if timer, ok := d.timers[id]; ok {
		timer.Stop()
		delete(d.timers, id)
	}
	found := false
	for i, item := range d.items {
		if item.ID == id {
			d.items = append(d.items[:i], d.items[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		d.mu.Unlock()
		return
	}
	listeners, snapshot := d.snapshotLocked()
	d.mu.Unlock()

	broadcast(listeners, snapshot)
}

// Subscribe registers a listener and immediately delivers the current
// list. The returned function unsubscribes.
func (d *Dispatcher) Subscribe(listener Listener) func() {
	d.mu.Lock()
	id := d.nextListenerID
	d.nextListenerID++
	d.listeners[id] = listener
	_, snapshot := d.snapshotLocked()
	d.mu.Unlock()

	listener(snapshot)
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// List returns a copy of the current notifications.
func (d *Dispatcher) List() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, snapshot := d.snapshotLocked()
	return snapshot
}

// Close stops all pending auto-dismiss timers and drops listeners. The
// dispatcher must not be used afterwards.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
	d.listeners = make(map[int]Listener)
	d.items = nil
}

func (d *Dispatcher) snapshotLocked() ([]Listener, []Notification) {
	listeners := make([]Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	snapshot := make([]Notification, len(d.items))
	copy(snapshot, d.items)
	return listeners, snapshot
}

func broadcast(listeners []Listener, snapshot []Notification) {
	for _, listener := range listeners {
		listener(snapshot)
	}
}
