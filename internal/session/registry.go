package session

import (
	"errors"
	"sync"
)

// Kind distinguishes the two participant roles a channel can belong to.
type Kind string

const (
	KindRider  Kind = "rider"
	KindDriver Kind = "driver"
)

// ErrNoSession is returned when the participant has no live channel.
var ErrNoSession = errors.New("no live session")

// Channel is one live transport handle for a participant. Send must be
// safe for concurrent use.
type Channel interface {
	Send(event string, payload any) error
}

// Registry maps a logical participant to its live channel. Dispatch and
// the location relay deliver every event through here, so the binding
// survives reconnects and is testable without a real transport.
type Registry interface {
	Register(kind Kind, id string, ch Channel)
	// Unregister removes the binding only if ch is still the registered
	// channel (nil removes unconditionally), so a stale connection's
	// teardown cannot evict the channel a reconnect installed.
	Unregister(kind Kind, id string, ch Channel)
	Send(kind Kind, id string, event string, payload any) error
}

// MemRegistry is the in-process Registry. One channel per participant;
// a reconnect replaces the previous handle.
type MemRegistry struct {
	mu       sync.RWMutex
	channels map[key]Channel
}

type key struct {
	kind Kind
	id   string
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{channels: make(map[key]Channel)}
}

func (r *MemRegistry) Register(kind Kind, id string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[key{kind, id}] = ch
}

func (r *MemRegistry) Unregister(kind Kind, id string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{kind, id}
	if cur, ok := r.channels[k]; ok && (ch == nil || cur == ch) {
		delete(r.channels, k)
	}
}

func (r *MemRegistry) Send(kind Kind, id string, event string, payload any) error {
	r.mu.RLock()
	ch, ok := r.channels[key{kind, id}]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return ch.Send(event, payload)
}
