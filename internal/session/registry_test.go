package session

import (
	"errors"
	"testing"
)

type stubChannel struct {
	name   string
	events []string
}

func (c *stubChannel) Send(event string, payload any) error {
	c.events = append(c.events, event)
	return nil
}

func TestSendRoutesByKindAndID(t *testing.T) {
	r := NewMemRegistry()
	rider := &stubChannel{name: "rider"}
	driver := &stubChannel{name: "driver"}
	r.Register(KindRider, "u1", rider)
	r.Register(KindDriver, "u1", driver)

	if err := r.Send(KindDriver, "u1", EventRideRequest, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(driver.events) != 1 || len(rider.events) != 0 {
		t.Fatal("same id under a different kind must not receive the event")
	}
}

func TestSendWithoutSession(t *testing.T) {
	r := NewMemRegistry()
	if err := r.Send(KindRider, "ghost", EventTripCancelled, nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("got %v, want ErrNoSession", err)
	}
}

func TestReconnectReplacesChannel(t *testing.T) {
	r := NewMemRegistry()
	old := &stubChannel{}
	fresh := &stubChannel{}
	r.Register(KindRider, "u1", old)
	r.Register(KindRider, "u1", fresh)

	_ = r.Send(KindRider, "u1", EventDriverAssigned, nil)
	if len(old.events) != 0 || len(fresh.events) != 1 {
		t.Fatal("reconnect did not replace the previous channel")
	}
}

func TestUnregister(t *testing.T) {
	r := NewMemRegistry()
	ch := &stubChannel{}
	r.Register(KindDriver, "d1", ch)
	r.Unregister(KindDriver, "d1", ch)
	if err := r.Send(KindDriver, "d1", EventRideRequest, nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("got %v, want ErrNoSession after unregister", err)
	}
}

// A reconnect replaces the channel; the old connection's teardown must
// not evict the new one.
func TestStaleUnregisterKeepsReconnectedChannel(t *testing.T) {
	r := NewMemRegistry()
	old := &stubChannel{}
	fresh := &stubChannel{}
	r.Register(KindRider, "u1", old)
	r.Register(KindRider, "u1", fresh)

	r.Unregister(KindRider, "u1", old)
	if err := r.Send(KindRider, "u1", EventDriverAssigned, nil); err != nil {
		t.Fatalf("live channel lost after stale teardown: %v", err)
	}
	if len(fresh.events) != 1 {
		t.Fatalf("fresh channel events = %d, want 1", len(fresh.events))
	}

	r.Unregister(KindRider, "u1", fresh)
	if err := r.Send(KindRider, "u1", EventDriverAssigned, nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("got %v, want ErrNoSession", err)
	}
}
