package tunnel

import (
	"errors"
	"testing"
	"time"

	"github.com/muxgate/muxgate/internal/protocol"
)

func TestDispatcherRegisterAndRoute(t *testing.T) {
	d := NewDispatcher(time.Second)

	inbox, err := d.Register(7)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ch, ok := d.Route(7)
	if !ok {
		t.Fatal("route lookup failed for live id")
	}

	msg := &protocol.Message{Type: protocol.MsgData, ConnectionID: 7}
	ch <- msg
	select {
	case got := <-inbox:
		if got != msg {
			t.Fatal("routed message is not the one sent")
		}
	default:
		t.Fatal("message not delivered to inbox")
	}

	if _, ok := d.Route(8); ok {
		t.Fatal("route lookup succeeded for unknown id")
	}
}

func TestDispatcherRejectsDuplicate(t *testing.T) {
	d := NewDispatcher(time.Second)
	if _, err := d.Register(1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := d.Register(1); !errors.Is(err, ErrChannelExists) {
		t.Fatalf("err = %v, want ErrChannelExists", err)
	}
}

func TestDispatcherQuiescence(t *testing.T) {
	d := NewDispatcher(50 * time.Millisecond)
	if _, err := d.Register(1); err != nil {
		t.Fatalf("register: %v", err)
	}
	d.Retire(1)

	if _, ok := d.Route(1); ok {
		t.Fatal("retired id still routable")
	}
	if _, err := d.Register(1); !errors.Is(err, ErrChannelQuiescent) {
		t.Fatalf("err = %v, want ErrChannelQuiescent", err)
	}

	time.Sleep(80 * time.Millisecond)
	if _, err := d.Register(1); err != nil {
		t.Fatalf("register after quiescence: %v", err)
	}
}

// Retired entries must be dropped once their quiescence window passes so
// the map stays bounded over a long-lived session churning through ids.
func TestDispatcherRetiredEntriesSwept(t *testing.T) {
	d := NewDispatcher(20 * time.Millisecond)
	for id := uint32(1); id <= 100; id++ {
		if _, err := d.Register(id); err != nil {
			t.Fatalf("register %d: %v", id, err)
		}
		d.Retire(id)
	}

	time.Sleep(40 * time.Millisecond)
	if _, err := d.Register(200); err != nil {
		t.Fatalf("register: %v", err)
	}
	d.Retire(200)

	d.mu.Lock()
	n := len(d.retired)
	d.mu.Unlock()
	if n != 1 {
		t.Fatalf("retired map holds %d entries, want 1", n)
	}
}

// A new channel reusing a retired id must not receive messages queued for
// the old incarnation.
func TestDispatcherNoCrosstalkAcrossReuse(t *testing.T) {
	d := NewDispatcher(10 * time.Millisecond)
	oldInbox, err := d.Register(3)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ch, _ := d.Route(3)
	stale := &protocol.Message{Type: protocol.MsgData, ConnectionID: 3}
	ch <- stale

	d.Retire(3)
	time.Sleep(20 * time.Millisecond)

	newInbox, err := d.Register(3)
	if err != nil {
		t.Fatalf("register after quiescence: %v", err)
	}
	select {
	case <-newInbox:
		t.Fatal("new incarnation received a stale message")
	default:
	}
	select {
	case got := <-oldInbox:
		if got != stale {
			t.Fatal("old inbox lost its message")
		}
	default:
		t.Fatal("old inbox should still hold the stale message")
	}
}
