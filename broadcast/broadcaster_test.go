package broadcast

import (
	"testing"

	"folderd/fmdm"
)

func snapshot(version uint64) fmdm.FMDM {
	return fmdm.FMDM{Version: version}
}

func TestRegister_ReceivesCurrentSnapshotImmediately(t *testing.T) {
	b := New()
	b.Publish(snapshot(7))

	sub, err := b.Register("cli")
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	select {
	case got := <-sub.Snapshots:
		if got.Version != 7 {
			t.Errorf("initial snapshot version = %d, want 7", got.Version)
		}
	default:
		t.Fatal("new client did not receive a snapshot immediately")
	}

	// Exactly one: nothing else queued.
	select {
	case got := <-sub.Snapshots:
		t.Fatalf("unexpected second snapshot (version %d)", got.Version)
	default:
	}
}

func TestPublish_FansOutToAllClients(t *testing.T) {
	b := New()
	subs := make([]*Subscription, 3)
	for i := range subs {
		s, err := b.Register("tui")
		if err != nil {
			t.Fatalf("Register() failed: %v", err)
		}
		subs[i] = s
	}

	b.Publish(snapshot(1))
	for i, s := range subs {
		select {
		case got := <-s.Snapshots:
			if got.Version != 1 {
				t.Errorf("client %d got version %d, want 1", i, got.Version)
			}
		default:
			t.Errorf("client %d received nothing", i)
		}
	}
}

func TestPublish_SlowClientCoalescesToLatest(t *testing.T) {
	b := New()
	sub, err := b.Register("web")
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	// The client never reads while three snapshots go out.
	b.Publish(snapshot(1))
	b.Publish(snapshot(2))
	b.Publish(snapshot(3))

	got := <-sub.Snapshots
	if got.Version != 3 {
		t.Errorf("slow client got version %d, want latest (3)", got.Version)
	}
	select {
	case extra := <-sub.Snapshots:
		t.Fatalf("intermediate snapshot %d was queued, want coalescing", extra.Version)
	default:
	}
}

func TestUnregister_IsolatedFromOtherClients(t *testing.T) {
	b := New()
	a, _ := b.Register("cli")
	c, _ := b.Register("tui")

	b.Unregister(a.ID)
	b.Unregister(a.ID) // second time is a no-op

	if _, open := <-a.Snapshots; open {
		t.Error("unregistered client's channel should be closed")
	}

	b.Publish(snapshot(9))
	select {
	case got := <-c.Snapshots:
		if got.Version != 9 {
			t.Errorf("remaining client got version %d, want 9", got.Version)
		}
	default:
		t.Error("remaining client stopped receiving after sibling disconnect")
	}

	conns := b.Connections()
	if conns.Count != 1 {
		t.Errorf("connections.count = %d, want 1", conns.Count)
	}
}

func TestOnConnectionsChanged(t *testing.T) {
	b := New()

	var counts []int
	unsub := b.OnConnectionsChanged(func(c fmdm.Connections) {
		counts = append(counts, c.Count)
	})

	s1, _ := b.Register("cli")
	s2, _ := b.Register("web")
	b.Unregister(s1.ID)

	want := []int{1, 2, 1}
	if len(counts) != len(want) {
		t.Fatalf("counts = %v, want %v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("counts = %v, want %v", counts, want)
		}
	}

	unsub()
	b.Unregister(s2.ID)
	if len(counts) != len(want) {
		t.Error("listener fired after unsubscribe")
	}
}

func TestConnectionsChangedMayPublish(t *testing.T) {
	// The daemon wires connection changes into the aggregator, which
	// publishes a fresh snapshot from inside the listener. That re-entry
	// must not deadlock.
	b := New()
	var version uint64
	b.OnConnectionsChanged(func(c fmdm.Connections) {
		version++
		b.Publish(fmdm.FMDM{Version: version, Connections: c})
	})

	sub, err := b.Register("cli")
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	got := <-sub.Snapshots
	if got.Connections.Count != 1 {
		t.Errorf("snapshot connections.count = %d, want 1", got.Connections.Count)
	}
}

func TestClose_RejectsNewClients(t *testing.T) {
	b := New()
	sub, _ := b.Register("cli")
	b.Close()

	if _, open := <-sub.Snapshots; open {
		t.Error("client channel should be closed after Close")
	}
	if _, err := b.Register("cli"); err != ErrClosed {
		t.Errorf("Register after Close = %v, want ErrClosed", err)
	}
}
