package collab

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

type fakeRelay struct {
	mu        sync.Mutex
	published []RelayMessage
	handlers  map[string]func(RelayMessage)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{handlers: map[string]func(RelayMessage){}}
}

func (f *fakeRelay) Publish(ctx context.Context, msg RelayMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeRelay) Subscribe(ctx context.Context, key string, handler func(RelayMessage)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[key] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, key)
	}, nil
}

func (f *fakeRelay) handler(key string) func(RelayMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[key]
}

func (f *fakeRelay) updates() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, m := range f.published {
		if m.Kind == RelayUpdate {
			out = append(out, m.Update)
		}
	}
	return out
}

func newRelayRegistry(t *testing.T, rel Relay) *Registry {
	t.Helper()
	r := NewRegistry(Options{NodeID: "node-a", FlushInterval: time.Hour}, Dependencies{
		Snapshots:  newFakeSnapshots(),
		Authorizer: allowAll(),
		Relay:      rel,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func TestRelayPublishKeepsSenderOrder(t *testing.T) {
	rel := newFakeRelay()
	r := newRelayRegistry(t, rel)
	ctx := context.Background()
	a, _ := mustJoin(t, r, pageKey, alice)

	var sent [][]byte
	for i := 0; i < 20; i++ {
		u := clientUpdate(t, "k", string(rune('a'+i)))
		if err := r.ApplyUpdate(ctx, pageKey, a.ID, u); err != nil {
			t.Fatalf("ApplyUpdate %d failed: %v", i, err)
		}
		sent = append(sent, u)
	}
	waitFor(t, "all updates published", func() bool { return len(rel.updates()) == len(sent) })

	for i, got := range rel.updates() {
		if !bytes.Equal(got, sent[i]) {
			t.Fatalf("update %d published out of order", i)
		}
	}
}

func TestRelayAwarenessAfterLeaveIsDropped(t *testing.T) {
	rel := newFakeRelay()
	r := newRelayRegistry(t, rel)
	a, _ := mustJoin(t, r, pageKey, alice)
	waitFor(t, "relay subscription", func() bool { return rel.handler(pageKey.String()) != nil })
	deliver := rel.handler(pageKey.String())

	remote := &Participant{SessionID: "remote-1", User: User{ID: "u9", Name: "zoe"}}
	awareness := func(clock uint64) RelayMessage {
		return RelayMessage{Origin: "node-b", Key: pageKey.String(), Kind: RelayAwareness, SessionID: "remote-1", User: remote, Awareness: &Awareness{Cursor: int(clock), Clock: clock}}
	}

	deliver(awareness(2))
	if m := expectMessage(t, a, MsgAwareness); m.Awareness.Clock != 2 {
		t.Fatalf("unexpected awareness %+v", m.Awareness)
	}
	deliver(awareness(1))
	deliver(RelayMessage{Origin: "node-b", Key: pageKey.String(), Kind: RelayPresenceLeave, SessionID: "remote-1", User: remote})
	// 离开之后才到达的 awareness
	deliver(awareness(3))

	var kinds []MessageKind
	timeout := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case m := <-a.Outbound():
			kinds = append(kinds, m.Kind)
		case <-timeout:
			break drain
		}
	}
	if len(kinds) != 1 || kinds[0] != MsgPresenceLeave {
		t.Fatalf("expected only presence_leave after the first awareness, got %v", kinds)
	}
}
