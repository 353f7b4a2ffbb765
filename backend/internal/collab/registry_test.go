package collab

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collabsync/backend/internal/crdt"

	"github.com/automerge/automerge-go"
)

type fakeSnapshots struct {
	mu     sync.Mutex
	data   map[string][]byte
	loads  atomic.Int32
	saves  atomic.Int32
	loadFn func(key string) error
	saveFn func(key string) error
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{data: map[string][]byte{}}
}

func (f *fakeSnapshots) Load(ctx context.Context, key string) ([]byte, bool, error) {
	f.loads.Add(1)
	if f.loadFn != nil {
		if err := f.loadFn(key); err != nil {
			return nil, false, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.data[key]
	return snap, ok, nil
}

func (f *fakeSnapshots) Save(ctx context.Context, key string, snap []byte, heads []string) error {
	f.saves.Add(1)
	if f.saveFn != nil {
		if err := f.saveFn(key); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), snap...)
	return nil
}

func (f *fakeSnapshots) get(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key]
}

var (
	pageKey = EntityKey{Kind: KindPage, WorkspaceID: "ws1", EntityID: "p1"}
	alice   = User{ID: "u1", Name: "alice"}
	bob     = User{ID: "u2", Name: "bob"}
)

func allowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, string, string) (bool, error) { return true, nil })
}

func newTestRegistry(t *testing.T, snaps SnapshotStore, opts Options) *Registry {
	t.Helper()
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Hour
	}
	if opts.RetryInitialInterval == 0 {
		opts.RetryInitialInterval = 5 * time.Millisecond
	}
	if opts.RetryMaxInterval == 0 {
		opts.RetryMaxInterval = 20 * time.Millisecond
	}
	r := NewRegistry(opts, Dependencies{Snapshots: snaps, Authorizer: allowAll()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func mustJoin(t *testing.T, r *Registry, key EntityKey, u User) (*Session, JoinResult) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, res, err := r.Join(ctx, key, u)
	if err != nil {
		t.Fatalf("Join(%s) failed: %v", u.ID, err)
	}
	return s, res
}

// clientUpdate produces an update the way an editor replica would.
func clientUpdate(t *testing.T, key, value string) []byte {
	t.Helper()
	s, err := crdt.New("")
	if err != nil {
		t.Fatalf("crdt.New failed: %v", err)
	}
	u, err := s.ApplyLocalChange(func(doc *automerge.Doc) error {
		return doc.Path(key).Set(value)
	})
	if err != nil {
		t.Fatalf("ApplyLocalChange failed: %v", err)
	}
	return u
}

func valueIn(t *testing.T, snapshot []byte, key string) any {
	t.Helper()
	s, err := crdt.New("")
	if err != nil {
		t.Fatalf("crdt.New failed: %v", err)
	}
	if err := s.Hydrate(snapshot); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	var out any
	_ = s.View(func(doc *automerge.Doc) error {
		v, err := doc.Path(key).Get()
		if err == nil && v.Kind() != automerge.KindVoid {
			out = v.Interface()
		}
		return err
	})
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectMessage(t *testing.T, s *Session, kind MessageKind) Message {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case m := <-s.Outbound():
			if m.Kind == kind {
				return m
			}
		case <-timeout:
			t.Fatalf("session %s: no %s message", s.ID, kind)
		}
	}
}

func TestJoinHydratesFromSnapshot(t *testing.T) {
	snaps := newFakeSnapshots()
	seed, _ := crdt.New("")
	if _, err := seed.ApplyLocalChange(func(doc *automerge.Doc) error {
		return doc.Path("title").Set("persisted")
	}); err != nil {
		t.Fatalf("seed change: %v", err)
	}
	snaps.data[pageKey.String()] = seed.Snapshot()

	r := newTestRegistry(t, snaps, Options{})
	_, res := mustJoin(t, r, pageKey, alice)

	if got := valueIn(t, res.Snapshot, "title"); got != "persisted" {
		t.Fatalf("expected hydrated title, got %v", got)
	}
	if len(res.Roster) != 1 || res.Roster[0].User.ID != alice.ID {
		t.Fatalf("unexpected roster %+v", res.Roster)
	}
	if len(res.Heads) == 0 {
		t.Fatal("expected heads from the hydrated snapshot")
	}
}

func TestFlushOnLastLeave(t *testing.T) {
	snaps := newFakeSnapshots()
	r := newTestRegistry(t, snaps, Options{})
	ctx := context.Background()

	a, _ := mustJoin(t, r, pageKey, alice)
	if err := r.ApplyUpdate(ctx, pageKey, a.ID, clientUpdate(t, "title", "draft")); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if snaps.saves.Load() != 0 {
		t.Fatal("no flush expected before the interval or last leave")
	}
	if err := r.Leave(ctx, pageKey, a.ID); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	saved := snaps.get(pageKey.String())
	if saved == nil {
		t.Fatal("expected a snapshot to be saved on last leave")
	}
	if got := valueIn(t, saved, "title"); got != "draft" {
		t.Fatalf("saved snapshot missing change, got %v", got)
	}
	if rooms := r.Rooms(); len(rooms) != 0 {
		t.Fatalf("room should be torn down, got %+v", rooms)
	}
	select {
	case <-a.Evicted():
	default:
		t.Fatal("left session should be closed")
	}
}

func TestRejoinAfterTeardownSeesPersistedState(t *testing.T) {
	snaps := newFakeSnapshots()
	r := newTestRegistry(t, snaps, Options{})
	ctx := context.Background()

	a, _ := mustJoin(t, r, pageKey, alice)
	if err := r.ApplyUpdate(ctx, pageKey, a.ID, clientUpdate(t, "title", "kept")); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if err := r.Leave(ctx, pageKey, a.ID); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	_, res := mustJoin(t, r, pageKey, bob)
	if got := valueIn(t, res.Snapshot, "title"); got != "kept" {
		t.Fatalf("expected rehydrated title, got %v", got)
	}
	if snaps.loads.Load() != 2 {
		t.Fatalf("expected a second hydration, loads = %d", snaps.loads.Load())
	}
}

func TestUpdatesRelayToPeersOnly(t *testing.T) {
	r := newTestRegistry(t, newFakeSnapshots(), Options{})
	ctx := context.Background()

	a, _ := mustJoin(t, r, pageKey, alice)
	b, _ := mustJoin(t, r, pageKey, bob)
	expectMessage(t, a, MsgPresenceJoin)

	u := clientUpdate(t, "title", "hello")
	if err := r.ApplyUpdate(ctx, pageKey, a.ID, u); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	m := expectMessage(t, b, MsgUpdate)
	if m.From != a.ID || string(m.Update) != string(u) {
		t.Fatalf("peer got unexpected update %+v", m)
	}
	select {
	case m := <-a.Outbound():
		t.Fatalf("sender must not receive its own update, got %+v", m)
	default:
	}
}

func TestMalformedUpdateIsDropped(t *testing.T) {
	r := newTestRegistry(t, newFakeSnapshots(), Options{})
	a, _ := mustJoin(t, r, pageKey, alice)
	b, _ := mustJoin(t, r, pageKey, bob)
	expectMessage(t, a, MsgPresenceJoin)

	err := r.ApplyUpdate(context.Background(), pageKey, a.ID, []byte("garbage"))
	if !errors.Is(err, crdt.ErrMalformedUpdate) {
		t.Fatalf("expected ErrMalformedUpdate, got %v", err)
	}
	select {
	case m := <-b.Outbound():
		t.Fatalf("malformed update must not be relayed, got %+v", m)
	default:
	}
	if roster, _ := r.Roster(pageKey); len(roster) != 2 {
		t.Fatalf("sender must stay joined, roster = %+v", roster)
	}
}

func TestPresenceRemovedOnLeave(t *testing.T) {
	r := newTestRegistry(t, newFakeSnapshots(), Options{})
	ctx := context.Background()

	a, _ := mustJoin(t, r, pageKey, alice)
	b, res := mustJoin(t, r, pageKey, bob)
	if len(res.Roster) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(res.Roster))
	}
	join := expectMessage(t, a, MsgPresenceJoin)
	if join.User == nil || join.User.SessionID != b.ID || join.User.Color == "" {
		t.Fatalf("unexpected presence_join %+v", join)
	}

	if err := r.Leave(ctx, pageKey, b.ID); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	leave := expectMessage(t, a, MsgPresenceLeave)
	if leave.From != b.ID {
		t.Fatalf("presence_leave for wrong session: %+v", leave)
	}
	roster, err := r.Roster(pageKey)
	if err != nil {
		t.Fatalf("Roster failed: %v", err)
	}
	if len(roster) != 1 || roster[0].SessionID != a.ID {
		t.Fatalf("roster still lists departed session: %+v", roster)
	}
	if err := r.Leave(ctx, pageKey, b.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second leave should fail with ErrSessionNotFound, got %v", err)
	}
}

func TestConcurrentJoinsCreateOneRoom(t *testing.T) {
	snaps := newFakeSnapshots()
	snaps.loadFn = func(string) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	r := newTestRegistry(t, snaps, Options{})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _, err := r.Join(ctx, pageKey, User{ID: "u", Name: "racer"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}

	if got := snaps.loads.Load(); got != 1 {
		t.Fatalf("expected exactly one hydration, got %d", got)
	}
	rooms := r.Rooms()
	if len(rooms) != 1 || rooms[0].Participants != n {
		t.Fatalf("expected one room with %d participants, got %+v", n, rooms)
	}
}

func TestUnauthorizedJoinCreatesNothing(t *testing.T) {
	snaps := newFakeSnapshots()
	r := NewRegistry(Options{}, Dependencies{
		Snapshots: snaps,
		Authorizer: AuthorizerFunc(func(_ context.Context, userID, workspaceID string) (bool, error) {
			return userID == alice.ID, nil
		}),
	})
	defer r.Close(context.Background())

	_, _, err := r.Join(context.Background(), pageKey, bob)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if len(r.Rooms()) != 0 || snaps.loads.Load() != 0 {
		t.Fatal("rejected join must not create room state")
	}
}

func TestAuthorizerErrorRejectsJoin(t *testing.T) {
	r := NewRegistry(Options{}, Dependencies{
		Snapshots: newFakeSnapshots(),
		Authorizer: AuthorizerFunc(func(context.Context, string, string) (bool, error) {
			return false, errors.New("membership service down")
		}),
	})
	defer r.Close(context.Background())

	if _, _, err := r.Join(context.Background(), pageKey, alice); err == nil {
		t.Fatal("expected join to fail when authorization is unavailable")
	}
	if len(r.Rooms()) != 0 {
		t.Fatal("failed authorization must not create room state")
	}
}

func TestHydrationFailure(t *testing.T) {
	snaps := newFakeSnapshots()
	var fail atomic.Bool
	fail.Store(true)
	snaps.loadFn = func(string) error {
		if fail.Load() {
			return errors.New("db unavailable")
		}
		return nil
	}
	r := newTestRegistry(t, snaps, Options{})

	_, _, err := r.Join(context.Background(), pageKey, alice)
	if !errors.Is(err, ErrHydrationFailed) {
		t.Fatalf("expected ErrHydrationFailed, got %v", err)
	}
	if len(r.Rooms()) != 0 {
		t.Fatal("failed hydration must not leave a room behind")
	}

	fail.Store(false)
	mustJoin(t, r, pageKey, alice)
}

func TestCorruptSnapshotFailsHydration(t *testing.T) {
	snaps := newFakeSnapshots()
	snaps.data[pageKey.String()] = []byte("not a document")
	r := newTestRegistry(t, snaps, Options{})

	_, _, err := r.Join(context.Background(), pageKey, alice)
	if !errors.Is(err, ErrHydrationFailed) {
		t.Fatalf("expected ErrHydrationFailed, got %v", err)
	}
}

func TestFinalFlushFailureKeepsRoomAndRetries(t *testing.T) {
	snaps := newFakeSnapshots()
	var failures atomic.Int32
	failures.Store(1000)
	snaps.saveFn = func(string) error {
		if failures.Load() > 0 {
			failures.Add(-1)
			return errors.New("write failed")
		}
		return nil
	}
	r := newTestRegistry(t, snaps, Options{FinalFlushTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	a, _ := mustJoin(t, r, pageKey, alice)
	if err := r.ApplyUpdate(ctx, pageKey, a.ID, clientUpdate(t, "title", "unsaved")); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if err := r.Leave(ctx, pageKey, a.ID); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	rooms := r.Rooms()
	if len(rooms) != 1 || !rooms[0].Dirty || !rooms[0].SaveFailed {
		t.Fatalf("room must stay resident and dirty after failed flush, got %+v", rooms)
	}

	failures.Store(0)
	waitFor(t, "background flush", func() bool { return snaps.get(pageKey.String()) != nil })
	waitFor(t, "room teardown", func() bool { return len(r.Rooms()) == 0 })
	if got := valueIn(t, snaps.get(pageKey.String()), "title"); got != "unsaved" {
		t.Fatalf("retried snapshot missing change, got %v", got)
	}
}

func TestIntervalFlushReportsSaveStatus(t *testing.T) {
	snaps := newFakeSnapshots()
	var failures atomic.Int32
	failures.Store(1)
	snaps.saveFn = func(string) error {
		if failures.Load() > 0 {
			failures.Add(-1)
			return errors.New("write failed")
		}
		return nil
	}
	r := newTestRegistry(t, snaps, Options{FlushInterval: 10 * time.Millisecond})
	ctx := context.Background()

	a, _ := mustJoin(t, r, pageKey, alice)
	if err := r.ApplyUpdate(ctx, pageKey, a.ID, clientUpdate(t, "title", "x")); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}

	failed := expectMessage(t, a, MsgSaveStatus)
	if failed.Saved {
		t.Fatal("first save_status should report the failure")
	}
	recovered := expectMessage(t, a, MsgSaveStatus)
	if !recovered.Saved {
		t.Fatal("second save_status should report recovery")
	}
	if snaps.get(pageKey.String()) == nil {
		t.Fatal("snapshot should be saved after recovery")
	}
}

func TestJoinDuringFlushWaits(t *testing.T) {
	snaps := newFakeSnapshots()
	gate := make(chan struct{})
	var gated atomic.Bool
	gated.Store(true)
	snaps.saveFn = func(string) error {
		if gated.Load() {
			<-gate
		}
		return nil
	}
	r := newTestRegistry(t, snaps, Options{FinalFlushTimeout: 5 * time.Second})
	ctx := context.Background()

	a, _ := mustJoin(t, r, pageKey, alice)
	if err := r.ApplyUpdate(ctx, pageKey, a.ID, clientUpdate(t, "title", "before-flush")); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}

	left := make(chan error, 1)
	go func() { left <- r.Leave(ctx, pageKey, a.ID) }()
	waitFor(t, "flushing state", func() bool {
		rooms := r.Rooms()
		return len(rooms) == 1 && rooms[0].State == "flushing"
	})

	type joinResult struct {
		res JoinResult
		err error
	}
	joined := make(chan joinResult, 1)
	go func() {
		_, res, err := r.Join(ctx, pageKey, bob)
		joined <- joinResult{res, err}
	}()

	select {
	case <-joined:
		t.Fatal("join must wait while the room is flushing")
	case <-time.After(50 * time.Millisecond):
	}

	gated.Store(false)
	close(gate)
	if err := <-left; err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	jr := <-joined
	if jr.err != nil {
		t.Fatalf("Join failed: %v", jr.err)
	}
	if got := valueIn(t, jr.res.Snapshot, "title"); got != "before-flush" {
		t.Fatalf("joiner must see flushed state, got %v", got)
	}
}

func TestIdleGraceKeepsRoomResident(t *testing.T) {
	snaps := newFakeSnapshots()
	r := newTestRegistry(t, snaps, Options{IdleGrace: 50 * time.Millisecond})
	ctx := context.Background()

	a, _ := mustJoin(t, r, pageKey, alice)
	if err := r.Leave(ctx, pageKey, a.ID); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if len(r.Rooms()) != 1 {
		t.Fatal("room should stay resident during the idle grace period")
	}
	mustJoin(t, r, pageKey, bob)
	if snaps.loads.Load() != 1 {
		t.Fatal("rejoin within the grace period must reuse the live replica")
	}

	roster, _ := r.Roster(pageKey)
	if err := r.Leave(ctx, pageKey, roster[0].SessionID); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	waitFor(t, "idle teardown", func() bool { return len(r.Rooms()) == 0 })
}

func TestAwarenessLastWriteWins(t *testing.T) {
	r := newTestRegistry(t, newFakeSnapshots(), Options{})
	ctx := context.Background()

	a, _ := mustJoin(t, r, pageKey, alice)
	b, _ := mustJoin(t, r, pageKey, bob)

	if err := r.UpdateAwareness(ctx, pageKey, a.ID, Awareness{Cursor: 5, Clock: 2}); err != nil {
		t.Fatalf("UpdateAwareness failed: %v", err)
	}
	m := expectMessage(t, b, MsgAwareness)
	if m.Awareness.Clock != 2 || m.User.SessionID != a.ID {
		t.Fatalf("unexpected awareness %+v", m)
	}
	if err := r.UpdateAwareness(ctx, pageKey, a.ID, Awareness{Cursor: 1, Clock: 1}); !errors.Is(err, ErrStaleAwareness) {
		t.Fatalf("expected ErrStaleAwareness, got %v", err)
	}

	roster, _ := r.Roster(pageKey)
	for _, p := range roster {
		if p.SessionID == a.ID && (p.Awareness == nil || p.Awareness.Clock != 2) {
			t.Fatalf("roster should carry the latest awareness, got %+v", p.Awareness)
		}
	}
	if r.Rooms()[0].Dirty {
		t.Fatal("awareness must not mark the document dirty")
	}
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	r := newTestRegistry(t, newFakeSnapshots(), Options{SendQueueSize: 2})
	ctx := context.Background()

	a, _ := mustJoin(t, r, pageKey, alice)
	b, _ := mustJoin(t, r, pageKey, bob)
	expectMessage(t, a, MsgPresenceJoin)

	for i := 0; i < 4; i++ {
		if err := r.ApplyUpdate(ctx, pageKey, a.ID, clientUpdate(t, "k", "v")); err != nil {
			t.Fatalf("ApplyUpdate %d failed: %v", i, err)
		}
	}
	select {
	case <-b.Evicted():
	case <-time.After(time.Second):
		t.Fatal("slow session should be evicted")
	}
	waitFor(t, "slow session removal", func() bool {
		roster, _ := r.Roster(pageKey)
		return len(roster) == 1
	})
}

func TestCloseFlushesDirtyRooms(t *testing.T) {
	snaps := newFakeSnapshots()
	r := NewRegistry(Options{FlushInterval: time.Hour}, Dependencies{Snapshots: snaps, Authorizer: allowAll()})
	ctx := context.Background()

	a, _, err := r.Join(ctx, pageKey, alice)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := r.ApplyUpdate(ctx, pageKey, a.ID, clientUpdate(t, "title", "shutdown")); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if snaps.get(pageKey.String()) == nil {
		t.Fatal("Close must flush dirty rooms")
	}
	if _, _, err := r.Join(ctx, pageKey, bob); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed after Close, got %v", err)
	}
}

func TestSnapshotFallsBackToStore(t *testing.T) {
	snaps := newFakeSnapshots()
	r := newTestRegistry(t, snaps, Options{})
	ctx := context.Background()

	if _, err := r.Snapshot(ctx, pageKey); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
	snaps.data[pageKey.String()] = []byte("stored")
	snap, err := r.Snapshot(ctx, pageKey)
	if err != nil || string(snap) != "stored" {
		t.Fatalf("expected stored snapshot, got %q, %v", snap, err)
	}
}

func TestEntityKeyRoundTrip(t *testing.T) {
	k, err := ParseEntityKey(pageKey.String())
	if err != nil || k != pageKey {
		t.Fatalf("ParseEntityKey = %+v, %v", k, err)
	}
	bad := []string{"", "page:ws1", "table:ws1:t1", "page::p1"}
	for _, s := range bad {
		if _, err := ParseEntityKey(s); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ParseEntityKey(%q) should fail, got %v", s, err)
		}
	}
}

func TestColorIsStablePerUser(t *testing.T) {
	if colorFor("u1") != colorFor("u1") {
		t.Fatal("color must be deterministic")
	}
}

func TestOutOfOrderUpdatesConvergeInRoom(t *testing.T) {
	r := newTestRegistry(t, newFakeSnapshots(), Options{})
	ctx := context.Background()
	a, _ := mustJoin(t, r, pageKey, alice)
	b, _ := mustJoin(t, r, pageKey, bob)

	editor, _ := crdt.New("")
	first, err := editor.ApplyLocalChange(func(doc *automerge.Doc) error { return doc.Path("title").Set("v1") })
	if err != nil {
		t.Fatalf("first change: %v", err)
	}
	second, err := editor.ApplyLocalChange(func(doc *automerge.Doc) error { return doc.Path("title").Set("v2") })
	if err != nil {
		t.Fatalf("second change: %v", err)
	}

	// 网络重排：第二个 update 先到
	if err := r.ApplyUpdate(ctx, pageKey, a.ID, second); err != nil {
		t.Fatalf("ApplyUpdate(second) failed: %v", err)
	}
	if err := r.ApplyUpdate(ctx, pageKey, a.ID, first); err != nil {
		t.Fatalf("ApplyUpdate(first) failed: %v", err)
	}

	peer, _ := crdt.New("")
	for i := 0; i < 2; i++ {
		m := expectMessage(t, b, MsgUpdate)
		if err := peer.ApplyRemoteUpdate(m.Update); err != nil {
			t.Fatalf("peer apply %d: %v", i, err)
		}
	}

	want := editor.Heads()
	if !reflect.DeepEqual(peer.Heads(), want) {
		t.Fatalf("peer heads %v, want %v", peer.Heads(), want)
	}
	if got := r.Rooms()[0].Heads; !reflect.DeepEqual(got, want) {
		t.Fatalf("room heads %v, want %v", got, want)
	}
	snap, err := r.Snapshot(ctx, pageKey)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if got := valueIn(t, snap, "title"); got != "v2" {
		t.Fatalf("expected v2, got %v", got)
	}
}

func TestPinnedRoomOutlivesLastLeave(t *testing.T) {
	snaps := newFakeSnapshots()
	r := newTestRegistry(t, snaps, Options{})
	ctx := context.Background()

	if _, err := r.Pin(pageKey); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound for an unknown room, got %v", err)
	}

	a, _ := mustJoin(t, r, pageKey, alice)
	if err := r.ApplyUpdate(ctx, pageKey, a.ID, clientUpdate(t, "title", "optimistic")); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	release, err := r.Pin(pageKey)
	if err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if err := r.Leave(ctx, pageKey, a.ID); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if len(r.Rooms()) != 1 {
		t.Fatal("pinned room must stay resident after the last leave")
	}

	_, err = r.ApplyLocalChange(ctx, pageKey, func(doc *automerge.Doc) error {
		return doc.Path("title").Set("reverted")
	})
	if err != nil {
		t.Fatalf("ApplyLocalChange on pinned room failed: %v", err)
	}
	release()
	release()

	waitFor(t, "pinned room teardown", func() bool { return len(r.Rooms()) == 0 })
	if got := valueIn(t, snaps.get(pageKey.String()), "title"); got != "reverted" {
		t.Fatalf("persisted title = %v, want reverted", got)
	}
}

func TestSharedSnapshotLoadSurvivesCancelledCaller(t *testing.T) {
	snaps := newFakeSnapshots()
	started := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	snaps.loadFn = func(string) error {
		once.Do(func() { close(started) })
		<-gate
		return nil
	}
	r := newTestRegistry(t, snaps, Options{})

	readCtx, cancelRead := context.WithCancel(context.Background())
	readErr := make(chan error, 1)
	go func() {
		_, err := r.Snapshot(readCtx, pageKey)
		readErr <- err
	}()
	<-started

	joinErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _, err := r.Join(ctx, pageKey, alice)
		joinErr <- err
	}()
	// 让 hydrate 加入进行中的读取
	time.Sleep(50 * time.Millisecond)

	cancelRead()
	if err := <-readErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled reader should see context.Canceled, got %v", err)
	}
	close(gate)

	if err := <-joinErr; err != nil {
		t.Fatalf("join sharing the load failed: %v", err)
	}
	if n := snaps.loads.Load(); n != 1 {
		t.Fatalf("expected a single shared load, got %d", n)
	}
}
