package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/store"

	"github.com/automerge/automerge-go"
	"github.com/gin-gonic/gin"
)

type presenceFunc func(ctx context.Context, room string) ([]cache.PresenceMember, error)

func (f presenceFunc) AliveMembers(ctx context.Context, room string) ([]cache.PresenceMember, error) {
	return f(ctx, room)
}

var pageKey = collab.EntityKey{Kind: collab.KindPage, WorkspaceID: "ws1", EntityID: "p1"}

func setup(t *testing.T, presence PresenceReader) (*gin.Engine, *collab.Registry, *store.MemorySnapshotStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authz := collab.AuthorizerFunc(func(_ context.Context, userID, _ string) (bool, error) {
		return userID == "u1", nil
	})
	snaps := store.NewMemorySnapshotStore()
	reg := collab.NewRegistry(collab.Options{FlushInterval: time.Hour}, collab.Dependencies{Snapshots: snaps, Authorizer: authz})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	h := NewRooms(reg, presence, authz)
	r := gin.New()
	r.GET("/collab/healthz", h.Healthz)
	g := r.Group("/collab", func(c *gin.Context) {
		c.Set("userId", c.GetHeader("X-User"))
		c.Next()
	})
	h.Register(g)
	return r, reg, snaps
}

func do(r http.Handler, method, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-User", user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, reg, _ := setup(t, nil)
	w := do(r, http.MethodGet, "/collab/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Node  string `json:"node"`
		Rooms int    `json:"rooms"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Node != reg.NodeID() || body.Rooms != 0 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestMembersAndRooms(t *testing.T) {
	r, reg, _ := setup(t, nil)
	if _, _, err := reg.Join(context.Background(), pageKey, collab.User{ID: "u1", Name: "alice"}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	w := do(r, http.MethodGet, "/collab/rooms/ws1/page/p1/members", "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("members status = %d: %s", w.Code, w.Body.String())
	}
	var members struct {
		Members []collab.Participant `json:"members"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &members)
	if len(members.Members) != 1 || members.Members[0].User.ID != "u1" {
		t.Fatalf("unexpected members %+v", members)
	}

	w = do(r, http.MethodGet, "/collab/rooms/ws1/page/other/members", "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("inactive room should list no members, status %d", w.Code)
	}

	w = do(r, http.MethodGet, "/collab/rooms", "u1")
	var rooms struct {
		Rooms []collab.RoomInfo `json:"rooms"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &rooms)
	if len(rooms.Rooms) != 1 || rooms.Rooms[0].Participants != 1 {
		t.Fatalf("unexpected rooms %+v", rooms)
	}
}

func TestRoomRoutesCheckMembershipAndKey(t *testing.T) {
	r, _, _ := setup(t, nil)
	if w := do(r, http.MethodGet, "/collab/rooms/ws1/page/p1/members", "u2"); w.Code != http.StatusForbidden {
		t.Fatalf("non-member status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/collab/rooms/ws1/sheet/p1/members", "u1"); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid kind status = %d", w.Code)
	}
}

func TestSnapshotAndFlush(t *testing.T) {
	r, reg, snaps := setup(t, nil)
	ctx := context.Background()

	if w := do(r, http.MethodGet, "/collab/rooms/ws1/page/p1/snapshot", "u1"); w.Code != http.StatusNotFound {
		t.Fatalf("missing snapshot status = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/collab/rooms/ws1/page/p1/flush", "u1"); w.Code != http.StatusNotFound {
		t.Fatalf("flush of inactive room status = %d", w.Code)
	}

	if _, _, err := reg.Join(ctx, pageKey, collab.User{ID: "u1"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := reg.ApplyLocalChange(ctx, pageKey, func(doc *automerge.Doc) error {
		return doc.Path("title").Set("hi")
	}); err != nil {
		t.Fatalf("ApplyLocalChange: %v", err)
	}

	w := do(r, http.MethodPost, "/collab/rooms/ws1/page/p1/flush", "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("flush status = %d: %s", w.Code, w.Body.String())
	}
	if _, found, _ := snaps.Load(ctx, pageKey.String()); !found {
		t.Fatal("flush should persist the snapshot")
	}

	w = do(r, http.MethodGet, "/collab/rooms/ws1/page/p1/snapshot", "u1")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "application/octet-stream" {
		t.Fatalf("snapshot status = %d type=%s", w.Code, w.Header().Get("Content-Type"))
	}
	replica, _ := crdt.New("")
	if err := replica.Hydrate(w.Body.Bytes()); err != nil {
		t.Fatalf("snapshot body is not a document: %v", err)
	}
}

func TestPresence(t *testing.T) {
	r, _, _ := setup(t, nil)
	if w := do(r, http.MethodGet, "/collab/rooms/ws1/page/p1/presence", "u1"); w.Code != http.StatusNotFound {
		t.Fatalf("disabled presence status = %d", w.Code)
	}

	var asked string
	r, _, _ = setup(t, presenceFunc(func(_ context.Context, room string) ([]cache.PresenceMember, error) {
		asked = room
		return []cache.PresenceMember{{SessionID: "s1", UserID: "u1", Username: "alice"}}, nil
	}))
	w := do(r, http.MethodGet, "/collab/rooms/ws1/page/p1/presence", "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("presence status = %d", w.Code)
	}
	if asked != pageKey.String() {
		t.Fatalf("presence looked up %q", asked)
	}
}
