package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnauthorized    = errors.New("collab: user is not a member of the workspace")
	ErrInvalidKey      = errors.New("collab: invalid entity key")
	ErrHydrationFailed = errors.New("collab: room hydration failed")
	ErrRoomNotFound    = errors.New("collab: room not found")
	ErrNoSnapshot      = errors.New("collab: entity has no snapshot")
	ErrSessionNotFound = errors.New("collab: session not found")
	ErrRoomClosed      = errors.New("collab: room closed")
	ErrRegistryClosed  = errors.New("collab: registry closed")
	ErrStaleAwareness  = errors.New("collab: stale awareness clock")
	ErrEmptyUpdate     = errors.New("collab: empty update")
)

// EntityKind 协作实体类型
type EntityKind string

const (
	KindPage     EntityKind = "page"
	KindDatabase EntityKind = "database"
)

func (k EntityKind) Valid() bool { return k == KindPage || k == KindDatabase }

// EntityKey 房间标识：实体类型 + 工作区 + 实体 ID
type EntityKey struct {
	Kind        EntityKind `json:"kind"`
	WorkspaceID string     `json:"workspaceId"`
	EntityID    string     `json:"entityId"`
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.WorkspaceID, k.EntityID)
}

func (k EntityKey) Validate() error {
	if !k.Kind.Valid() || k.WorkspaceID == "" || k.EntityID == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	if strings.Contains(k.WorkspaceID, ":") || strings.Contains(k.EntityID, ":") {
		return fmt.Errorf("%w: %q contains ':'", ErrInvalidKey, k.String())
	}
	return nil
}

// ParseEntityKey 解析 EntityKey.String() 的结果
func ParseEntityKey(s string) (EntityKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return EntityKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := EntityKey{Kind: EntityKind(parts[0]), WorkspaceID: parts[1], EntityID: parts[2]}
	if err := k.Validate(); err != nil {
		return EntityKey{}, err
	}
	return k, nil
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Awareness 光标 / 选区 / 输入状态，只在内存里，按 Clock 做 last-write-wins
type Awareness struct {
	Cursor    any    `json:"cursor,omitempty"`
	Selection any    `json:"selection,omitempty"`
	Typing    bool   `json:"typing"`
	Clock     uint64 `json:"clock"`
}

type MessageKind string

const (
	MsgUpdate        MessageKind = "update"
	MsgAwareness     MessageKind = "awareness"
	MsgPresenceJoin  MessageKind = "presence_join"
	MsgPresenceLeave MessageKind = "presence_leave"
	MsgSaveStatus    MessageKind = "save_status"
	MsgRowRollback   MessageKind = "row_rollback"
)

// Message 房间内推送给单个会话的事件
type Message struct {
	Kind      MessageKind
	Key       EntityKey
	From      string // 来源 sessionID，服务端产生的为空
	User      *Participant
	Update    []byte
	Awareness *Awareness
	Saved     bool
	Rollback  *RowRollback
}

type RowRollback struct {
	RowID   string `json:"rowId"`
	FieldID string `json:"fieldId,omitempty"`
	Reason  string `json:"reason"`
}

// Participant 名单里对外展示的会话信息
type Participant struct {
	SessionID string     `json:"sessionId"`
	User      User       `json:"user"`
	Color     string     `json:"color"`
	JoinedAt  time.Time  `json:"joinedAt"`
	Awareness *Awareness `json:"awareness,omitempty"`
}

// SnapshotStore 持久化快照。found=false 表示实体还没有任何快照
type SnapshotStore interface {
	Load(ctx context.Context, entityKey string) (snapshot []byte, found bool, err error)
	Save(ctx context.Context, entityKey string, snapshot []byte, heads []string) error
}

// Authorizer 外部鉴权：用户是否属于工作区
type Authorizer interface {
	IsAuthorized(ctx context.Context, userID, workspaceID string) (bool, error)
}

// PresenceMirror 把房间名单同步到外部（Redis），供其他服务查询在线成员
type PresenceMirror interface {
	AddMember(ctx context.Context, room, sessionID, userID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, room, sessionID string) error
}

// EventSink 房间生命周期事件出口（Kafka）
type EventSink interface {
	Enqueue(ctx context.Context, evt RoomEvent) error
}

// Relay 跨节点转发
type Relay interface {
	Publish(ctx context.Context, msg RelayMessage) error
	Subscribe(ctx context.Context, entityKey string, handler func(RelayMessage)) (unsubscribe func(), err error)
}

type RelayKind string

const (
	RelayUpdate        RelayKind = "update"
	RelayAwareness     RelayKind = "awareness"
	RelayPresenceLeave RelayKind = "presence_leave"
	RelaySyncRequest   RelayKind = "sync_request"
)

// RelayMessage 节点之间交换的消息，Origin 为发送节点的 NodeID
type RelayMessage struct {
	Origin    string       `json:"origin"`
	Key       string       `json:"key"`
	Kind      RelayKind    `json:"kind"`
	SessionID string       `json:"sessionId,omitempty"`
	User      *Participant `json:"user,omitempty"`
	Update    []byte       `json:"update,omitempty"`
	Awareness *Awareness   `json:"awareness,omitempty"`
}

// AuthorizerFunc 让普通函数满足 Authorizer
type AuthorizerFunc func(ctx context.Context, userID, workspaceID string) (bool, error)

func (f AuthorizerFunc) IsAuthorized(ctx context.Context, userID, workspaceID string) (bool, error) {
	return f(ctx, userID, workspaceID)
}
