package ws

import (
	"encoding/json"

	"collabsync/backend/internal/collab"
)

// 客户端帧类型
const (
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeUpdate    = "update"
	TypeAwareness = "awareness"
	TypeRowUpdate = "row_update"
	TypeRowCreate = "row_create"
	TypeRowDelete = "row_delete"
	TypeHeartbeat = "heartbeat"
)

// 服务端帧类型；update / awareness / presence_* / save_status / row_rollback 与 collab.MessageKind 同名
const (
	TypeWelcome  = "welcome"
	TypeJoined   = "joined"
	TypeRejected = "rejected"
	TypeError    = "error"
	TypePong     = "pong"
)

// ClientMessage 客户端发来的 JSON 帧，不同 type 使用不同字段。
// []byte 字段在 JSON 里是 base64 字符串
type ClientMessage struct {
	Type string `json:"type"`

	// join
	WorkspaceID string `json:"workspaceId,omitempty"`
	Kind        string `json:"kind,omitempty"`
	EntityID    string `json:"entityId,omitempty"`

	// update
	Update []byte `json:"update,omitempty"`

	// awareness
	Cursor    any    `json:"cursor,omitempty"`
	Selection any    `json:"selection,omitempty"`
	Typing    bool   `json:"typing,omitempty"`
	Clock     uint64 `json:"clock,omitempty"`

	// row_update / row_create / row_delete
	RowID   string                     `json:"rowId,omitempty"`
	FieldID string                     `json:"fieldId,omitempty"`
	Value   json.RawMessage            `json:"value,omitempty"`
	Fields  map[string]json.RawMessage `json:"fields,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Key  string `json:"key,omitempty"`
	From string `json:"from,omitempty"`

	// welcome / joined
	UserID    string               `json:"userId,omitempty"`
	SessionID string               `json:"sessionId,omitempty"`
	Color     string               `json:"color,omitempty"`
	Roster    []collab.Participant `json:"roster,omitempty"`
	Snapshot  []byte               `json:"snapshot,omitempty"`
	Heads     []string             `json:"heads,omitempty"`

	Update    []byte              `json:"update,omitempty"`
	User      *collab.Participant `json:"user,omitempty"`
	Awareness *collab.Awareness   `json:"awareness,omitempty"`
	Saved     *bool               `json:"saved,omitempty"`

	// row_rollback
	RowID   string `json:"rowId,omitempty"`
	FieldID string `json:"fieldId,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// rejected / error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// fromRoomMessage 把房间投递的消息转换为线上的帧
func fromRoomMessage(m collab.Message) ServerMessage {
	out := ServerMessage{
		Type:      string(m.Kind),
		Key:       m.Key.String(),
		From:      m.From,
		Update:    m.Update,
		User:      m.User,
		Awareness: m.Awareness,
	}
	switch m.Kind {
	case collab.MsgSaveStatus:
		saved := m.Saved
		out.Saved = &saved
	case collab.MsgRowRollback:
		if m.Rollback != nil {
			out.RowID = m.Rollback.RowID
			out.FieldID = m.Rollback.FieldID
			out.Reason = m.Rollback.Reason
		}
	}
	return out
}
