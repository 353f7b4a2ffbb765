package collab

import "time"

// 房间生命周期事件类型
const (
	EventRoomOpened        = "ROOM_OPENED"
	EventRoomClosed        = "ROOM_CLOSED"
	EventParticipantJoined = "PARTICIPANT_JOINED"
	EventParticipantLeft   = "PARTICIPANT_LEFT"
	EventSnapshotFlushed   = "SNAPSHOT_FLUSHED"
	EventRowRolledBack     = "ROW_ROLLED_BACK"
)

// RoomEvent 投递到 Kafka 的房间事件，以 EntityKey 作为消息 key，同一实体落在同一分区
type RoomEvent struct {
	EventType string    `json:"eventType"`
	EntityKey string    `json:"entityKey"`
	Kind      string    `json:"kind"`
	Workspace string    `json:"workspaceId"`
	SessionID string    `json:"sessionId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	NodeID    string    `json:"nodeId,omitempty"`
	Heads     []string  `json:"heads,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
