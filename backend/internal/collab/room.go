package collab

import (
	"sort"
	"sync"
	"time"

	"collabsync/backend/internal/crdt"
)

// 房间状态机：Hydrating → Active →（最后一人离开）→ Flushing → Active(空闲) / Closed
type roomState int

const (
	stateHydrating roomState = iota
	stateActive
	stateFlushing
	stateClosed
)

func (s roomState) String() string {
	switch s {
	case stateHydrating:
		return "hydrating"
	case stateActive:
		return "active"
	case stateFlushing:
		return "flushing"
	default:
		return "closed"
	}
}

// Room 单个实体在本进程内唯一的协作房间
type Room struct {
	key   EntityKey
	id    string
	store *crdt.Store

	// ready 在 hydrate 结束（成功或失败）后关闭，之后 hydrateErr 只读
	ready      chan struct{}
	hydrateErr error
	// closed 在房间被移出 registry 时关闭
	closed chan struct{}

	mu       sync.Mutex
	state    roomState
	sessions map[string]*Session
	// version 每应用一次 change 加一；flushedVersion 是已持久化的最大 version
	version        uint64
	flushedVersion uint64
	lastFlush      time.Time
	saveFailed     bool
	retrying       bool
	flushTimer     *time.Timer
	idleTimer      *time.Timer
	flushDone      chan struct{}
	unsubscribe    func()
	// pins 未完成的行写入数；大于 0 时房间即使没有会话也不关闭
	pins int
	// remote 其他节点会话最近一次 awareness 的 Clock；left 为 true 表示已收到 presence_leave
	remote map[string]*remoteSession

	// flushMu 保证同一房间的 Save 串行、按顺序写入
	flushMu sync.Mutex
}

func newRoom(key EntityKey, store *crdt.Store) *Room {
	return &Room{
		key:      key,
		id:       key.String(),
		store:    store,
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
		state:    stateHydrating,
		sessions: make(map[string]*Session),
		remote:   make(map[string]*remoteSession),
	}
}

type remoteSession struct {
	seen  bool
	clock uint64
	left  bool
}

// remoteLocked 调用方需持有 mu
func (r *Room) remoteLocked(sessionID string) *remoteSession {
	rs, ok := r.remote[sessionID]
	if !ok {
		rs = &remoteSession{}
		r.remote[sessionID] = rs
	}
	return rs
}

func (r *Room) Key() EntityKey { return r.key }

// dirtyLocked 调用方需持有 mu
func (r *Room) dirtyLocked() bool { return r.version != r.flushedVersion }

func (r *Room) rosterLocked() []Participant {
	out := make([]Participant, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.participant())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// fanoutLocked 把消息投递给除 except 以外的所有会话，返回队列已满被踢出的会话
func (r *Room) fanoutLocked(except string, msg Message) []*Session {
	var slow []*Session
	for id, s := range r.sessions {
		if id == except {
			continue
		}
		if !s.enqueue(msg) {
			s.evict()
			slow = append(slow, s)
		}
	}
	return slow
}

// RoomInfo 房间概要，用于管理接口
type RoomInfo struct {
	Key          EntityKey `json:"key"`
	State        string    `json:"state"`
	Participants int       `json:"participants"`
	Dirty        bool      `json:"dirty"`
	SaveFailed   bool      `json:"saveFailed"`
	LastFlush    time.Time `json:"lastFlush"`
	Heads        []string  `json:"heads"`
}

func (r *Room) info() RoomInfo {
	r.mu.Lock()
	info := RoomInfo{
		Key:          r.key,
		State:        r.state.String(),
		Participants: len(r.sessions),
		Dirty:        r.dirtyLocked(),
		SaveFailed:   r.saveFailed,
		LastFlush:    r.lastFlush,
	}
	r.mu.Unlock()
	info.Heads = r.store.Heads()
	return info
}

func (r *Room) stopTimersLocked() {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}
