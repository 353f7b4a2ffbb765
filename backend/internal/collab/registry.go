package collab

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"collabsync/backend/internal/crdt"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	// NodeID 标识本进程，跨节点转发时用于过滤自己发出的消息
	NodeID string

	FlushInterval        time.Duration
	FlushTimeout         time.Duration
	FinalFlushTimeout    time.Duration
	HydrateTimeout       time.Duration
	IdleGrace            time.Duration
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	SendQueueSize        int
	PresenceTTL          time.Duration
	MaxConcurrentFlushes int
}

func (o *Options) setDefaults() {
	if o.NodeID == "" {
		o.NodeID = uuid.NewString()
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
	if o.FinalFlushTimeout <= 0 {
		o.FinalFlushTimeout = 10 * time.Second
	}
	if o.HydrateTimeout <= 0 {
		o.HydrateTimeout = 10 * time.Second
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 200 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 30 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 60 * time.Second
	}
	if o.MaxConcurrentFlushes <= 0 {
		o.MaxConcurrentFlushes = 16
	}
}

// Dependencies 外部协作者。Snapshots 必填；Authorizer 为空时放行所有用户；其余可选
type Dependencies struct {
	Snapshots  SnapshotStore
	Authorizer Authorizer
	Presence   PresenceMirror
	Relay      Relay
	Events     EventSink
	Semaphore  *SemaphoreControl
	Logger     *slog.Logger
}

// JoinResult 加入房间后客户端做初始同步所需的内容
type JoinResult struct {
	Roster   []Participant
	Snapshot []byte
	Heads    []string
}

// Registry 进程内所有协作房间。锁顺序：Registry.mu → Room.mu，持锁期间不做 I/O
type Registry struct {
	opts  Options
	deps  Dependencies
	log   *slog.Logger
	sem   *SemaphoreControl
	loads singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// relayQ 跨节点发布队列，按房间分片
	relayQ []chan RelayMessage

	mu      sync.RWMutex
	rooms   map[string]*Room
	closing bool
}

const (
	relayShards    = 4
	relayQueueSize = 1024
)

func NewRegistry(opts Options, deps Dependencies) *Registry {
	opts.setDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sem := deps.Semaphore
	if sem == nil {
		sem = NewSemaphoreControl(opts.MaxConcurrentFlushes)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:   opts,
		deps:   deps,
		log:    logger.With("component", "registry", "node", opts.NodeID),
		sem:    sem,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*Room),
	}
	if deps.Relay != nil {
		r.relayQ = make([]chan RelayMessage, relayShards)
		for i := range r.relayQ {
			r.relayQ[i] = make(chan RelayMessage, relayQueueSize)
			r.wg.Add(1)
			go r.relayWorker(r.relayQ[i])
		}
	}
	return r
}

func (r *Registry) NodeID() string { return r.opts.NodeID }

// Join 鉴权通过后把用户加入房间；房间不存在时创建并从持久化快照 hydrate。
// 鉴权失败不会创建任何房间状态。
func (r *Registry) Join(ctx context.Context, key EntityKey, user User) (*Session, JoinResult, error) {
	if err := key.Validate(); err != nil {
		return nil, JoinResult{}, err
	}
	if user.ID == "" {
		return nil, JoinResult{}, ErrUnauthorized
	}
	if r.deps.Authorizer != nil {
		ok, err := r.deps.Authorizer.IsAuthorized(ctx, user.ID, key.WorkspaceID)
		if err != nil {
			return nil, JoinResult{}, fmt.Errorf("authorize user %s: %w", user.ID, err)
		}
		if !ok {
			r.log.Info("join rejected", "room", key.String(), "user", user.ID)
			return nil, JoinResult{}, ErrUnauthorized
		}
	}

	for {
		room, err := r.getOrCreate(key)
		if err != nil {
			return nil, JoinResult{}, err
		}
		select {
		case <-room.ready:
		case <-ctx.Done():
			return nil, JoinResult{}, ctx.Err()
		}
		if room.hydrateErr != nil {
			return nil, JoinResult{}, fmt.Errorf("%w: %v", ErrHydrationFailed, room.hydrateErr)
		}

		sess, res, wait, slow := r.admit(room, user)
		if wait != nil {
			// 房间正在 flush 或已关闭，等状态变化后重试
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, JoinResult{}, ctx.Err()
			}
		}
		r.dropSlow(key, slow)

		if r.deps.Presence != nil {
			if err := r.deps.Presence.AddMember(ctx, room.id, sess.ID, user.ID, user.Name, r.opts.PresenceTTL); err != nil {
				r.log.Warn("presence mirror add failed", "room", room.id, "session", sess.ID, "err", err)
			}
		}
		r.emit(EventParticipantJoined, room, sess.ID, user.ID)
		r.log.Info("session joined", "room", room.id, "session", sess.ID, "user", user.ID)
		return sess, res, nil
	}
}

func (r *Registry) admit(room *Room, user User) (*Session, JoinResult, <-chan struct{}, []*Session) {
	room.mu.Lock()
	defer room.mu.Unlock()
	switch room.state {
	case stateClosed:
		return nil, JoinResult{}, room.closed, nil
	case stateFlushing:
		return nil, JoinResult{}, room.flushDone, nil
	}
	if room.idleTimer != nil {
		room.idleTimer.Stop()
		room.idleTimer = nil
	}

	sess := newSession(room.key, user, r.opts.SendQueueSize)
	room.sessions[sess.ID] = sess
	p := sess.participant()
	slow := room.fanoutLocked(sess.ID, Message{Kind: MsgPresenceJoin, Key: room.key, From: sess.ID, User: &p})

	// 快照和加入名单在同一把锁内完成，之后的 update 一定会投递到新会话
	res := JoinResult{
		Roster:   room.rosterLocked(),
		Snapshot: room.store.Snapshot(),
		Heads:    room.store.Heads(),
	}
	return sess, res, nil, slow
}

func (r *Registry) getOrCreate(key EntityKey) (*Room, error) {
	id := key.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return nil, ErrRegistryClosed
	}
	if room, ok := r.rooms[id]; ok {
		return room, nil
	}
	store, err := crdt.New("")
	if err != nil {
		return nil, fmt.Errorf("create store for %s: %w", id, err)
	}
	room := newRoom(key, store)
	r.rooms[id] = room
	r.wg.Add(1)
	// hydrate 不绑定触发者的 ctx：触发者断开不影响其他等待者
	go r.hydrate(room)
	return room, nil
}

func (r *Registry) hydrate(room *Room) {
	defer r.wg.Done()
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.HydrateTimeout)
	defer cancel()

	start := time.Now()
	err := r.hydrateStore(ctx, room)
	var unsub func()
	if err == nil && r.deps.Relay != nil {
		unsub, err = r.deps.Relay.Subscribe(r.ctx, room.id, r.onRelay)
		if err != nil {
			err = fmt.Errorf("subscribe relay: %w", err)
		}
	}

	if err != nil {
		r.log.Error("hydrate failed", "room", room.id, "err", err)
		r.mu.Lock()
		room.mu.Lock()
		room.state = stateClosed
		room.hydrateErr = err
		if r.rooms[room.id] == room {
			delete(r.rooms, room.id)
		}
		room.mu.Unlock()
		r.mu.Unlock()
		close(room.closed)
		close(room.ready)
		return
	}

	room.mu.Lock()
	room.state = stateActive
	room.unsubscribe = unsub
	room.lastFlush = time.Now()
	room.mu.Unlock()
	close(room.ready)

	r.log.Info("room opened", "room", room.id, "heads", len(room.store.Heads()), "took", time.Since(start))
	r.emit(EventRoomOpened, room, "", "")
	if r.deps.Relay != nil {
		r.publish(RelayMessage{Key: room.id, Kind: RelaySyncRequest})
	}
}

func (r *Registry) hydrateStore(ctx context.Context, room *Room) error {
	snap, err := r.loadSnapshot(ctx, room.id)
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return err
	}
	return room.store.Hydrate(snap)
}

// loadSnapshot 同一实体的并发读取合并成一次。
// 合并后的读取不绑定任何一个调用方的 ctx，调用方只是放弃等待
func (r *Registry) loadSnapshot(ctx context.Context, id string) ([]byte, error) {
	ch := r.loads.DoChan(id, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.HydrateTimeout)
		defer cancel()
		snap, found, err := r.deps.Snapshots.Load(lctx, id)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", id, err)
		}
		if !found || len(snap) == 0 {
			return nil, ErrNoSnapshot
		}
		return snap, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Leave 同步移除会话；最后一个人离开时做一次最终 flush
func (r *Registry) Leave(ctx context.Context, key EntityKey, sessionID string) error {
	room := r.lookup(key.String())
	if room == nil {
		return ErrRoomNotFound
	}

	room.mu.Lock()
	sess, ok := room.sessions[sessionID]
	if !ok {
		room.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(room.sessions, sessionID)
	sess.evict()
	p := sess.participant()
	slow := room.fanoutLocked("", Message{Kind: MsgPresenceLeave, Key: room.key, From: sessionID, User: &p})

	var done chan struct{}
	if len(room.sessions) == 0 && room.state == stateActive {
		room.state = stateFlushing
		done = make(chan struct{})
		room.flushDone = done
		if room.flushTimer != nil {
			room.flushTimer.Stop()
			room.flushTimer = nil
		}
	}
	room.mu.Unlock()

	r.dropSlow(key, slow)
	if r.deps.Presence != nil {
		if err := r.deps.Presence.RemoveMember(ctx, room.id, sessionID); err != nil {
			r.log.Warn("presence mirror remove failed", "room", room.id, "session", sessionID, "err", err)
		}
	}
	if r.deps.Relay != nil {
		r.publish(RelayMessage{Key: room.id, Kind: RelayPresenceLeave, SessionID: sessionID, User: &p})
	}
	r.emit(EventParticipantLeft, room, sessionID, sess.User.ID)
	r.log.Info("session left", "room", room.id, "session", sessionID)

	if done != nil {
		r.finalFlush(ctx, room, done)
	}
	return nil
}

// ApplyUpdate 应用参与者发来的 update，并原样转发给房间内其他会话
func (r *Registry) ApplyUpdate(ctx context.Context, key EntityKey, fromSessionID string, update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	room := r.lookup(key.String())
	if room == nil {
		return ErrRoomNotFound
	}

	room.mu.Lock()
	if _, ok := room.sessions[fromSessionID]; !ok {
		room.mu.Unlock()
		return ErrSessionNotFound
	}
	if err := room.store.ApplyRemoteUpdate(update); err != nil {
		room.mu.Unlock()
		r.log.Warn("drop malformed update", "room", room.id, "session", fromSessionID, "bytes", len(update), "err", err)
		return err
	}
	r.markDirtyLocked(room)
	slow := room.fanoutLocked(fromSessionID, Message{Kind: MsgUpdate, Key: room.key, From: fromSessionID, Update: update})
	room.mu.Unlock()

	r.dropSlow(key, slow)
	if r.deps.Relay != nil {
		r.publish(RelayMessage{Key: room.id, Kind: RelayUpdate, SessionID: fromSessionID, Update: update})
	}
	return nil
}

// ApplyLocalChange 服务端产生的修改（例如数据库行回滚），广播给房间内所有会话。
// 没有产生操作时返回 nil update。
func (r *Registry) ApplyLocalChange(ctx context.Context, key EntityKey, change crdt.Change) ([]byte, error) {
	room := r.lookup(key.String())
	if room == nil {
		return nil, ErrRoomNotFound
	}

	room.mu.Lock()
	if room.state == stateClosed || room.state == stateHydrating {
		room.mu.Unlock()
		return nil, ErrRoomClosed
	}
	update, err := room.store.ApplyLocalChange(change)
	if err != nil || len(update) == 0 {
		room.mu.Unlock()
		return nil, err
	}
	r.markDirtyLocked(room)
	slow := room.fanoutLocked("", Message{Kind: MsgUpdate, Key: room.key, Update: update})
	room.mu.Unlock()

	r.dropSlow(key, slow)
	if r.deps.Relay != nil {
		r.publish(RelayMessage{Key: room.id, Kind: RelayUpdate, Update: update})
	}
	return update, nil
}

// UpdateAwareness 按 Clock 做 last-write-wins，旧的 awareness 返回 ErrStaleAwareness
func (r *Registry) UpdateAwareness(ctx context.Context, key EntityKey, sessionID string, a Awareness) error {
	room := r.lookup(key.String())
	if room == nil {
		return ErrRoomNotFound
	}

	room.mu.Lock()
	sess, ok := room.sessions[sessionID]
	if !ok {
		room.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.awareness != nil && a.Clock <= sess.awareness.Clock {
		room.mu.Unlock()
		return ErrStaleAwareness
	}
	sess.awareness = &a
	p := sess.participant()
	slow := room.fanoutLocked(sessionID, Message{Kind: MsgAwareness, Key: room.key, From: sessionID, User: &p, Awareness: &a})
	room.mu.Unlock()

	r.dropSlow(key, slow)
	if r.deps.Relay != nil {
		r.publish(RelayMessage{Key: room.id, Kind: RelayAwareness, SessionID: sessionID, User: &p, Awareness: &a})
	}
	return nil
}

// Broadcast 把消息发给房间内除 fromSessionID 以外的所有会话
func (r *Registry) Broadcast(key EntityKey, fromSessionID string, msg Message) error {
	room := r.lookup(key.String())
	if room == nil {
		return ErrRoomNotFound
	}
	msg.Key = room.key
	if msg.From == "" {
		msg.From = fromSessionID
	}
	room.mu.Lock()
	slow := room.fanoutLocked(fromSessionID, msg)
	room.mu.Unlock()
	r.dropSlow(key, slow)
	return nil
}

func (r *Registry) SendTo(key EntityKey, sessionID string, msg Message) error {
	room := r.lookup(key.String())
	if room == nil {
		return ErrRoomNotFound
	}
	msg.Key = room.key
	room.mu.Lock()
	sess, ok := room.sessions[sessionID]
	room.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if !sess.enqueue(msg) {
		sess.evict()
		r.dropSlow(key, []*Session{sess})
	}
	return nil
}

// Touch 心跳：刷新 Redis 里的在线 TTL
func (r *Registry) Touch(ctx context.Context, key EntityKey, sessionID string) error {
	room := r.lookup(key.String())
	if room == nil {
		return ErrRoomNotFound
	}
	room.mu.Lock()
	sess, ok := room.sessions[sessionID]
	room.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if r.deps.Presence == nil {
		return nil
	}
	return r.deps.Presence.AddMember(ctx, room.id, sess.ID, sess.User.ID, sess.User.Name, r.opts.PresenceTTL)
}

// View 只读访问房间当前的文档
func (r *Registry) View(key EntityKey, fn func(doc *automerge.Doc) error) error {
	room := r.lookup(key.String())
	if room == nil {
		return ErrRoomNotFound
	}
	return room.store.View(fn)
}

func (r *Registry) Roster(key EntityKey) ([]Participant, error) {
	room := r.lookup(key.String())
	if room == nil {
		return nil, ErrRoomNotFound
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.rosterLocked(), nil
}

func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.info())
	}
	return out
}

// Snapshot 房间在内存中时返回最新状态，否则读持久化快照
func (r *Registry) Snapshot(ctx context.Context, key EntityKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if room := r.lookup(key.String()); room != nil {
		select {
		case <-room.ready:
			if room.hydrateErr == nil {
				return room.store.Snapshot(), nil
			}
		default:
		}
	}
	return r.loadSnapshot(ctx, key.String())
}

func (r *Registry) lookup(id string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[id]
}

// dropSlow 队列已满的会话按离开处理，客户端重连后会从快照重新同步
func (r *Registry) dropSlow(key EntityKey, slow []*Session) {
	for _, s := range slow {
		r.log.Warn("evict slow consumer", "room", key.String(), "session", s.ID)
		go func(id string) {
			if err := r.Leave(context.Background(), key, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
				r.log.Warn("leave evicted session failed", "room", key.String(), "session", id, "err", err)
			}
		}(s.ID)
	}
}

// publish 按房间分片进入有序队列，同一房间的消息按发出顺序发布
func (r *Registry) publish(msg RelayMessage) {
	msg.Origin = r.opts.NodeID
	h := fnv.New32a()
	_, _ = h.Write([]byte(msg.Key))
	q := r.relayQ[h.Sum32()%uint32(len(r.relayQ))]
	select {
	case q <- msg:
	case <-r.ctx.Done():
	}
}

func (r *Registry) relayWorker(q <-chan RelayMessage) {
	defer r.wg.Done()
	for {
		select {
		case msg := <-q:
			ctx, cancel := context.WithTimeout(r.ctx, r.opts.FlushTimeout)
			if err := r.deps.Relay.Publish(ctx, msg); err != nil {
				r.log.Warn("relay publish failed", "room", msg.Key, "kind", msg.Kind, "err", err)
			}
			cancel()
		case <-r.ctx.Done():
			return
		}
	}
}

// onRelay 处理其他节点转发过来的消息
func (r *Registry) onRelay(msg RelayMessage) {
	if msg.Origin == r.opts.NodeID {
		return
	}
	room := r.lookup(msg.Key)
	if room == nil {
		return
	}

	switch msg.Kind {
	case RelayUpdate:
		room.mu.Lock()
		if room.state == stateClosed {
			room.mu.Unlock()
			return
		}
		if err := room.store.ApplyRemoteUpdate(msg.Update); err != nil {
			room.mu.Unlock()
			r.log.Warn("drop malformed relay update", "room", room.id, "origin", msg.Origin, "err", err)
			return
		}
		r.markDirtyLocked(room)
		slow := room.fanoutLocked("", Message{Kind: MsgUpdate, Key: room.key, From: msg.SessionID, Update: msg.Update})
		room.mu.Unlock()
		r.dropSlow(room.key, slow)

	case RelayAwareness:
		room.mu.Lock()
		rs := room.remoteLocked(msg.SessionID)
		// 已离开的会话和乱序到达的旧 awareness 直接丢弃
		if msg.Awareness == nil || rs.left || (rs.seen && msg.Awareness.Clock <= rs.clock) {
			room.mu.Unlock()
			return
		}
		rs.seen, rs.clock = true, msg.Awareness.Clock
		slow := room.fanoutLocked("", Message{Kind: MsgAwareness, Key: room.key, From: msg.SessionID, User: msg.User, Awareness: msg.Awareness})
		room.mu.Unlock()
		r.dropSlow(room.key, slow)

	case RelayPresenceLeave:
		room.mu.Lock()
		rs := room.remoteLocked(msg.SessionID)
		if rs.left {
			room.mu.Unlock()
			return
		}
		rs.left = true
		slow := room.fanoutLocked("", Message{Kind: MsgPresenceLeave, Key: room.key, From: msg.SessionID, User: msg.User})
		room.mu.Unlock()
		r.dropSlow(room.key, slow)

	case RelaySyncRequest:
		// 整个文档作为 update 回给请求方，LoadIncremental 可以直接合并
		select {
		case <-room.ready:
		default:
			return
		}
		if room.store.Empty() {
			return
		}
		r.publish(RelayMessage{Key: room.id, Kind: RelayUpdate, Update: room.store.Snapshot()})
	}
}

func (r *Registry) emit(typ string, room *Room, sessionID, userID string) {
	if r.deps.Events == nil {
		return
	}
	evt := RoomEvent{
		EventType: typ,
		EntityKey: room.id,
		Kind:      string(room.key.Kind),
		Workspace: room.key.WorkspaceID,
		SessionID: sessionID,
		UserID:    userID,
		NodeID:    r.opts.NodeID,
		At:        time.Now(),
	}
	if typ == EventSnapshotFlushed || typ == EventRoomClosed {
		evt.Heads = room.store.Heads()
	}
	ctx, cancel := context.WithTimeout(r.ctx, 50*time.Millisecond)
	defer cancel()
	if err := r.deps.Events.Enqueue(ctx, evt); err != nil {
		r.log.Warn("drop room event", "room", room.id, "event", typ, "err", err)
	}
}

// Close 停止接收新的加入，flush 所有脏房间并关闭
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	var errs []error
	for _, room := range rooms {
		select {
		case <-room.ready:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait hydrate %s: %w", room.id, ctx.Err()))
			continue
		}
		if room.hydrateErr != nil {
			continue
		}
		if err := r.flushWithRetry(ctx, room); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", room.id, err))
		}
		r.shutdownRoom(room)
	}
	r.cancel()
	r.wg.Wait()
	return errors.Join(errs...)
}

func (r *Registry) shutdownRoom(room *Room) {
	r.mu.Lock()
	room.mu.Lock()
	if room.state == stateClosed {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	room.state = stateClosed
	for id, s := range room.sessions {
		s.evict()
		delete(room.sessions, id)
	}
	room.stopTimersLocked()
	unsub := room.unsubscribe
	if r.rooms[room.id] == room {
		delete(r.rooms, room.id)
	}
	room.mu.Unlock()
	r.mu.Unlock()

	close(room.closed)
	if unsub != nil {
		unsub()
	}
	r.emit(EventRoomClosed, room, "", "")
}
