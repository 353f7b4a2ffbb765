package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/rowsync"

	"github.com/gorilla/websocket"
)

// Conn 一条 websocket 连接。同一时间最多加入一个房间；再次 join 会先离开当前房间。
// 读循环按顺序处理帧，写循环独占写端
type Conn struct {
	ws   *websocket.Conn
	m    *Manager
	user collab.User

	send      chan ServerMessage
	closed    chan struct{}
	closeOnce sync.Once

	// mu 保护当前会话；只有读循环会修改，pump 协程转发时持有
	mu   sync.Mutex
	sess *collab.Session
}

func newConn(ws *websocket.Conn, m *Manager, user collab.User) *Conn {
	return &Conn{
		ws:     ws,
		m:      m,
		user:   user,
		send:   make(chan ServerMessage, m.opts.SendBuffer),
		closed: make(chan struct{}),
	}
}

// shutdown 通知写循环发送 close 帧并关闭底层连接
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// enqueue 阻塞直到写循环接收或连接关闭
func (c *Conn) enqueue(msg ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Conn) current() *collab.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.leaveCurrent(context.WithoutCancel(ctx))
		c.shutdown()
	}()

	c.ws.SetReadLimit(c.m.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.m.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.m.opts.PongWait))
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.m.log.Info("websocket read failed", "user", c.user.ID, "err", err)
			}
			return
		}
		// 任何客户端帧都算活跃
		_ = c.ws.SetReadDeadline(time.Now().Add(c.m.opts.PongWait))
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	if msg.Type == TypeJoin {
		c.join(ctx, msg)
		return
	}

	sess := c.current()
	if sess == nil {
		if msg.Type == TypeHeartbeat {
			c.enqueue(ServerMessage{Type: TypePong})
			return
		}
		c.sendError("not_joined", "join a room first")
		return
	}
	key := sess.Key

	switch msg.Type {
	case TypeLeave:
		c.leaveCurrent(ctx)

	case TypeUpdate:
		if err := c.m.rooms.ApplyUpdate(ctx, key, sess.ID, msg.Update); err != nil {
			c.sendErr(err)
		}

	case TypeAwareness:
		a := collab.Awareness{Cursor: msg.Cursor, Selection: msg.Selection, Typing: msg.Typing, Clock: msg.Clock}
		err := c.m.rooms.UpdateAwareness(ctx, key, sess.ID, a)
		if err != nil && !errors.Is(err, collab.ErrStaleAwareness) {
			c.sendErr(err)
		}

	case TypeRowUpdate, TypeRowCreate, TypeRowDelete:
		c.handleRow(ctx, sess, msg)

	case TypeHeartbeat:
		if err := c.m.rooms.Touch(ctx, key, sess.ID); err != nil {
			c.m.log.Warn("presence heartbeat failed", "room", key.String(), "session", sess.ID, "err", err)
		}
		c.enqueue(ServerMessage{Type: TypePong, Key: key.String()})

	default:
		c.sendError("unknown_type", "unknown message type "+msg.Type)
	}
}

func (c *Conn) handleRow(ctx context.Context, sess *collab.Session, msg ClientMessage) {
	if c.m.rows == nil {
		c.sendError("rows_unavailable", "row editing is disabled")
		return
	}
	if msg.RowID == "" {
		c.sendError("invalid_row", "rowId is required")
		return
	}
	var err error
	switch msg.Type {
	case TypeRowUpdate:
		if msg.FieldID == "" {
			c.sendError("invalid_row", "fieldId is required")
			return
		}
		err = c.m.rows.UpdateField(ctx, sess.Key, sess.ID, msg.RowID, msg.FieldID, msg.Value)
	case TypeRowCreate:
		err = c.m.rows.CreateRow(ctx, sess.Key, sess.ID, msg.RowID, msg.Fields)
	case TypeRowDelete:
		err = c.m.rows.DeleteRow(ctx, sess.Key, sess.ID, msg.RowID)
	}
	if err != nil {
		c.sendErr(err)
	}
}

func (c *Conn) join(ctx context.Context, msg ClientMessage) {
	key := collab.EntityKey{Kind: collab.EntityKind(msg.Kind), WorkspaceID: msg.WorkspaceID, EntityID: msg.EntityID}
	c.leaveCurrent(ctx)

	jctx, cancel := context.WithTimeout(ctx, c.m.opts.JoinTimeout)
	defer cancel()
	sess, res, err := c.m.rooms.Join(jctx, key, c.user)
	if err != nil {
		c.m.log.Info("join rejected", "room", key.String(), "user", c.user.ID, "err", err)
		code, text := errorCode(err)
		c.enqueue(ServerMessage{Type: TypeRejected, Key: key.String(), Code: code, Message: text})
		return
	}

	// joined 必须先于会话队列里的任何消息写出
	c.enqueue(ServerMessage{
		Type:      TypeJoined,
		Key:       key.String(),
		UserID:    c.user.ID,
		SessionID: sess.ID,
		Color:     sess.Color,
		Roster:    res.Roster,
		Snapshot:  res.Snapshot,
		Heads:     res.Heads,
	})
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	go c.pump(sess)
}

func (c *Conn) leaveCurrent(ctx context.Context) {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return
	}
	err := c.m.rooms.Leave(ctx, sess.Key, sess.ID)
	if err != nil && !errors.Is(err, collab.ErrSessionNotFound) && !errors.Is(err, collab.ErrRoomNotFound) {
		c.m.log.Warn("leave failed", "room", sess.Key.String(), "session", sess.ID, "err", err)
	}
}

// pump 把房间投递给会话的消息转交写循环。
// 会话被房间踢出（慢消费者、房间关闭）而连接仍停留在该会话时，关闭连接让客户端重连。
// 会话离开或被踢出后，队列里剩下的消息全部丢弃
func (c *Conn) pump(sess *collab.Session) {
	for {
		select {
		case m := <-sess.Outbound():
			if !c.forward(sess, m) {
				return
			}
		case <-sess.Evicted():
			if c.current() == sess {
				c.m.log.Warn("session evicted, closing connection", "room", sess.Key.String(), "session", sess.ID)
				c.shutdown()
			}
			return
		case <-c.closed:
			return
		}
	}
}

// forward 只在连接仍停留在 sess 时转发，否则丢弃；返回 false 表示连接已关闭。
// 持有 mu 直到入队完成，离开当前房间之后不会再有旧房间的消息写出
func (c *Conn) forward(sess *collab.Session, m collab.Message) bool {
	select {
	case <-sess.Evicted():
		return true
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return true
	}
	return c.enqueue(fromRoomMessage(m))
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.m.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
		// 关闭底层连接，阻塞中的 ReadJSON 随之返回
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.m.opts.WriteWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.m.log.Info("websocket write failed", "user", c.user.ID, "type", msg.Type, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.m.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.m.opts.WriteWait))
			return
		}
	}
}

func (c *Conn) sendError(code, text string) {
	c.enqueue(ServerMessage{Type: TypeError, Code: code, Message: text})
}

func (c *Conn) sendErr(err error) {
	code, text := errorCode(err)
	c.sendError(code, text)
}

// errorCode 把领域错误映射为客户端可识别的错误码
func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, collab.ErrUnauthorized):
		return "unauthorized", err.Error()
	case errors.Is(err, collab.ErrInvalidKey):
		return "invalid_key", err.Error()
	case errors.Is(err, collab.ErrHydrationFailed):
		return "hydration_failed", err.Error()
	case errors.Is(err, collab.ErrRegistryClosed), errors.Is(err, collab.ErrRoomClosed):
		return "unavailable", err.Error()
	case errors.Is(err, crdt.ErrMalformedUpdate), errors.Is(err, collab.ErrEmptyUpdate):
		return "malformed_update", err.Error()
	case errors.Is(err, collab.ErrSessionNotFound), errors.Is(err, collab.ErrRoomNotFound):
		return "not_joined", err.Error()
	case errors.Is(err, rowsync.ErrNotDatabase):
		return "not_database", err.Error()
	case errors.Is(err, rowsync.ErrInvalidValue):
		return "invalid_value", err.Error()
	case errors.Is(err, rowsync.ErrRowNotFound):
		return "row_not_found", err.Error()
	case errors.Is(err, rowsync.ErrRowExists):
		return "row_exists", err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", err.Error()
	default:
		return "internal", "internal error"
	}
}
