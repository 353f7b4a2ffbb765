package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"collabsync/backend/internal/collab"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Rooms 连接层用到的房间操作（collab.Registry）
type Rooms interface {
	Join(ctx context.Context, key collab.EntityKey, user collab.User) (*collab.Session, collab.JoinResult, error)
	Leave(ctx context.Context, key collab.EntityKey, sessionID string) error
	ApplyUpdate(ctx context.Context, key collab.EntityKey, fromSessionID string, update []byte) error
	UpdateAwareness(ctx context.Context, key collab.EntityKey, sessionID string, a collab.Awareness) error
	Touch(ctx context.Context, key collab.EntityKey, sessionID string) error
}

// RowEditor 数据库行的乐观修改（rowsync.Service）
type RowEditor interface {
	UpdateField(ctx context.Context, key collab.EntityKey, sessionID, rowID, fieldID string, value json.RawMessage) error
	CreateRow(ctx context.Context, key collab.EntityKey, sessionID, rowID string, fields map[string]json.RawMessage) error
	DeleteRow(ctx context.Context, key collab.EntityKey, sessionID, rowID string) error
}

type Options struct {
	// AllowedOrigins 按前缀匹配；包含 "*" 时放行所有来源
	AllowedOrigins []string
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	JoinTimeout    time.Duration
	SendBuffer     int
	Logger         *slog.Logger
}

func (o *Options) setDefaults() {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4 << 20
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 15 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Manager struct {
	rooms    Rooms
	rows     RowEditor
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewManager rows 为空时拒绝 row_* 帧
func NewManager(rooms Rooms, rows RowEditor, opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		rooms: rooms,
		rows:  rows,
		opts:  opts,
		log:   opts.Logger.With("component", "ws"),
	}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.opts.AllowedOrigins {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect GET /collab/ws。身份由前置的 Identity 中间件写入 gin.Context
func (m *Manager) WebSocketConnect(c *gin.Context) {
	user := collab.User{
		ID:    c.GetString("userId"),
		Name:  c.GetString("username"),
		Email: c.GetString("email"),
	}
	if user.ID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "unauthenticated", "message": "missing identity"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", "origin", c.Request.Header.Get("Origin"), "err", err)
		return
	}

	wsConn := newConn(conn, m, user)
	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.enqueue(ServerMessage{Type: TypeWelcome, UserID: user.ID})

	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}
