package handlers

import (
	"context"
	"errors"
	"net/http"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"

	"github.com/gin-gonic/gin"
)

// RoomReader 管理接口用到的房间操作（collab.Registry）
type RoomReader interface {
	NodeID() string
	Rooms() []collab.RoomInfo
	Roster(key collab.EntityKey) ([]collab.Participant, error)
	Snapshot(ctx context.Context, key collab.EntityKey) ([]byte, error)
	Flush(ctx context.Context, key collab.EntityKey) error
}

// PresenceReader Redis 中的在线成员（cache.RedisPresence）
type PresenceReader interface {
	AliveMembers(ctx context.Context, room string) ([]cache.PresenceMember, error)
}

type Rooms struct {
	rooms    RoomReader
	presence PresenceReader
	authz    collab.Authorizer
}

// NewRooms presence 或 authz 可以为空
func NewRooms(rooms RoomReader, presence PresenceReader, authz collab.Authorizer) *Rooms {
	return &Rooms{rooms: rooms, presence: presence, authz: authz}
}

// Register 挂在已经过 Identity 中间件的路由组上
func (h *Rooms) Register(g gin.IRoutes) {
	g.GET("/rooms", h.List)
	g.GET("/rooms/:workspace/:kind/:id/members", h.Members)
	g.GET("/rooms/:workspace/:kind/:id/presence", h.Presence)
	g.GET("/rooms/:workspace/:kind/:id/snapshot", h.Snapshot)
	g.POST("/rooms/:workspace/:kind/:id/flush", h.Flush)
}

func (h *Rooms) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "ok",
		"node":    h.rooms.NodeID(),
		"rooms":   len(h.rooms.Rooms()),
	})
}

func (h *Rooms) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.rooms.Rooms()})
}

func (h *Rooms) Members(c *gin.Context) {
	key, ok := h.entity(c)
	if !ok {
		return
	}
	roster, err := h.rooms.Roster(key)
	if errors.Is(err, collab.ErrRoomNotFound) {
		roster = []collab.Participant{}
	} else if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key.String(), "members": roster})
}

func (h *Rooms) Presence(c *gin.Context) {
	key, ok := h.entity(c)
	if !ok {
		return
	}
	if h.presence == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "PRESENCE_DISABLED", "message": "presence mirror is not enabled"})
		return
	}
	members, err := h.presence.AliveMembers(c.Request.Context(), key.String())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"code": "PRESENCE_UNAVAILABLE", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key.String(), "members": members})
}

func (h *Rooms) Snapshot(c *gin.Context) {
	key, ok := h.entity(c)
	if !ok {
		return
	}
	snap, err := h.rooms.Snapshot(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", snap)
}

func (h *Rooms) Flush(c *gin.Context) {
	key, ok := h.entity(c)
	if !ok {
		return
	}
	if err := h.rooms.Flush(c.Request.Context(), key); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key.String(), "flushed": true})
}

// entity 解析路径中的实体并校验调用者是工作区成员
func (h *Rooms) entity(c *gin.Context) (collab.EntityKey, bool) {
	key := collab.EntityKey{
		Kind:        collab.EntityKind(c.Param("kind")),
		WorkspaceID: c.Param("workspace"),
		EntityID:    c.Param("id"),
	}
	if err := key.Validate(); err != nil {
		writeError(c, err)
		return key, false
	}
	if h.authz != nil {
		allowed, err := h.authz.IsAuthorized(c.Request.Context(), c.GetString("userId"), key.WorkspaceID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"code": "AUTH_UPSTREAM_ERROR", "message": err.Error()})
			return key, false
		}
		if !allowed {
			writeError(c, collab.ErrUnauthorized)
			return key, false
		}
	}
	return key, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collab.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_KEY", "message": err.Error()})
	case errors.Is(err, collab.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": err.Error()})
	case errors.Is(err, collab.ErrNoSnapshot), errors.Is(err, collab.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"code": "TIMEOUT", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
	}
}
