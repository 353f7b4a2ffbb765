package collab

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 固定调色板，同一个用户在任何房间里颜色一致
var presencePalette = []string{
	"#E57373", "#F06292", "#BA68C8", "#7986CB",
	"#4FC3F7", "#4DB6AC", "#81C784", "#FFB74D",
	"#A1887F", "#90A4AE",
}

func colorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return presencePalette[h.Sum32()%uint32(len(presencePalette))]
}

// Session 一条连接在一个房间里的参与者会话
type Session struct {
	ID       string
	Key      EntityKey
	User     User
	Color    string
	JoinedAt time.Time

	// out 由房间写入、由传输层消费；队列满即视为慢消费者，直接踢出
	out     chan Message
	evicted chan struct{}
	once    sync.Once

	// 以下字段由所属 Room 的 mu 保护
	awareness *Awareness
}

func newSession(key EntityKey, user User, queueSize int) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Key:      key,
		User:     user,
		Color:    colorFor(user.ID),
		JoinedAt: time.Now(),
		out:      make(chan Message, queueSize),
		evicted:  make(chan struct{}),
	}
}

// Outbound 待发送给该会话的消息
func (s *Session) Outbound() <-chan Message { return s.out }

// Evicted 会话被房间移除（慢消费者或房间关闭）时关闭
func (s *Session) Evicted() <-chan struct{} { return s.evicted }

// enqueue 不阻塞。返回 false 表示队列已满，调用方需要踢出该会话
func (s *Session) enqueue(msg Message) bool {
	select {
	case <-s.evicted:
		return false
	default:
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) evict() {
	s.once.Do(func() { close(s.evicted) })
}

func (s *Session) participant() Participant {
	p := Participant{SessionID: s.ID, User: s.User, Color: s.Color, JoinedAt: s.JoinedAt}
	if s.awareness != nil {
		a := *s.awareness
		p.Awareness = &a
	}
	return p
}
