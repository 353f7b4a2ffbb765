// Package rowsync 负责数据库行的乐观修改：先改共享镜像并广播，再异步写入行存储，
// 写入失败时把镜像回滚到上一次确认的值。
//
// 同一字段的并发修改按共享 map 的 last-writer-wins 处理，不做字段级合并。
package rowsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/store"

	"github.com/automerge/automerge-go"
)

var (
	ErrNotDatabase  = errors.New("rowsync: entity is not a database")
	ErrInvalidValue = errors.New("rowsync: value is not valid JSON")
	ErrRowNotFound  = errors.New("rowsync: row not found")
	ErrRowExists    = errors.New("rowsync: row already exists")
)

// Mutator 共享镜像所在的房间（collab.Registry）
type Mutator interface {
	ApplyLocalChange(ctx context.Context, key collab.EntityKey, change crdt.Change) ([]byte, error)
	View(key collab.EntityKey, fn func(doc *automerge.Doc) error) error
	SendTo(key collab.EntityKey, sessionID string, msg collab.Message) error
	// Pin 写入未完成前房间不会被关闭，回滚总能落到镜像上
	Pin(key collab.EntityKey) (release func(), err error)
}

// RowWriter 行的持久化（store.RowStore）
type RowWriter interface {
	CreateRow(ctx context.Context, databaseID, rowID string, fields map[string]json.RawMessage) error
	UpdateRowField(ctx context.Context, databaseID, rowID, fieldID string, value json.RawMessage) error
	DeleteRow(ctx context.Context, databaseID, rowID string) error
}

type Options struct {
	WriteTimeout time.Duration
	Events       collab.EventSink
	Logger       *slog.Logger
}

// roomRows 一个数据库房间的行状态。mu 串行化该房间的镜像修改，
// 保证读 base、应用修改、回滚之间没有同房间的其他写入；不同房间互不影响
type roomRows struct {
	mu   sync.Mutex
	rows map[string]*rowState
	// refs 持锁者和未完成写入的数量，由 Service.mu 保护
	refs int
}

// rowState 一行上排队中的写入。tail 在最后一个排队写入完成时关闭
type rowState struct {
	tail    chan struct{}
	pending int
	fields  map[string]*fieldState
}

// fieldState：base 是最近确认的值（nil 表示字段不存在），seq 是最近一次提交的写入序号
type fieldState struct {
	base json.RawMessage
	seq  uint64
}

// finishFunc 在房间锁内处理写入结果，返回需要在锁外执行的通知
type finishFunc func(err error) (notify func())

type Service struct {
	mutator Mutator
	rows    RowWriter
	events  collab.EventSink
	log     *slog.Logger
	timeout time.Duration

	mu    sync.Mutex
	rooms map[string]*roomRows
	wg    sync.WaitGroup
}

func NewService(mutator Mutator, rows RowWriter, opt Options) *Service {
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		mutator: mutator,
		rows:    rows,
		events:  opt.Events,
		log:     logger.With("component", "rowsync"),
		timeout: opt.WriteTimeout,
		rooms:   make(map[string]*roomRows),
	}
}

func (s *Service) acquire(id string) *roomRows {
	s.mu.Lock()
	defer s.mu.Unlock()
	rr, ok := s.rooms[id]
	if !ok {
		rr = &roomRows{rows: make(map[string]*rowState)}
		s.rooms[id] = rr
	}
	rr.refs++
	return rr
}

func (s *Service) release(id string, rr *roomRows) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rr.refs--
	if rr.refs == 0 && s.rooms[id] == rr {
		delete(s.rooms, id)
	}
}

func (s *Service) lockRoom(id string) *roomRows {
	rr := s.acquire(id)
	rr.mu.Lock()
	return rr
}

func (s *Service) unlockRoom(id string, rr *roomRows) {
	rr.mu.Unlock()
	s.release(id, rr)
}

// UpdateField 乐观修改一个字段
func (s *Service) UpdateField(ctx context.Context, key collab.EntityKey, sessionID, rowID, fieldID string, value json.RawMessage) error {
	if key.Kind != collab.KindDatabase {
		return ErrNotDatabase
	}
	if !json.Valid(value) {
		return ErrInvalidValue
	}
	value = append(json.RawMessage(nil), value...)

	id := key.String()
	rr := s.lockRoom(id)
	defer s.unlockRoom(id, rr)

	unpin, err := s.mutator.Pin(key)
	if err != nil {
		return err
	}

	var prev json.RawMessage
	err = s.mutator.View(key, func(doc *automerge.Doc) error {
		_, exists, err := rowMap(doc, rowID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrRowNotFound
		}
		cur, ok, err := readField(doc, rowID, fieldID)
		if err != nil {
			return err
		}
		if ok {
			prev = json.RawMessage(cur)
		}
		return nil
	})
	if err != nil {
		unpin()
		return err
	}

	_, err = s.mutator.ApplyLocalChange(ctx, key, func(doc *automerge.Doc) error {
		return setField(doc, rowID, fieldID, value)
	})
	if err != nil {
		unpin()
		return fmt.Errorf("apply row update: %w", err)
	}

	rs := rr.row(rowID)
	fs, ok := rs.fields[fieldID]
	if !ok {
		fs = &fieldState{base: prev}
		rs.fields[fieldID] = fs
	}
	fs.seq++
	seq := fs.seq

	s.enqueueLocked(id, rr, rowID, unpin, func(wctx context.Context) error {
		return s.rows.UpdateRowField(wctx, key.EntityID, rowID, fieldID, value)
	}, func(err error) func() {
		return s.finishFieldLocked(rs, key, sessionID, rowID, fieldID, value, seq, err)
	})
	return nil
}

// CreateRow 乐观创建一行
func (s *Service) CreateRow(ctx context.Context, key collab.EntityKey, sessionID, rowID string, fields map[string]json.RawMessage) error {
	if key.Kind != collab.KindDatabase {
		return ErrNotDatabase
	}
	for _, v := range fields {
		if !json.Valid(v) {
			return ErrInvalidValue
		}
	}

	id := key.String()
	rr := s.lockRoom(id)
	defer s.unlockRoom(id, rr)

	unpin, err := s.mutator.Pin(key)
	if err != nil {
		return err
	}
	_, err = s.mutator.ApplyLocalChange(ctx, key, func(doc *automerge.Doc) error {
		if _, exists, err := rowMap(doc, rowID); err != nil || exists {
			if err != nil {
				return err
			}
			return ErrRowExists
		}
		return writeRow(doc, rowID, fields)
	})
	if err != nil {
		unpin()
		return err
	}

	s.enqueueLocked(id, rr, rowID, unpin, func(wctx context.Context) error {
		return s.rows.CreateRow(wctx, key.EntityID, rowID, fields)
	}, func(err error) func() {
		if err == nil {
			return nil
		}
		return s.revertLocked(key, sessionID, rowID, "", err, func(doc *automerge.Doc) error {
			if _, exists, err := rowMap(doc, rowID); err != nil || !exists {
				if err != nil {
					return err
				}
				return errSuperseded
			}
			return doc.RootMap().Delete(rowKey(rowID))
		})
	})
	return nil
}

// DeleteRow 乐观删除一行；持久化失败时用删除前的字段恢复
func (s *Service) DeleteRow(ctx context.Context, key collab.EntityKey, sessionID, rowID string) error {
	if key.Kind != collab.KindDatabase {
		return ErrNotDatabase
	}

	id := key.String()
	rr := s.lockRoom(id)
	defer s.unlockRoom(id, rr)

	unpin, err := s.mutator.Pin(key)
	if err != nil {
		return err
	}
	var before map[string]json.RawMessage
	_, err = s.mutator.ApplyLocalChange(ctx, key, func(doc *automerge.Doc) error {
		fields, exists, err := readRow(doc, rowID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrRowNotFound
		}
		before = fields
		return doc.RootMap().Delete(rowKey(rowID))
	})
	if err != nil {
		unpin()
		return err
	}

	s.enqueueLocked(id, rr, rowID, unpin, func(wctx context.Context) error {
		err := s.rows.DeleteRow(wctx, key.EntityID, rowID)
		if errors.Is(err, store.ErrRowNotFound) {
			return nil
		}
		return err
	}, func(err error) func() {
		if err == nil {
			return nil
		}
		return s.revertLocked(key, sessionID, rowID, "", err, func(doc *automerge.Doc) error {
			if _, exists, err := rowMap(doc, rowID); err != nil || exists {
				if err != nil {
					return err
				}
				return errSuperseded
			}
			return writeRow(doc, rowID, before)
		})
	})
	return nil
}

// Wait 等待所有排队中的持久化写入（包括回滚）完成
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rr *roomRows) row(rowID string) *rowState {
	rs, ok := rr.rows[rowID]
	if !ok {
		rs = &rowState{fields: make(map[string]*fieldState)}
		rr.rows[rowID] = rs
	}
	return rs
}

// enqueueLocked 同一行的写入按提交顺序串行执行。调用方持有 rr.mu。
// 写入结束、回滚应用之后才释放房间的 pin
func (s *Service) enqueueLocked(id string, rr *roomRows, rowID string, unpin func(), write func(ctx context.Context) error, finish finishFunc) {
	rs := rr.row(rowID)
	prev := rs.tail
	done := make(chan struct{})
	rs.tail = done
	rs.pending++
	s.acquire(id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(id, rr)
		defer unpin()
		defer close(done)
		if prev != nil {
			<-prev
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := write(ctx)
		cancel()
		if err != nil {
			s.log.Warn("row write failed", "room", id, "row", rowID, "err", err)
		}

		rr.mu.Lock()
		notify := finish(err)
		rs.pending--
		if rs.pending == 0 && rr.rows[rowID] == rs {
			delete(rr.rows, rowID)
		}
		rr.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()
}

// finishFieldLocked 调用方持有房间锁；字段状态的清理和回滚在同一次持锁内完成
func (s *Service) finishFieldLocked(rs *rowState, key collab.EntityKey, sessionID, rowID, fieldID string, value json.RawMessage, seq uint64, err error) func() {
	fs := rs.fields[fieldID]
	if fs == nil {
		return nil
	}
	if err == nil {
		fs.base = value
		if fs.seq == seq {
			delete(rs.fields, fieldID)
		}
		return nil
	}
	if fs.seq != seq {
		// 之后还有同字段的写入，由最后一个写入的结果决定
		return nil
	}
	base := fs.base
	delete(rs.fields, fieldID)
	return s.revertLocked(key, sessionID, rowID, fieldID, err, func(doc *automerge.Doc) error {
		cur, ok, err := readField(doc, rowID, fieldID)
		if err != nil {
			return err
		}
		if !ok || !bytes.Equal([]byte(cur), value) {
			return errSuperseded
		}
		return setField(doc, rowID, fieldID, base)
	})
}

// revertLocked 把镜像恢复到确认过的值，返回回滚成功后的通知
func (s *Service) revertLocked(key collab.EntityKey, sessionID, rowID, fieldID string, cause error, revert crdt.Change) func() {
	_, err := s.mutator.ApplyLocalChange(context.Background(), key, revert)
	switch {
	case errors.Is(err, errSuperseded), errors.Is(err, ErrRowNotFound):
		s.log.Info("skip rollback, value superseded", "room", key.String(), "row", rowID, "field", fieldID)
		return nil
	case errors.Is(err, collab.ErrRoomNotFound), errors.Is(err, collab.ErrRoomClosed):
		s.log.Warn("skip rollback, room gone", "room", key.String(), "row", rowID, "field", fieldID)
		return nil
	case err != nil:
		s.log.Error("rollback failed", "room", key.String(), "row", rowID, "field", fieldID, "err", err)
		return nil
	}
	return func() { s.notifyRollback(key, sessionID, rowID, fieldID, cause) }
}

func (s *Service) notifyRollback(key collab.EntityKey, sessionID, rowID, fieldID string, cause error) {
	s.log.Warn("row change rolled back", "room", key.String(), "row", rowID, "field", fieldID, "session", sessionID, "cause", cause)
	reason := cause.Error()
	msg := collab.Message{Kind: collab.MsgRowRollback, Rollback: &collab.RowRollback{RowID: rowID, FieldID: fieldID, Reason: reason}}
	if sessionID != "" {
		if err := s.mutator.SendTo(key, sessionID, msg); err != nil && !errors.Is(err, collab.ErrSessionNotFound) {
			s.log.Warn("notify rollback failed", "room", key.String(), "session", sessionID, "err", err)
		}
	}
	if s.events != nil {
		evt := collab.RoomEvent{
			EventType: collab.EventRowRolledBack,
			EntityKey: key.String(),
			Kind:      string(key.Kind),
			Workspace: key.WorkspaceID,
			SessionID: sessionID,
			Detail:    rowID + "/" + fieldID,
			At:        time.Now(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_ = s.events.Enqueue(ctx, evt)
	}
}
