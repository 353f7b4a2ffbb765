package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// 持久化桥：
// - 第一次出现未保存的 change 后 FlushInterval 触发一次定时 flush
// - 保存失败保留内存状态，后台指数退避重试，直到成功或房间关闭
// - 最后一个人离开时同步做最终 flush
// - version 计数保证一次 flush 不会把之后的修改标记为已保存

func (r *Registry) markDirtyLocked(room *Room) {
	room.version++
	if room.flushTimer == nil && room.state != stateClosed {
		room.flushTimer = time.AfterFunc(r.opts.FlushInterval, func() { r.intervalFlush(room) })
	}
}

func (r *Registry) intervalFlush(room *Room) {
	room.mu.Lock()
	room.flushTimer = nil
	if room.state == stateClosed {
		room.mu.Unlock()
		return
	}
	room.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, r.opts.FlushTimeout)
	defer cancel()
	if err := r.flushOnce(ctx, room); err != nil {
		r.log.Warn("interval flush failed", "room", room.id, "err", err)
		r.scheduleRetry(room)
		return
	}
	r.settle(room)
}

// Flush 立即持久化房间当前状态；失败时转入后台重试并返回错误
func (r *Registry) Flush(ctx context.Context, key EntityKey) error {
	room := r.lookup(key.String())
	if room == nil {
		return ErrRoomNotFound
	}
	select {
	case <-room.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if room.hydrateErr != nil {
		return ErrRoomNotFound
	}
	if err := r.flushOnce(ctx, room); err != nil {
		r.scheduleRetry(room)
		return err
	}
	return nil
}

// flushOnce 保存一次快照。同一房间的保存串行执行
func (r *Registry) flushOnce(ctx context.Context, room *Room) error {
	room.flushMu.Lock()
	defer room.flushMu.Unlock()

	room.mu.Lock()
	version := room.version
	clean := version == room.flushedVersion
	room.mu.Unlock()
	if clean {
		return nil
	}
	// 先读 version 再取快照：快照至少包含 version 之前的全部 change
	snap := room.store.Snapshot()
	heads := room.store.Heads()

	if err := r.sem.Acquire(ctx); err != nil {
		return err
	}
	err := r.deps.Snapshots.Save(ctx, room.id, snap, heads)
	_ = r.sem.Release()

	room.mu.Lock()
	var slow []*Session
	if err != nil {
		if !room.saveFailed {
			room.saveFailed = true
			slow = room.fanoutLocked("", Message{Kind: MsgSaveStatus, Key: room.key, Saved: false})
		}
		room.mu.Unlock()
		r.dropSlow(room.key, slow)
		return fmt.Errorf("save snapshot %s: %w", room.id, err)
	}
	if version > room.flushedVersion {
		room.flushedVersion = version
	}
	room.lastFlush = time.Now()
	if room.saveFailed {
		room.saveFailed = false
		slow = room.fanoutLocked("", Message{Kind: MsgSaveStatus, Key: room.key, Saved: true})
	}
	room.mu.Unlock()
	r.dropSlow(room.key, slow)

	r.log.Debug("snapshot flushed", "room", room.id, "bytes", len(snap), "version", version)
	r.emit(EventSnapshotFlushed, room, "", "")
	return nil
}

func (r *Registry) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryInitialInterval
	b.MaxInterval = r.opts.RetryMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// flushWithRetry 在 ctx 截止前反复重试
func (r *Registry) flushWithRetry(ctx context.Context, room *Room) error {
	op := func() error { return r.flushOnce(ctx, room) }
	notify := func(err error, next time.Duration) {
		r.log.Warn("flush failed, retrying", "room", room.id, "next", next, "err", err)
	}
	return backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(), ctx), notify)
}

func (r *Registry) finalFlush(ctx context.Context, room *Room, done chan struct{}) {
	defer close(done)
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.FinalFlushTimeout)
	defer cancel()
	err := r.flushWithRetry(fctx, room)

	room.mu.Lock()
	if room.state == stateFlushing {
		room.state = stateActive
	}
	room.flushDone = nil
	room.mu.Unlock()

	if err != nil {
		r.log.Error("final flush failed, keeping room in memory", "room", room.id, "err", err)
		r.scheduleRetry(room)
		return
	}
	r.settle(room)
}

// scheduleRetry 后台重试直到保存成功；同一房间同时只有一个重试协程
func (r *Registry) scheduleRetry(room *Room) {
	r.mu.RLock()
	if r.closing {
		r.mu.RUnlock()
		return
	}
	room.mu.Lock()
	if room.retrying || room.state == stateClosed {
		room.mu.Unlock()
		r.mu.RUnlock()
		return
	}
	room.retrying = true
	room.mu.Unlock()
	r.wg.Add(1)
	r.mu.RUnlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithCancel(r.ctx)
		defer cancel()
		go func() {
			select {
			case <-room.closed:
				cancel()
			case <-ctx.Done():
			}
		}()

		op := func() error {
			attemptCtx, done := context.WithTimeout(ctx, r.opts.FlushTimeout)
			defer done()
			return r.flushOnce(attemptCtx, room)
		}
		notify := func(err error, next time.Duration) {
			r.log.Warn("background flush failed", "room", room.id, "next", next, "err", err)
		}
		err := backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(), ctx), notify)

		room.mu.Lock()
		room.retrying = false
		room.mu.Unlock()
		if err != nil {
			return
		}
		r.log.Info("background flush recovered", "room", room.id)
		r.settle(room)
	}()
}

// Pin 在 release 调用之前，房间即使没有会话也不会被关闭
func (r *Registry) Pin(key EntityKey) (func(), error) {
	room := r.lookup(key.String())
	if room == nil {
		return nil, ErrRoomNotFound
	}
	room.mu.Lock()
	if room.state == stateClosed || room.state == stateHydrating {
		room.mu.Unlock()
		return nil, ErrRoomClosed
	}
	room.pins++
	room.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { r.unpin(room) }) }, nil
}

// unpin 最后一个 pin 释放且房间已空时立即 flush，成功后关闭
func (r *Registry) unpin(room *Room) {
	room.mu.Lock()
	room.pins--
	idle := room.pins == 0 && room.state == stateActive && len(room.sessions) == 0
	if idle && room.flushTimer != nil {
		room.flushTimer.Stop()
		room.flushTimer = nil
	}
	room.mu.Unlock()
	if !idle {
		return
	}

	r.mu.RLock()
	if r.closing {
		r.mu.RUnlock()
		return
	}
	r.wg.Add(1)
	r.mu.RUnlock()
	go func() {
		defer r.wg.Done()
		r.intervalFlush(room)
	}()
}

// settle 房间没人且已保存时：立即关闭，或在 IdleGrace 之后关闭
func (r *Registry) settle(room *Room) {
	room.mu.Lock()
	idle := room.state == stateActive && len(room.sessions) == 0 && room.pins == 0 && !room.dirtyLocked()
	if !idle {
		room.mu.Unlock()
		return
	}
	if r.opts.IdleGrace > 0 {
		if room.idleTimer == nil {
			room.idleTimer = time.AfterFunc(r.opts.IdleGrace, func() { r.tryClose(room) })
		}
		room.mu.Unlock()
		return
	}
	room.mu.Unlock()
	r.tryClose(room)
}

// tryClose 只关闭空闲且没有未保存修改的房间
func (r *Registry) tryClose(room *Room) bool {
	r.mu.Lock()
	room.mu.Lock()
	if room.state != stateActive || len(room.sessions) > 0 || room.pins > 0 || room.dirtyLocked() {
		room.idleTimer = nil
		room.mu.Unlock()
		r.mu.Unlock()
		return false
	}
	room.state = stateClosed
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
	r.log.Info("room closed", "room", room.id)
	r.emit(EventRoomClosed, room, "", "")
	return true
}
