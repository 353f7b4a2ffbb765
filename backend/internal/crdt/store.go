// Package crdt 持有单个协作实体（页面 / 数据库）的副本状态。
//
// Store 包装一个 automerge 文档。节点之间交换的 Update 是 automerge change 的二进制编码，
// 对本包以外的各层都是不透明的字节。
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

var (
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	ErrCorruptSnapshot = errors.New("crdt: corrupt snapshot")
	ErrNotEmpty        = errors.New("crdt: store already has content")
)

// automerge 的 document / change chunk 都以这 4 个字节开头
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

// Update：一组编码后的 change。重复应用幂等，与其他 Update 的应用顺序可交换。
type Update []byte

// Change 修改文档。它在私有 fork 上执行，返回错误时 Store 不受影响。
type Change func(doc *automerge.Doc) error

// maxPending 等待依赖的 change 数量上限
const maxPending = 4096

// snapshotActor 规范化快照所用的 actor，快照字节与本地 actor 无关
const snapshotActor = "00000000000000000000000000000000"

type Store struct {
	mu    sync.Mutex
	actor string
	doc   *automerge.Doc
	// pending 依赖尚未到达的 change，按 hash 去重
	pending map[automerge.ChangeHash]*automerge.Change
}

// NewActorID 返回随机的十六进制 actor id
func NewActorID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func New(actorID string) (*Store, error) {
	if actorID == "" {
		actorID = NewActorID()
	}
	doc := automerge.New()
	if err := doc.SetActorID(actorID); err != nil {
		return nil, fmt.Errorf("set actor id: %w", err)
	}
	return &Store{actor: actorID, doc: doc, pending: make(map[automerge.ChangeHash]*automerge.Change)}, nil
}

func (s *Store) ActorID() string { return s.actor }

// ApplyLocalChange 应用本地产生的修改，返回需要广播给其他节点的 Update。
// 没有产生任何操作时返回 nil。
func (s *Store) ApplyLocalChange(change Change) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.doc.Heads()
	fork, err := s.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork doc: %w", err)
	}
	if err := fork.SetActorID(s.actor); err != nil {
		return nil, fmt.Errorf("set fork actor: %w", err)
	}
	if err := change(fork); err != nil {
		return nil, err
	}

	changes, err := fork.Changes(before...)
	if err != nil {
		return nil, fmt.Errorf("collect changes: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	if err := s.doc.Apply(changes...); err != nil {
		return nil, fmt.Errorf("apply local changes: %w", err)
	}

	var buf bytes.Buffer
	for _, c := range changes {
		buf.Write(c.Save())
	}
	return Update(buf.Bytes()), nil
}

// ApplyRemoteUpdate 合并来自其他参与者或其他节点的 Update。
// 重复的 change 直接忽略；依赖尚未到达的 change 暂存在 pending 中，依赖到达后再应用。
// 只有无法解码的字节才返回 ErrMalformedUpdate。
func (s *Store) ApplyRemoteUpdate(u Update) error {
	if len(u) == 0 {
		return nil
	}
	if !bytes.HasPrefix(u, chunkMagic) {
		return ErrMalformedUpdate
	}
	changes, err := automerge.LoadChanges(u)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		// 完整文档（sync_request 的应答）不依赖其他 change，直接合并
		if lerr := s.doc.LoadIncremental(u); lerr != nil {
			return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
		return s.drainPending()
	}
	for _, c := range changes {
		h := c.Hash()
		if s.hasChange(h) {
			continue
		}
		if _, ok := s.pending[h]; !ok && len(s.pending) >= maxPending {
			return fmt.Errorf("%w: too many changes waiting for dependencies", ErrMalformedUpdate)
		}
		s.pending[h] = c
	}
	return s.drainPending()
}

// Pending 返回等待依赖的 change 数
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Store) hasChange(h automerge.ChangeHash) bool {
	_, err := s.doc.Change(h)
	return err == nil
}

// drainPending 反复应用依赖已满足的 change，直到没有进展。调用方持有 s.mu
func (s *Store) drainPending() error {
	var failed error
	for progress := true; progress && len(s.pending) > 0; {
		progress = false
		for _, h := range sortedHashes(s.pending) {
			c := s.pending[h]
			if s.hasChange(h) {
				delete(s.pending, h)
				continue
			}
			if !s.depsPresent(c) {
				continue
			}
			delete(s.pending, h)
			if err := s.doc.Apply(c); err != nil {
				failed = fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
				continue
			}
			progress = true
		}
	}
	return failed
}

func (s *Store) depsPresent(c *automerge.Change) bool {
	for _, d := range c.Dependencies() {
		if !s.hasChange(d) {
			return false
		}
	}
	return true
}

func sortedHashes(m map[automerge.ChangeHash]*automerge.Change) []automerge.ChangeHash {
	out := make([]automerge.ChangeHash, 0, len(m))
	for h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Snapshot 返回规范化编码：全部 change 按拓扑序（并发的按 hash）应用到固定 actor 的新文档后保存。
// change 集合相同的副本得到逐字节相同的快照。
func (s *Store) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes, err := s.doc.Changes()
	if err != nil || len(changes) == 0 {
		return s.doc.Save()
	}
	canon := automerge.New()
	if err := canon.SetActorID(snapshotActor); err != nil {
		return s.doc.Save()
	}
	if err := canon.Apply(topoOrder(changes)...); err != nil {
		return s.doc.Save()
	}
	return canon.Save()
}

// topoOrder Kahn 拓扑排序，同一层内按 hash 升序
func topoOrder(changes []*automerge.Change) []*automerge.Change {
	byHash := make(map[automerge.ChangeHash]*automerge.Change, len(changes))
	for _, c := range changes {
		byHash[c.Hash()] = c
	}
	indeg := make(map[automerge.ChangeHash]int, len(changes))
	children := make(map[automerge.ChangeHash][]automerge.ChangeHash, len(changes))
	for h, c := range byHash {
		for _, d := range c.Dependencies() {
			if _, ok := byHash[d]; !ok {
				continue
			}
			indeg[h]++
			children[d] = append(children[d], h)
		}
	}
	// ready 保持按 hash 升序
	var ready []automerge.ChangeHash
	push := func(h automerge.ChangeHash) {
		i := sort.Search(len(ready), func(i int) bool { return bytes.Compare(ready[i][:], h[:]) >= 0 })
		ready = append(ready, automerge.ChangeHash{})
		copy(ready[i+1:], ready[i:])
		ready[i] = h
	}
	for h := range byHash {
		if indeg[h] == 0 {
			push(h)
		}
	}
	out := make([]*automerge.Change, 0, len(changes))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		out = append(out, byHash[next])
		for _, ch := range children[next] {
			indeg[ch]--
			if indeg[ch] == 0 {
				push(ch)
			}
		}
	}
	return out
}

// Hydrate 用持久化快照初始化一个空 Store
func (s *Store) Hydrate(snapshot []byte) error {
	if len(snapshot) == 0 || !bytes.HasPrefix(snapshot, chunkMagic) {
		return ErrCorruptSnapshot
	}
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if err := doc.SetActorID(s.actor); err != nil {
		return fmt.Errorf("set actor id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.doc.Heads()) > 0 {
		return ErrNotEmpty
	}
	s.doc = doc
	// 快照可能补齐了暂存 change 的依赖；应用失败的 change 直接丢弃
	_ = s.drainPending()
	return nil
}

// Heads 返回当前 frontier 的 hash（已排序）。heads 相同的两个 Store 持有相同的 change 集合。
func (s *Store) Heads() []string {
	s.mu.Lock()
	heads := s.doc.Heads()
	s.mu.Unlock()

	out := make([]string, 0, len(heads))
	for _, h := range heads {
		out = append(out, h.String())
	}
	sort.Strings(out)
	return out
}

func (s *Store) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Heads()) == 0
}

// View 以只读方式访问文档，fn 内不允许修改
func (s *Store) View(fn func(doc *automerge.Doc) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.doc)
}
