package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/query"
)

// FaultFunc 故障注入：返回非 nil 时该操作以此错误失败
type FaultFunc func(op domain.Operation, path string) error

type memDoc struct {
	fields  map[string]any
	updated time.Time
}

// MemoryStore 进程内文档存储（开发模式与测试）
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[string]memDoc
	listeners map[uint64]*listener
	nextID    uint64
	rules     Rules
	fault     FaultFunc
	now       func() time.Time
	logger    *zap.Logger
}

// MemoryOption MemoryStore 选项
type MemoryOption func(*MemoryStore)

// WithRules 设置权限规则（默认 HospitalRules）
func WithRules(r Rules) MemoryOption {
	return func(s *MemoryStore) { s.rules = r }
}

// WithClock 设置服务端时钟
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(logger *zap.Logger, opts ...MemoryOption) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MemoryStore{
		docs:      make(map[string]memDoc),
		listeners: make(map[uint64]*listener),
		rules:     HospitalRules(),
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRules 替换规则并重新评估所有实时订阅
func (s *MemoryStore) SetRules(r Rules) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = r
	for _, l := range s.listeners {
		s.refreshLocked(l)
	}
}

// SetFault 设置故障注入函数，nil 取消
func (s *MemoryStore) SetFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// Seed 绕过规则直接写入文档（初始化数据）
func (s *MemoryStore) Seed(docPath string, fields map[string]any) error {
	path, _, _, err := splitDocPath(domain.OpCreate, docPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.docs[path] = memDoc{fields: resolveServerValues(fields, now), updated: now}
	s.notifyLocked(path)
	return nil
}

// ListenerCount 当前实时订阅数
func (s *MemoryStore) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

func (s *MemoryStore) Subscribe(ctx context.Context, d *query.Descriptor, onNext func([]domain.Record), onError func(error)) (CancelFunc, error) {
	if !d.Stable() {
		return nil, invalidArgument(domain.OpRead, "", "%v", query.ErrUnstableDescriptor)
	}
	auth := AuthFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	l := newListener(s.nextID, d, auth, onNext, onError)
	s.listeners[l.id] = l
	s.refreshLocked(l)

	return func() {
		s.mu.Lock()
		delete(s.listeners, l.id)
		s.mu.Unlock()
		l.stop()
	}, nil
}

func (s *MemoryStore) Get(ctx context.Context, d *query.Descriptor) ([]domain.Record, error) {
	if !d.Stable() {
		return nil, invalidArgument(domain.OpRead, "", "%v", query.ErrUnstableDescriptor)
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(CodeUnavailable, ReadOp(d), d.CanonicalPath(), err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(AuthFromContext(ctx), d)
}

func (s *MemoryStore) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	col, err := cleanCollectionPath(domain.OpCreate, collection)
	if err != nil {
		return "", err
	}
	path := col + "/" + uuid.NewString()
	if err := s.write(ctx, []BatchOp{{Kind: BatchCreate, Path: path, Data: data}}); err != nil {
		return "", err
	}
	return path, nil
}

func (s *MemoryStore) Set(ctx context.Context, docPath string, data map[string]any, merge bool) error {
	return s.write(ctx, []BatchOp{{Kind: BatchSet, Path: docPath, Data: data, Merge: merge}})
}

func (s *MemoryStore) Update(ctx context.Context, docPath string, data map[string]any) error {
	return s.write(ctx, []BatchOp{{Kind: BatchUpdate, Path: docPath, Data: data}})
}

func (s *MemoryStore) Delete(ctx context.Context, docPath string) error {
	return s.write(ctx, []BatchOp{{Kind: BatchDelete, Path: docPath}})
}

func (s *MemoryStore) Commit(ctx context.Context, b *Batch) error {
	ops := b.Ops()
	if len(ops) == 0 {
		return nil
	}
	return s.write(ctx, ops)
}

// overlay 批量写的暂存视图：规则求值能看到同一批次中先前操作的结果
type overlay struct {
	base    map[string]memDoc
	changes map[string]map[string]any // nil 值表示删除
}

func (o *overlay) Get(path string) (map[string]any, bool) {
	if v, ok := o.changes[path]; ok {
		return v, v != nil
	}
	d, ok := o.base[path]
	return d.fields, ok
}

// write 原子执行一组写操作：任一操作被拒绝或失败则全部不生效
func (s *MemoryStore) write(ctx context.Context, ops []BatchOp) error {
	if err := ctx.Err(); err != nil {
		return newError(CodeUnavailable, domain.OpWrite, "", err)
	}
	auth := AuthFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	view := &overlay{base: s.docs, changes: make(map[string]map[string]any, len(ops))}
	order := make([]string, 0, len(ops))
	for _, op := range ops {
		path, _, _, err := splitDocPath(op.operation(true), op.Path)
		if err != nil {
			return err
		}
		existing, exists := view.Get(path)
		operation := op.operation(exists)

		if s.fault != nil {
			if err := s.fault(operation, path); err != nil {
				return newError(CodeOf(err), operation, path, err)
			}
		}

		var next map[string]any
		switch op.Kind {
		case BatchCreate:
			if exists {
				return newError(CodeAlreadyExists, operation, path, nil)
			}
			next = resolveServerValues(op.Data, now)
		case BatchSet:
			if op.Merge && exists {
				next = mergeFields(existing, resolveServerValues(op.Data, now))
			} else {
				next = resolveServerValues(op.Data, now)
			}
		case BatchUpdate:
			if !exists {
				return newError(CodeNotFound, operation, path, nil)
			}
			next = mergeFields(existing, resolveServerValues(op.Data, now))
		case BatchDelete:
			next = nil
		default:
			return invalidArgument(operation, path, "unknown batch op %q", op.Kind)
		}
		delete(next, domain.IDField)

		req := Request{Auth: auth, Operation: operation, Path: path, Data: next, Existing: existing, Now: now}
		if !s.rules.Allow(req, view) {
			return newError(CodePermissionDenied, operation, path, nil)
		}
		if _, seen := view.changes[path]; !seen {
			order = append(order, path)
		}
		view.changes[path] = next
	}

	for _, path := range order {
		if fields := view.changes[path]; fields != nil {
			s.docs[path] = memDoc{fields: fields, updated: now}
		} else {
			delete(s.docs, path)
		}
	}
	for _, path := range order {
		s.notifyLocked(path)
	}
	s.logger.Debug("Documents written",
		zap.String("auth", auth),
		zap.Strings("paths", order),
	)
	return nil
}

func mergeFields(existing, patch map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(patch))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) notifyLocked(docPath string) {
	for _, l := range s.listeners {
		if l.affects(docPath) {
			s.refreshLocked(l)
		}
	}
}

// refreshLocked 重新求值订阅并推送；权限不足或故障时终止订阅
func (s *MemoryStore) refreshLocked(l *listener) {
	if l.isFailed() {
		return
	}
	records, err := s.readLocked(l.auth, l.d)
	if err != nil {
		l.fail(err)
		delete(s.listeners, l.id)
		return
	}
	l.push(records)
}

// ReadOp 读取操作标签：单文档为 read，集合与集合组为 list
func ReadOp(d *query.Descriptor) domain.Operation {
	if d.Kind() == query.KindDocument {
		return domain.OpRead
	}
	return domain.OpList
}

func (s *MemoryStore) readLocked(auth string, d *query.Descriptor) ([]domain.Record, error) {
	op := ReadOp(d)
	path := d.CanonicalPath()
	if s.fault != nil {
		if err := s.fault(op, d.Path()); err != nil {
			return nil, newError(CodeOf(err), op, path, err)
		}
	}
	req := Request{Auth: auth, Operation: op, Path: d.Path(), Group: d.Kind() == query.KindCollectionGroup}
	if !s.rules.Allow(req, &overlay{base: s.docs}) {
		return nil, newError(CodePermissionDenied, op, path, nil)
	}

	if d.Kind() == query.KindDocument {
		doc, ok := s.docs[d.Path()]
		if !ok {
			return []domain.Record{}, nil
		}
		return []domain.Record{domain.NewRecord(d.DocumentID(), cloneFields(doc.fields))}, nil
	}

	candidates := make([]domain.Record, 0)
	for p, doc := range s.docs {
		parent := parentOf(p)
		if d.Kind() == query.KindCollection && parent != d.Path() {
			continue
		}
		if d.Kind() == query.KindCollectionGroup && groupID(parent) != d.Path() {
			continue
		}
		candidates = append(candidates, domain.NewRecord(idOf(p), cloneFields(doc.fields)))
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return d.Apply(candidates), nil
}
