package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/query"
)

// PostgresStore 基于 PostgreSQL jsonb 表的文档存储
// 实时订阅依赖 documents 表触发器发出的 NOTIFY，收到通知后重新查询并推送完整快照
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger

	mu        sync.Mutex
	listeners map[uint64]*listener
	nextID    uint64
	rules     Rules // nil 时只依赖行级安全策略

	refreshMu      sync.Mutex
	refreshTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{
		db:             db,
		logger:         logger,
		listeners:      make(map[uint64]*listener),
		refreshTimeout: 10 * time.Second,
	}
}

// SetRules 在事务内按 Go 规则求值；nil 表示只依赖数据库的行级安全策略
func (s *PostgresStore) SetRules(r Rules) {
	s.mu.Lock()
	s.rules = r
	s.mu.Unlock()
}

func (s *PostgresStore) currentRules() Rules {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules
}

// txReader 规则求值时在当前事务中读取文档
type txReader struct {
	ctx    context.Context
	tx     *sql.Tx
	logger *zap.Logger
}

func (r txReader) Get(path string) (map[string]any, bool) {
	fields, ok, err := loadDoc(r.ctx, r.tx, selectDocumentSQL, path)
	if err != nil {
		r.logger.Warn("Rule lookup failed", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	return fields, ok
}

func loadDoc(ctx context.Context, tx *sql.Tx, stmt, path string) (map[string]any, bool, error) {
	var raw []byte
	if err := tx.QueryRowContext(ctx, stmt, path).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	fields, err := decodeDoc(raw)
	if err != nil {
		return nil, false, err
	}
	return fields, true, nil
}

// EnsureSchema 创建文档表与通知触发器
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure documents schema: %w", err)
	}
	return nil
}

// Listen 启动 LISTEN 循环，ctx 结束时关闭
func (s *PostgresStore) Listen(ctx context.Context, dsn string) error {
	pl := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("Document listener event",
				zap.Int("event", int(ev)),
				zap.Error(err),
			)
		}
	})
	if err := pl.Listen(NotifyChannel); err != nil {
		_ = pl.Close()
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	go s.listen(ctx, pl)
	s.logger.Info("Document listener started", zap.String("channel", NotifyChannel))
	return nil
}

func (s *PostgresStore) listen(ctx context.Context, pl *pq.Listener) {
	defer pl.Close()
	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-pl.Notify:
			if n == nil {
				// 重连后可能丢失通知，全部重新查询
				s.refreshAll()
				continue
			}
			s.handleNotification(n.Extra)
		case <-ticker.C:
			go func() {
				if err := pl.Ping(); err != nil {
					s.logger.Warn("Document listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

type documentNotification struct {
	Path       string `json:"path"`
	Collection string `json:"collection"`
	GroupID    string `json:"group_id"`
}

func (s *PostgresStore) handleNotification(payload string) {
	var n documentNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil || n.Path == "" {
		s.logger.Warn("Invalid document notification", zap.String("payload", payload), zap.Error(err))
		return
	}
	s.mu.Lock()
	targets := make([]*listener, 0)
	for _, l := range s.listeners {
		if l.affects(n.Path) {
			targets = append(targets, l)
		}
	}
	s.mu.Unlock()
	for _, l := range targets {
		s.refresh(l)
	}
}

func (s *PostgresStore) refreshAll() {
	s.mu.Lock()
	targets := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		targets = append(targets, l)
	}
	s.mu.Unlock()
	for _, l := range targets {
		s.refresh(l)
	}
}

// refresh 重新查询订阅并推送；出错时终止订阅
func (s *PostgresStore) refresh(l *listener) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if l.isFailed() {
		return
	}
	ctx, cancel := context.WithTimeout(WithAuth(context.Background(), l.auth), s.refreshTimeout)
	defer cancel()
	records, err := s.Get(ctx, l.d)
	if err != nil {
		s.logger.Debug("Subscription query failed",
			zap.String("query", l.d.Describe()),
			zap.Error(err),
		)
		l.fail(err)
		s.mu.Lock()
		delete(s.listeners, l.id)
		s.mu.Unlock()
		return
	}
	l.push(records)
}

// ListenerCount 当前实时订阅数
func (s *PostgresStore) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *PostgresStore) Subscribe(ctx context.Context, d *query.Descriptor, onNext func([]domain.Record), onError func(error)) (CancelFunc, error) {
	if !d.Stable() {
		return nil, invalidArgument(domain.OpRead, "", "%v", query.ErrUnstableDescriptor)
	}
	s.mu.Lock()
	s.nextID++
	l := newListener(s.nextID, d, AuthFromContext(ctx), onNext, onError)
	s.listeners[l.id] = l
	s.mu.Unlock()

	go s.refresh(l)

	return func() {
		s.mu.Lock()
		delete(s.listeners, l.id)
		s.mu.Unlock()
		l.stop()
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, d *query.Descriptor) ([]domain.Record, error) {
	if !d.Stable() {
		return nil, invalidArgument(domain.OpRead, "", "%v", query.ErrUnstableDescriptor)
	}
	op := ReadOp(d)
	q, args, err := buildSelect(d)
	if err != nil {
		return nil, invalidArgument(op, d.CanonicalPath(), "%v", err)
	}

	rules := s.currentRules()
	out := make([]domain.Record, 0)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if rules != nil {
			req := Request{Auth: AuthFromContext(ctx), Operation: op, Path: d.Path(), Group: d.Kind() == query.KindCollectionGroup}
			if !rules.Allow(req, txReader{ctx: ctx, tx: tx, logger: s.logger}) {
				return newError(CodePermissionDenied, op, d.CanonicalPath(), nil)
			}
		}
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var raw []byte
			if err := rows.Scan(&id, &raw); err != nil {
				return err
			}
			fields, err := decodeDoc(raw)
			if err != nil {
				return err
			}
			out = append(out, domain.NewRecord(id, fields))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, mapError(op, d.CanonicalPath(), err)
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
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

func (s *PostgresStore) Set(ctx context.Context, docPath string, data map[string]any, merge bool) error {
	return s.write(ctx, []BatchOp{{Kind: BatchSet, Path: docPath, Data: data, Merge: merge}})
}

func (s *PostgresStore) Update(ctx context.Context, docPath string, data map[string]any) error {
	return s.write(ctx, []BatchOp{{Kind: BatchUpdate, Path: docPath, Data: data}})
}

func (s *PostgresStore) Delete(ctx context.Context, docPath string) error {
	return s.write(ctx, []BatchOp{{Kind: BatchDelete, Path: docPath}})
}

func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	ops := b.Ops()
	if len(ops) == 0 {
		return nil
	}
	return s.write(ctx, ops)
}

const (
	insertDocumentSQL = `INSERT INTO documents (path, collection, group_id, parent, doc_id, data, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, now())`
	upsertReplaceSQL = insertDocumentSQL + `
ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`
	upsertMergeSQL = insertDocumentSQL + `
ON CONFLICT (path) DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = now()`
	updateDocumentSQL = `UPDATE documents SET data = data || $2::jsonb, updated_at = now() WHERE path = $1`
	deleteDocumentSQL = `DELETE FROM documents WHERE path = $1`
	selectDocumentSQL = `SELECT data FROM documents WHERE path = $1`
	lockDocumentSQL   = selectDocumentSQL + ` FOR UPDATE`
)

// write 在单个事务中执行一组写操作
func (s *PostgresStore) write(ctx context.Context, ops []BatchOp) error {
	var (
		current domain.Operation = domain.OpWrite
		curPath string
	)
	rules := s.currentRules()
	auth := AuthFromContext(ctx)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var now time.Time
		for _, op := range ops {
			path, collection, docID, err := splitDocPath(op.operation(op.Merge), op.Path)
			if err != nil {
				return err
			}
			current, curPath = op.operation(op.Merge), path

			data := op.Data
			if hasServerValues(data) {
				if now.IsZero() {
					if err := tx.QueryRowContext(ctx, `SELECT now()`).Scan(&now); err != nil {
						return err
					}
				}
				data = resolveServerValues(data, now)
			}
			if rules != nil {
				if err := s.authorize(ctx, tx, rules, auth, op, path, data, now); err != nil {
					return err
				}
			}
			payload, err := encodeDoc(data)
			if err != nil {
				return invalidArgument(current, path, "%v", err)
			}

			args := []any{path, collection, groupID(collection), parentDoc(collection), docID, payload}
			switch op.Kind {
			case BatchCreate:
				_, err = tx.ExecContext(ctx, insertDocumentSQL, args...)
			case BatchSet:
				stmt := upsertReplaceSQL
				if op.Merge {
					stmt = upsertMergeSQL
				}
				_, err = tx.ExecContext(ctx, stmt, args...)
			case BatchUpdate:
				var res sql.Result
				res, err = tx.ExecContext(ctx, updateDocumentSQL, path, payload)
				if err == nil {
					if n, _ := res.RowsAffected(); n == 0 {
						return newError(CodeNotFound, current, path, nil)
					}
				}
			case BatchDelete:
				_, err = tx.ExecContext(ctx, deleteDocumentSQL, path)
			default:
				return invalidArgument(current, path, "unknown batch op %q", op.Kind)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapError(current, curPath, err)
	}
	return nil
}

// authorize 锁定现有文档，计算写入后的结果并按规则求值；now 为本事务替换 ServerTimestamp 的时间
func (s *PostgresStore) authorize(ctx context.Context, tx *sql.Tx, rules Rules, auth string, op BatchOp, path string, data map[string]any, now time.Time) error {
	existing, exists, err := loadDoc(ctx, tx, lockDocumentSQL, path)
	if err != nil {
		return err
	}
	operation := op.operation(exists)

	var next map[string]any
	switch op.Kind {
	case BatchCreate:
		if exists {
			return newError(CodeAlreadyExists, operation, path, nil)
		}
		next = mergeFields(nil, data)
	case BatchSet:
		if op.Merge && exists {
			next = mergeFields(existing, data)
		} else {
			next = mergeFields(nil, data)
		}
	case BatchUpdate:
		if !exists {
			return newError(CodeNotFound, operation, path, nil)
		}
		next = mergeFields(existing, data)
	case BatchDelete:
		next = nil
	}
	delete(next, domain.IDField)

	req := Request{Auth: auth, Operation: operation, Path: path, Data: next, Existing: existing, Now: now}
	if !rules.Allow(req, txReader{ctx: ctx, tx: tx, logger: s.logger}) {
		return newError(CodePermissionDenied, operation, path, nil)
	}
	return nil
}

// withTx 在事务中执行 fn，事务内设置 medsync.auth_uid 供行级安全策略使用
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('medsync.auth_uid', $1, true)`, AuthFromContext(ctx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// parentDoc 集合所属的父文档路径，顶层集合为空
func parentDoc(collection string) string {
	if i := strings.LastIndex(collection, "/"); i >= 0 {
		return collection[:i]
	}
	return ""
}

// buildSelect 将描述符翻译为 SQL
func buildSelect(d *query.Descriptor) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT doc_id, data FROM documents WHERE `)
	args := []any{d.Path()}
	switch d.Kind() {
	case query.KindDocument:
		sb.WriteString(`path = $1`)
		return sb.String(), args, nil
	case query.KindCollection:
		sb.WriteString(`collection = $1`)
	case query.KindCollectionGroup:
		sb.WriteString(`group_id = $1`)
	default:
		return "", nil, fmt.Errorf("unknown descriptor kind %v", d.Kind())
	}

	param := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	for _, f := range d.Filters() {
		field := "(data #> " + param(pq.Array(strings.Split(f.Field, "."))) + ")"
		value := f.Value
		if f.Op == query.OpArrayContains {
			value = []any{f.Value}
		}
		raw, err := json.Marshal(encodeValue(value))
		if err != nil {
			return "", nil, err
		}
		v := param(string(raw)) + "::jsonb"
		switch f.Op {
		case query.OpArrayContains:
			sb.WriteString(" AND " + field + " @> " + v)
		case query.OpEqual:
			sb.WriteString(" AND " + field + " = " + v)
		case query.OpNotEqual:
			sb.WriteString(" AND " + field + " IS NOT NULL AND " + field + " <> " + v)
		default:
			sb.WriteString(" AND jsonb_typeof" + field + " = jsonb_typeof(" + v + ") AND " + field + " " + string(f.Op) + " " + v)
		}
	}

	sb.WriteString(" ORDER BY ")
	for _, o := range d.Orders() {
		sb.WriteString("(data #> " + param(pq.Array(strings.Split(o.Field, "."))) + ")")
		if o.Desc {
			sb.WriteString(" DESC NULLS LAST, ")
		} else {
			sb.WriteString(" ASC NULLS FIRST, ")
		}
	}
	sb.WriteString("doc_id ASC")
	if d.Limit() > 0 {
		sb.WriteString(" LIMIT " + strconv.Itoa(d.Limit()))
	}
	return sb.String(), args, nil
}

// timeTag jsonb 中时间值的标记键：{"$time": "<TimeLayout>"}，与普通字符串区分
const timeTag = "$time"

// encodeDoc 时间值转为带标记的对象后编码为 JSON
func encodeDoc(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	clean := make(map[string]any, len(data))
	for k, v := range data {
		if k == domain.IDField {
			continue
		}
		clean[k] = encodeValue(v)
	}
	return json.Marshal(clean)
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return map[string]any{timeTag: x.UTC().Format(TimeLayout)}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = encodeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = encodeValue(e)
		}
		return out
	default:
		return v
	}
}

// decodeDoc 解码 jsonb；整数还原为 int64，时间标记对象还原为 time.Time
func decodeDoc(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	for k, v := range m {
		m[k] = decodeValue(v)
	}
	return m, nil
}

func decodeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		if t, ok := taggedTime(x); ok {
			return t
		}
		for k, e := range x {
			x[k] = decodeValue(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = decodeValue(e)
		}
		return x
	default:
		return v
	}
}

func taggedTime(m map[string]any) (time.Time, bool) {
	if len(m) != 1 {
		return time.Time{}, false
	}
	raw, ok := m[timeTag].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(TimeLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// mapError 将驱动错误映射为存储错误
func mapError(op domain.Operation, path string, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42501":
			return newError(CodePermissionDenied, op, path, err)
		case pqErr.Code == "23505":
			return newError(CodeAlreadyExists, op, path, err)
		case pqErr.Code.Class() == "22":
			return newError(CodeInvalidArgument, op, path, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57", pqErr.Code.Class() == "53":
			return newError(CodeUnavailable, op, path, err)
		default:
			return newError(CodeInternal, op, path, err)
		}
	}
	// driver.ErrBadConn、超时与网络错误均视为暂时不可用
	return newError(CodeUnavailable, op, path, err)
}
