// Package store defines the remote document-store boundary consumed by the sync
// and mutation layers, plus two engines: an in-process MemoryStore with declarative
// rules, and a PostgresStore that keeps documents in a jsonb table and pushes live
// snapshots through LISTEN/NOTIFY.
package store

import (
	"context"
	"strings"
	"time"

	"medsync/internal/domain"
	"medsync/internal/query"
)

// CancelFunc 取消实时订阅；可重复调用
type CancelFunc func()

// Client 远端文档存储
//
// Subscribe 注册实时订阅：首个快照与后续每次变更都以完整结果集推送给 onNext；
// 订阅期间的失败（包括权限拒绝）推送给 onError，之后该订阅不再推送。
// 同一订阅的回调按存储产生的顺序串行调用。
type Client interface {
	Subscribe(ctx context.Context, d *query.Descriptor, onNext func([]domain.Record), onError func(error)) (CancelFunc, error)
	Get(ctx context.Context, d *query.Descriptor) ([]domain.Record, error)
	Create(ctx context.Context, collection string, data map[string]any) (string, error)
	Set(ctx context.Context, docPath string, data map[string]any, merge bool) error
	Update(ctx context.Context, docPath string, data map[string]any) error
	Delete(ctx context.Context, docPath string) error
	Commit(ctx context.Context, b *Batch) error
}

type authKey struct{}

// WithAuth 在 context 中携带调用方身份 ID，存储规则据此判定权限
func WithAuth(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, authKey{}, uid)
}

// AuthFromContext 读取调用方身份 ID，未登录返回空
func AuthFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(authKey{}).(string)
	return uid
}

type serverTimestamp struct{}

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"<serverTimestamp>"`), nil
}

// ServerTimestamp 写入值占位符：由存储引擎以自身时钟替换，客户端不提供时间
var ServerTimestamp any = serverTimestamp{}

// TimeLayout 文档中时间值的定宽 UTC 字符串格式（字典序即时间序）
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// resolveServerValues 返回替换了 ServerTimestamp 的深拷贝
func resolveServerValues(data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = resolveValue(v, now)
	}
	return out
}

func resolveValue(v any, now time.Time) any {
	switch x := v.(type) {
	case serverTimestamp:
		return now.UTC()
	case map[string]any:
		return resolveServerValues(x, now)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = resolveValue(e, now)
		}
		return out
	default:
		return v
	}
}

func hasServerValues(data map[string]any) bool {
	for _, v := range data {
		switch x := v.(type) {
		case serverTimestamp:
			return true
		case map[string]any:
			if hasServerValues(x) {
				return true
			}
		}
	}
	return false
}

// cloneFields 深拷贝字段，避免调用方修改存储内部状态
func cloneFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneFields(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

// splitDocPath 校验文档路径并返回 (规范路径, 父集合, 文档ID)
func splitDocPath(op domain.Operation, path string) (string, string, string, error) {
	segs := strings.Split(strings.Trim(strings.TrimSpace(path), "/"), "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return "", "", "", invalidArgument(op, path, "not a document path")
	}
	for _, s := range segs {
		if s == "" {
			return "", "", "", invalidArgument(op, path, "empty path segment")
		}
	}
	clean := strings.Join(segs, "/")
	return clean, strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

func cleanCollectionPath(op domain.Operation, path string) (string, error) {
	segs := strings.Split(strings.Trim(strings.TrimSpace(path), "/"), "/")
	if len(segs)%2 != 1 {
		return "", invalidArgument(op, path, "not a collection path")
	}
	for _, s := range segs {
		if s == "" {
			return "", invalidArgument(op, path, "empty path segment")
		}
	}
	return strings.Join(segs, "/"), nil
}

// groupID 集合路径的最后一段，用于集合组匹配
func groupID(collection string) string {
	return collection[strings.LastIndex(collection, "/")+1:]
}

func parentOf(docPath string) string {
	return docPath[:strings.LastIndex(docPath, "/")]
}

func idOf(docPath string) string {
	return docPath[strings.LastIndex(docPath, "/")+1:]
}
