package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/query"
	"medsync/internal/store"
)

// ErrNoIdentity 令牌对应的身份文档不存在
var ErrNoIdentity = errors.New("identity not found")

// IdentitySource 按身份 ID 加载身份
type IdentitySource interface {
	Identity(ctx context.Context, uid string) (*domain.Identity, error)
}

// Reader 一次性读取（store.Client 与 mutation.Gateway 均实现）
type Reader interface {
	Get(ctx context.Context, d *query.Descriptor) ([]domain.Record, error)
}

// StoreIdentitySource 从 users/{uid} 文档加载身份
type StoreIdentitySource struct {
	client Reader
}

func NewStoreIdentitySource(client Reader) *StoreIdentitySource {
	return &StoreIdentitySource{client: client}
}

func (s *StoreIdentitySource) Identity(ctx context.Context, uid string) (*domain.Identity, error) {
	d, err := query.Document(domain.UsersCollection + "/" + uid)
	if err != nil {
		return nil, err
	}
	recs, err := s.client.Get(store.WithAuth(ctx, uid), d)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNoIdentity
	}
	return domain.IdentityFromRecord(recs[0])
}

// IdentityCache 身份缓存（按身份 ID）
type IdentityCache = expirable.LRU[string, *domain.Identity]

func NewIdentityCache(size int, ttl time.Duration) *IdentityCache {
	return expirable.NewLRU[string, *domain.Identity](size, nil, ttl)
}

// Resolver 会话 → 身份 → 当前角色
// ActiveRole/HasRole 只读内存，不访问网络；当前角色按身份指针缓存，指针变化时重新计算
type Resolver struct {
	session *Session
	source  IdentitySource
	cache   *IdentityCache
	logger  *zap.Logger

	mu       sync.RWMutex
	current  *domain.Identity
	memoFor  *domain.Identity
	memoRole domain.Role
}

func NewResolver(session *Session, source IdentitySource, cache *IdentityCache, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{session: session, source: source, cache: cache, logger: logger}
}

// Load 根据会话令牌解析身份；未登录返回 ErrNoSession
func (r *Resolver) Load(ctx context.Context) (*domain.Identity, error) {
	token, ok, err := r.session.Token(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		r.set(nil)
		return nil, ErrNoSession
	}
	uid, err := SubjectOf(ctx, r.session.store, token)
	if err != nil {
		r.set(nil)
		return nil, err
	}

	if r.cache != nil {
		if id, ok := r.cache.Get(uid); ok {
			r.set(id)
			return id, nil
		}
	}
	id, err := r.source.Identity(ctx, uid)
	if err != nil {
		r.logger.Warn("Failed to resolve identity", zap.String("uid", uid), zap.Error(err))
		return nil, fmt.Errorf("failed to resolve identity %s: %w", uid, err)
	}
	if r.cache != nil {
		r.cache.Add(uid, id)
	}
	r.set(id)
	return id, nil
}

func (r *Resolver) set(id *domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = id
}

// Current 最近一次 Load 的身份，未登录为 nil
func (r *Resolver) Current() *domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// ActiveRole 当前身份的生效角色；未登录返回空
func (r *Resolver) ActiveRole() domain.Role {
	r.mu.RLock()
	cur, memoFor, role := r.current, r.memoFor, r.memoRole
	r.mu.RUnlock()
	if cur == nil {
		return ""
	}
	if cur == memoFor {
		return role
	}

	role = cur.ActiveRole()
	r.mu.Lock()
	if r.current == cur {
		r.memoFor, r.memoRole = cur, role
	}
	r.mu.Unlock()
	return role
}

// HasRole 当前身份是否持有角色 role
func (r *Resolver) HasRole(role domain.Role) bool {
	cur := r.Current()
	return cur != nil && cur.HasRole(role)
}

// InvalidateOnWrite 返回写入钩子：users/{uid} 文档写入成功后清除该身份的缓存，
// 角色授予或撤销立即对下一次 Load 生效
func InvalidateOnWrite(cache *IdentityCache) func(paths []string) {
	return func(paths []string) {
		if cache == nil {
			return
		}
		for _, p := range paths {
			segs := strings.Split(strings.Trim(p, "/"), "/")
			if len(segs) == 2 && segs[0] == domain.UsersCollection {
				cache.Remove(segs[1])
			}
		}
	}
}
