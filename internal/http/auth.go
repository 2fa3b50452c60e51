package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/session"
	"medsync/internal/store"
)

const (
	// ScopeHeader 客户端会话作用域（每个浏览器/设备一个）
	ScopeHeader = "X-Session-Scope"
	// ScopeCookie 未携带请求头时使用的 Cookie
	ScopeCookie = "medsync_scope"
)

// Authenticator 按请求解析会话作用域 → 会话 → 身份
type Authenticator struct {
	issuer *session.Issuer
	tokens session.TokenStore
	source session.IdentitySource
	cache  *session.IdentityCache
	ttl    time.Duration
	logger *zap.Logger
}

func NewAuthenticator(issuer *session.Issuer, source session.IdentitySource, cache *session.IdentityCache, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		issuer: issuer,
		tokens: issuer.Tokens(),
		source: source,
		cache:  cache,
		ttl:    issuer.TTL(),
		logger: logger,
	}
}

func scopeOf(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get(ScopeHeader)); s != "" {
		return s
	}
	if c, err := r.Cookie(ScopeCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// Session 请求所属会话；没有作用域时返回 nil
func (a *Authenticator) Session(r *http.Request) *session.Session {
	scope := scopeOf(r)
	if scope == "" {
		return nil
	}
	return session.NewSession(a.tokens, scope, a.ttl)
}

// ensureSession 登录时没有作用域则分配一个并写入 Cookie
func (a *Authenticator) ensureSession(w http.ResponseWriter, r *http.Request) *session.Session {
	if s := a.Session(r); s != nil {
		return s
	}
	scope := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ScopeCookie,
		Value:    scope,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return session.NewSession(a.tokens, scope, a.ttl)
}

// Resolve 解析当前请求的身份与解析器
func (a *Authenticator) Resolve(r *http.Request) (*domain.Identity, *session.Resolver, error) {
	s := a.Session(r)
	if s == nil {
		return nil, nil, session.ErrNoSession
	}
	res := session.NewResolver(s, a.source, a.cache, a.logger)
	id, err := res.Load(r.Context())
	if err != nil {
		return nil, nil, err
	}
	return id, res, nil
}

// authed 解析身份并把身份 ID 放入请求上下文
func (a *Authenticator) authed(w http.ResponseWriter, r *http.Request) (*domain.Identity, context.Context, bool) {
	id, _, err := a.Resolve(r)
	if err != nil {
		writeAuthError(w, err)
		return nil, nil, false
	}
	return id, store.WithAuth(r.Context(), id.ID), true
}
