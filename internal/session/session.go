// Package session keeps the caller's session token and resolves it to an
// identity and an active role.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SessionKey 会话令牌的固定存储键
const SessionKey = "medsync_session"

var (
	// ErrNoSession 未登录
	ErrNoSession = errors.New("no active session")
	// ErrInvalidToken 令牌不是服务端签发的，或已过期/被吊销
	ErrInvalidToken = errors.New("invalid session token")
)

// Session 单个会话；令牌存在即已登录
type Session struct {
	store TokenStore
	key   string
	ttl   time.Duration
}

// NewSession scope 为空时使用 SessionKey 本身，否则为 SessionKey:scope（每个 HTTP 客户端一个）
func NewSession(store TokenStore, scope string, ttl time.Duration) *Session {
	key := SessionKey
	if scope != "" {
		key = SessionKey + ":" + scope
	}
	return &Session{store: store, key: key, ttl: ttl}
}

// Key 存储键
func (s *Session) Key() string { return s.key }

// Login 持久化令牌；只接受服务端签发且未过期的令牌
func (s *Session) Login(ctx context.Context, token string) error {
	if _, err := SubjectOf(ctx, s.store, token); err != nil {
		return err
	}
	if err := s.store.Set(ctx, s.key, token, s.ttl); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// Logout 清除令牌并吊销签发记录
func (s *Session) Logout(ctx context.Context) error {
	token, ok, err := s.Token(ctx)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	if ok {
		if err := s.store.Delete(ctx, grantKey(token)); err != nil {
			return fmt.Errorf("failed to revoke session token: %w", err)
		}
	}
	return nil
}

// Token 返回令牌；未登录时 ok 为 false
func (s *Session) Token(ctx context.Context) (string, bool, error) {
	token, err := s.store.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read session: %w", err)
	}
	return token, true, nil
}
