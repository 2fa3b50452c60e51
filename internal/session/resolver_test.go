package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/store"
)

type countingSource struct {
	identities map[string]*domain.Identity
	calls      int
	err        error
}

func (s *countingSource) Identity(ctx context.Context, uid string) (*domain.Identity, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	id, ok := s.identities[uid]
	if !ok {
		return nil, ErrNoIdentity
	}
	return id, nil
}

func mustIdentity(t *testing.T, id string, roles ...domain.Role) *domain.Identity {
	t.Helper()
	ident, err := domain.NewIdentity(id, id, roles)
	require.NoError(t, err)
	return ident
}

func newTestResolver(t *testing.T, src IdentitySource) (*Session, *Resolver) {
	t.Helper()
	s := NewSession(NewMemoryTokenStore(), "", 0)
	return s, NewResolver(s, src, NewIdentityCache(16, time.Minute), zap.NewNop())
}

func TestResolver_NoSession(t *testing.T) {
	_, r := newTestResolver(t, &countingSource{})

	id, err := r.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Nil(t, id)
	assert.Nil(t, r.Current())
	assert.Equal(t, domain.Role(""), r.ActiveRole())
	assert.False(t, r.HasRole(domain.RolePatient))
}

func TestResolver_ActiveRole(t *testing.T) {
	src := &countingSource{identities: map[string]*domain.Identity{
		"doc-1": mustIdentity(t, "doc-1", domain.RolePatient, domain.RoleDoctor),
		"pat-1": mustIdentity(t, "pat-1", domain.RolePatient),
	}}
	s, r := newTestResolver(t, src)
	ctx := context.Background()

	require.NoError(t, s.Login(ctx, issue(t, s.store, "doc-1")))
	_, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleDoctor, r.ActiveRole())
	assert.True(t, r.HasRole(domain.RolePatient))
	assert.True(t, r.HasRole(domain.RoleDoctor))

	require.NoError(t, s.Login(ctx, issue(t, s.store, "pat-1")))
	_, err = r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RolePatient, r.ActiveRole())
	assert.False(t, r.HasRole(domain.RoleDoctor))
}

func TestResolver_ActiveRoleMemoizedPerIdentity(t *testing.T) {
	doctor := mustIdentity(t, "doc-1", domain.RolePatient, domain.RoleDoctor)
	src := &countingSource{identities: map[string]*domain.Identity{"doc-1": doctor}}
	s, r := newTestResolver(t, src)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, issue(t, s.store, "doc-1")))
	_, err := r.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.RoleDoctor, r.ActiveRole())
	// 同一指针上的角色变更不会被察觉，只有新身份对象才会重新计算
	doctor.Roles = []domain.Role{domain.RolePatient}
	assert.Equal(t, domain.RoleDoctor, r.ActiveRole())

	InvalidateOnWrite(r.cache)([]string{"users/doc-1"})
	src.identities["doc-1"] = mustIdentity(t, "doc-1", domain.RolePatient, domain.RoleManager)
	_, err = r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleManager, r.ActiveRole())
}

func TestResolver_UsesCache(t *testing.T) {
	src := &countingSource{identities: map[string]*domain.Identity{
		"doc-1": mustIdentity(t, "doc-1", domain.RoleDoctor),
	}}
	s, r := newTestResolver(t, src)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, issue(t, s.store, "doc-1")))

	first, err := r.Load(ctx)
	require.NoError(t, err)
	second, err := r.Load(ctx)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, src.calls)
}

func TestResolver_SourceError(t *testing.T) {
	src := &countingSource{err: errors.New("store down")}
	s, r := newTestResolver(t, src)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, issue(t, s.store, "doc-1")))

	_, err := r.Load(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
}

func TestStoreIdentitySource(t *testing.T) {
	ms := store.NewMemoryStore(zap.NewNop())
	require.NoError(t, ms.Seed("users/doc-1", map[string]any{
		"name":  "Dr. Rahman",
		"roles": []any{"patient", "doctor"},
		"phone": "+8801700000000",
	}))
	src := NewStoreIdentitySource(ms)

	id, err := src.Identity(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", id.ID)
	assert.Equal(t, "Dr. Rahman", id.Name)
	assert.Equal(t, domain.RoleDoctor, id.ActiveRole())

	_, err = src.Identity(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestResolver_ForgedTokenIsRejected(t *testing.T) {
	src := &countingSource{identities: map[string]*domain.Identity{
		"mgr-1": mustIdentity(t, "mgr-1", domain.RoleManager),
	}}
	s, r := newTestResolver(t, src)
	ctx := context.Background()
	// 绕过 Login 直接写入客户端构造的令牌
	require.NoError(t, s.store.Set(ctx, s.Key(), "mgr-1.anything", 0))

	id, err := r.Load(ctx)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Nil(t, id)
	assert.Nil(t, r.Current())
	assert.Zero(t, src.calls)
}

func TestInvalidateOnWrite(t *testing.T) {
	cache := NewIdentityCache(16, time.Minute)
	cache.Add("doc-1", mustIdentity(t, "doc-1", domain.RoleDoctor))
	cache.Add("pat-1", mustIdentity(t, "pat-1", domain.RolePatient))

	InvalidateOnWrite(cache)([]string{"patients/doc-1", "users/pat-1/privacyLog/x"})
	assert.Equal(t, 2, cache.Len())

	InvalidateOnWrite(cache)([]string{"users/doc-1"})
	_, ok := cache.Get("doc-1")
	assert.False(t, ok)
	_, ok = cache.Get("pat-1")
	assert.True(t, ok)
}
