package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// GrantKeyPrefix 服务端签发记录的键前缀：medsync_grant:<token> → 身份 ID
const GrantKeyPrefix = "medsync_grant:"

// ErrBadCredentials 账号不存在或密码错误（不区分两者）
var ErrBadCredentials = errors.New("invalid account or password")

func grantKey(token string) string {
	return GrantKeyPrefix + token
}

// SubjectOf 查询令牌的签发记录，返回身份 ID；未签发、已过期或已吊销返回 ErrInvalidToken
func SubjectOf(ctx context.Context, tokens TokenStore, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	uid, err := tokens.Get(ctx, grantKey(token))
	if err != nil {
		if errors.Is(err, ErrMiss) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("failed to read session grant: %w", err)
	}
	if uid == "" {
		return "", ErrInvalidToken
	}
	return uid, nil
}

// Credential 账号凭据：身份 ID 与 bcrypt 密码哈希
type Credential struct {
	UID          string
	PasswordHash []byte
}

// CredentialStore 账号凭据存储，账号不存在返回 ErrMiss
type CredentialStore interface {
	Credential(ctx context.Context, account string) (*Credential, error)
	PutCredential(ctx context.Context, account string, cred Credential) error
}

// HashPassword bcrypt 哈希；cost 为 0 时使用 bcrypt.DefaultCost
func HashPassword(password string, cost int) ([]byte, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

func normalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

const credentialKeyPrefix = "medsync_credential:"

// RedisCredentialStore 凭据保存在 Redis hash medsync_credential:<account> {uid, hash}
type RedisCredentialStore struct {
	c *redis.Client
}

func NewRedisCredentialStore(c *redis.Client) *RedisCredentialStore {
	return &RedisCredentialStore{c: c}
}

func (r *RedisCredentialStore) Credential(ctx context.Context, account string) (*Credential, error) {
	vals, err := r.c.HGetAll(ctx, credentialKeyPrefix+normalizeAccount(account)).Result()
	if err != nil {
		return nil, err
	}
	if vals["uid"] == "" || vals["hash"] == "" {
		return nil, ErrMiss
	}
	return &Credential{UID: vals["uid"], PasswordHash: []byte(vals["hash"])}, nil
}

func (r *RedisCredentialStore) PutCredential(ctx context.Context, account string, cred Credential) error {
	return r.c.HSet(ctx, credentialKeyPrefix+normalizeAccount(account),
		"uid", cred.UID,
		"hash", string(cred.PasswordHash),
	).Err()
}

// MemoryCredentialStore 进程内凭据存储（开发模式与测试）
type MemoryCredentialStore struct {
	store *MemoryTokenStore
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{store: NewMemoryTokenStore()}
}

func (m *MemoryCredentialStore) Credential(ctx context.Context, account string) (*Credential, error) {
	key := normalizeAccount(account)
	uid, err := m.store.Get(ctx, credentialKeyPrefix+key+":uid")
	if err != nil {
		return nil, err
	}
	hash, err := m.store.Get(ctx, credentialKeyPrefix+key+":hash")
	if err != nil {
		return nil, err
	}
	return &Credential{UID: uid, PasswordHash: []byte(hash)}, nil
}

func (m *MemoryCredentialStore) PutCredential(ctx context.Context, account string, cred Credential) error {
	key := normalizeAccount(account)
	if err := m.store.Set(ctx, credentialKeyPrefix+key+":uid", cred.UID, 0); err != nil {
		return err
	}
	return m.store.Set(ctx, credentialKeyPrefix+key+":hash", string(cred.PasswordHash), 0)
}

// Issuer 校验凭据并签发会话令牌；令牌是随机值，令牌 → 身份 ID 只保存在服务端
type Issuer struct {
	tokens TokenStore
	creds  CredentialStore
	ttl    time.Duration
	logger *zap.Logger

	// 账号不存在时也执行一次哈希比较
	decoy []byte
}

func NewIssuer(tokens TokenStore, creds CredentialStore, ttl time.Duration, logger *zap.Logger) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	decoy, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.MinCost)
	return &Issuer{tokens: tokens, creds: creds, ttl: ttl, logger: logger, decoy: decoy}
}

// Tokens 令牌存储（会话与签发记录共用）
func (i *Issuer) Tokens() TokenStore { return i.tokens }

// TTL 令牌有效期
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue 为身份签发新令牌
func (i *Issuer) Issue(ctx context.Context, uid string) (string, error) {
	if uid == "" {
		return "", ErrNoIdentity
	}
	token := uuid.NewString()
	if err := i.tokens.Set(ctx, grantKey(token), uid, i.ttl); err != nil {
		return "", fmt.Errorf("failed to store session grant: %w", err)
	}
	return token, nil
}

// Authenticate 校验账号密码，成功时签发令牌
func (i *Issuer) Authenticate(ctx context.Context, account, password string) (string, string, error) {
	account = normalizeAccount(account)
	if account == "" || password == "" {
		return "", "", ErrBadCredentials
	}
	cred, err := i.creds.Credential(ctx, account)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			return "", "", fmt.Errorf("failed to read credential: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(i.decoy, []byte(password))
		i.logger.Warn("Login failed", zap.String("reason", "unknown_account"))
		return "", "", ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(password)); err != nil {
		i.logger.Warn("Login failed", zap.String("uid", cred.UID), zap.String("reason", "password_mismatch"))
		return "", "", ErrBadCredentials
	}
	token, err := i.Issue(ctx, cred.UID)
	if err != nil {
		return "", "", err
	}
	i.logger.Info("User logged in", zap.String("uid", cred.UID))
	return token, cred.UID, nil
}

// Revoke 吊销令牌
func (i *Issuer) Revoke(ctx context.Context, token string) error {
	return i.tokens.Delete(ctx, grantKey(token))
}

// SeedAccount 启动时导入的账号
type SeedAccount struct {
	Account  string
	UID      string
	Password string
}

// ParseSeed 解析 "account:uid:password,..."；密码可包含冒号
func ParseSeed(spec string) ([]SeedAccount, error) {
	var out []SeedAccount
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid seed account %q: want account:uid:password", item)
		}
		out = append(out, SeedAccount{Account: parts[0], UID: parts[1], Password: parts[2]})
	}
	return out, nil
}

// SeedCredentials 将账号写入凭据存储，返回导入数量
func SeedCredentials(ctx context.Context, creds CredentialStore, accounts []SeedAccount, cost int) (int, error) {
	for n, a := range accounts {
		hash, err := HashPassword(a.Password, cost)
		if err != nil {
			return n, fmt.Errorf("failed to hash password for %s: %w", a.Account, err)
		}
		if err := creds.PutCredential(ctx, a.Account, Credential{UID: a.UID, PasswordHash: hash}); err != nil {
			return n, fmt.Errorf("failed to store credential for %s: %w", a.Account, err)
		}
	}
	return len(accounts), nil
}
