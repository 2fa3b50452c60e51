package config

import (
	"os"
	"strconv"
	"time"

	commoncfg "medsync/internal/common/config"
)

// Config medsync 服务配置
type Config struct {
	HTTP struct {
		Addr string
	}
	// StoreEngine 文档存储引擎：memory | postgres
	StoreEngine string
	Database    commoncfg.DatabaseConfig
	Redis       struct {
		Enabled bool
		commoncfg.RedisConfig
	}
	MQTT struct {
		Enabled       bool
		SecurityTopic string
		commoncfg.MQTTConfig
	}
	SecurityStream string
	Log            struct {
		Level  string
		Format string
	}
	Audit struct {
		Timeout time.Duration
	}
	Subscription struct {
		ChurnWindow time.Duration
		MaxChanges  int
	}
	Session struct {
		TTL time.Duration
	}
	// Auth 账号凭据：Seed 为 "account:uid:password,..." 形式的初始账号
	Auth struct {
		Seed       string
		BcryptCost int
	}
	IdentityCache struct {
		Size int
		TTL  time.Duration
	}
}

func Load() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.StoreEngine = getEnv("STORE_ENGINE", "memory")

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "medsync"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	// Redis 用于会话令牌与安全事件流；禁用时回退到进程内存储
	cfg.Redis.Enabled = getEnv("REDIS_ENABLED", "false") == "true"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.DialTimeout = 5 * time.Second
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second
	cfg.Redis.RedisConfig.LoadFromEnv("REDIS")

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "medsync-security"
	cfg.MQTT.QoS = 1
	cfg.MQTT.PublishTimeout = 2 * time.Second
	cfg.MQTT.MQTTConfig.LoadFromEnv("MQTT")
	cfg.MQTT.SecurityTopic = getEnv("MQTT_SECURITY_TOPIC", "medsync/security-events")

	cfg.SecurityStream = getEnv("SECURITY_STREAM", "medsync:security-events")
	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Audit.Timeout = parseDuration(getEnv("AUDIT_TIMEOUT", "10s"), 10*time.Second)
	cfg.Subscription.ChurnWindow = parseDuration(getEnv("SUBSCRIPTION_CHURN_WINDOW", "1s"), time.Second)
	cfg.Subscription.MaxChanges = parseInt(getEnv("SUBSCRIPTION_MAX_CHANGES", "20"), 20)
	cfg.Session.TTL = parseDuration(getEnv("SESSION_TTL", "12h"), 12*time.Hour)
	cfg.Auth.Seed = getEnv("AUTH_SEED", "")
	cfg.Auth.BcryptCost = parseInt(getEnv("AUTH_BCRYPT_COST", "0"), 0)
	cfg.IdentityCache.Size = parseInt(getEnv("IDENTITY_CACHE_SIZE", "1024"), 1024)
	cfg.IdentityCache.TTL = parseDuration(getEnv("IDENTITY_CACHE_TTL", "5m"), 5*time.Minute)

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
