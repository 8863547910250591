package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"telemetry-backend/internal/config"
	"telemetry-backend/internal/models"
)

// Manager is an optional Redis cache in front of the user_sessions table.
// The database row stays authoritative; a cache miss or Redis outage only
// costs a DB lookup, never a logout.
type Manager struct {
	client  *redis.Client
	ctx     context.Context
	timeout time.Duration
}

// GlobalManager is nil when Redis is not configured.
var GlobalManager *Manager

// Enabled reports whether the Redis session cache is active.
func Enabled() bool {
	return GlobalManager != nil
}

// InitManager connects the Redis session cache. Returns without error when
// REDIS_HOST is unset; the server then runs on database sessions alone.
func InitManager() error {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return nil
	}

	timeoutMS := getEnvInt("SESSION_REDIS_TIMEOUT_MS", 1500)
	if timeoutMS <= 0 {
		timeoutMS = 1500
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, getEnvWithDefault("REDIS_PORT", "6379")),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0),
	})

	ctx := context.Background()
	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()
	if _, err := rdb.Ping(pingCtx).Result(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	GlobalManager = &Manager{
		client:  rdb,
		ctx:     ctx,
		timeout: time.Duration(timeoutMS) * time.Millisecond,
	}
	log.Println("✅ Redis session cache initialized")
	return nil
}

func (sm *Manager) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(sm.ctx, sm.timeout)
}

// CacheSession stores a session row keyed by its token hash.
func (sm *Manager) CacheSession(session *models.UserSession) {
	data, err := json.Marshal(session)
	if err != nil {
		return
	}

	ttl := config.Get().SessionTTLIdle
	if remaining := time.Until(session.ExpiresAt); remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}

	ctx, cancel := sm.withTimeout()
	defer cancel()
	if err := sm.client.Set(ctx, "session:"+session.TokenHash, data, ttl).Err(); err != nil {
		log.Printf("Warning: failed to cache session: %v", err)
	}
}

// GetSession retrieves a cached session row. The second return value is
// false on cache miss or Redis failure.
func (sm *Manager) GetSession(tokenHash string) (*models.UserSession, bool) {
	ctx, cancel := sm.withTimeout()
	defer cancel()

	data, err := sm.client.Get(ctx, "session:"+tokenHash).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("Warning: session cache read failed: %v", err)
		}
		return nil, false
	}

	var session models.UserSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, false
	}
	return &session, true
}

// DeleteSession evicts a session row from the cache.
func (sm *Manager) DeleteSession(tokenHash string) {
	ctx, cancel := sm.withTimeout()
	defer cancel()
	if err := sm.client.Del(ctx, "session:"+tokenHash).Err(); err != nil {
		log.Printf("Warning: failed to evict session: %v", err)
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
