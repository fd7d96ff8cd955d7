package session

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/SubLedger/internal/pkg/cache"
	"github.com/ManuelReschke/SubLedger/internal/pkg/env"
	"github.com/ManuelReschke/SubLedger/internal/pkg/usercontext"
)

var sessionStore *session.Store

// NewSessionStore opens the session store in Redis database 1, next to the
// cache in database 0. Sessions are issued by the login service that shares
// this store, billing only reads them.
func NewSessionStore() *session.Store {
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	storage := redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetInt("SESSION_DB", 1),
		Reset:    false,
	})
	return NewSessionStoreWithStorage(storage)
}

// NewSessionStoreWithStorage builds the store on any fiber storage. A nil
// storage keeps sessions in memory.
func NewSessionStoreWithStorage(storage fiber.Storage) *session.Store {
	sessionStore = session.New(session.Config{
		Storage:        storage,
		CookieHTTPOnly: true,
		CookieSecure:   !env.IsDev(),
		Expiration:     env.GetDuration("SESSION_TTL", time.Hour),
		KeyLookup:      "cookie:session_id",
	})
	return sessionStore
}

func GetSessionStore() *session.Store {
	return sessionStore
}

// SetUser marks the session as belonging to userID.
func SetUser(c *fiber.Ctx, userID uint, username string) error {
	if sessionStore == nil {
		return fmt.Errorf("session store not initialized")
	}

	sess, err := sessionStore.Get(c)
	if err != nil {
		return fmt.Errorf("failed to get session: %v", err)
	}

	sess.Set(usercontext.KeyUserID, userID)
	sess.Set(usercontext.KeyUsername, username)
	return sess.Save()
}
