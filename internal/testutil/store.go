// Package testutil builds a miniredis-backed document store for package
// tests.
package testutil

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/lalith-99/groupchat/internal/docstore/redisstore"
	"github.com/lalith-99/groupchat/internal/repository/document"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewStore starts miniredis and returns a store indexed the way the
// server configures it. Retries are generous so highly concurrent tests
// converge.
func NewStore(t testing.TB) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 64})
	store := redisstore.New(client, zap.NewNop(),
		redisstore.WithIndex(document.Groups, document.FieldExperimentID),
		redisstore.WithRetryPolicy(docstore.RetryPolicy{
			MaxAttempts: 200,
			BaseDelay:   time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
		}),
	)
	t.Cleanup(func() { store.Close() })
	return store, mr
}
