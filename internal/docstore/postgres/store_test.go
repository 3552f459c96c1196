package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/groupchat/internal/db"
	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type item struct {
	Owner string   `json:"owner"`
	Tags  []string `json:"tags"`
	N     int      `json:"n"`
}

// setupTestStore connects to TEST_DATABASE_URL. Each test gets its own
// collection name so runs do not interfere.
func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	database, err := db.New(ctx, url, db.PoolOptions{MaxConns: 20}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(database.Close)

	collection := "items_" + uuid.NewString()[:8]
	store := New(database.Pool(), zap.NewNop(),
		WithIndex(collection, "owner"),
		WithRetryPolicy(docstore.RetryPolicy{MaxAttempts: 50, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}),
	)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close() })
	return store, collection
}

func TestPostgresStore_ConcurrentIncrements(t *testing.T) {
	store, coll := setupTestStore(t)
	ctx := context.Background()
	ref := docstore.Ref{Collection: coll, ID: "counter"}

	require.NoError(t, store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Set(ref, item{})
	}))

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
				doc, err := tx.Get(ctx, ref)
				if err != nil {
					return err
				}
				var cur item
				if err := doc.Decode(&cur); err != nil {
					return err
				}
				cur.N++
				return tx.Set(ref, cur)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	doc, err := store.Get(ctx, ref)
	require.NoError(t, err)
	var got item
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, workers, got.N)
}

func TestPostgresStore_CreateRace(t *testing.T) {
	store, coll := setupTestStore(t)
	ctx := context.Background()
	ref := docstore.Ref{Collection: coll, ID: "once"}

	created := make(chan bool, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var mine bool
			err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
				mine = false
				_, err := tx.Get(ctx, ref)
				if err == nil {
					return nil
				}
				mine = true
				return tx.Set(ref, item{Owner: "x"})
			})
			assert.NoError(t, err)
			created <- mine
		}()
	}
	wg.Wait()
	close(created)

	n := 0
	for c := range created {
		if c {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestPostgresStore_QueryAppendSubscribe(t *testing.T) {
	store, coll := setupTestStore(t)
	ctx := context.Background()
	ref := docstore.Ref{Collection: coll, ID: "a"}

	got := make(chan int, 16)
	unsub, err := store.SubscribeQuery(ctx, docstore.Query{Collection: coll, Field: "owner", Value: "u1"}, func(docs []docstore.Document) {
		got <- len(docs)
	})
	require.NoError(t, err)
	defer unsub()
	require.Equal(t, 0, <-got)

	require.NoError(t, store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Set(ref, item{Owner: "u1"})
	}))
	select {
	case n := <-got:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}

	require.NoError(t, store.ArrayAppend(ctx, ref, "tags", "x"))
	doc, err := store.Get(ctx, ref)
	require.NoError(t, err)
	var it item
	require.NoError(t, doc.Decode(&it))
	assert.Equal(t, []string{"x"}, it.Tags)

	assert.ErrorIs(t, store.ArrayAppend(ctx, docstore.Ref{Collection: coll, ID: "nope"}, "tags", "x"), docstore.ErrNotFound)
}

func TestPostgresStore_InitialSnapshotFailureReported(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	errs := make(chan error, 1)
	unsub, err := store.hub.subscribe(ctx,
		func(notification) bool { return true },
		func(context.Context) error { return boom },
		docstore.ApplySubscribeOptions([]docstore.SubscribeOption{
			docstore.WithErrorHandler(func(err error) { errs <- err }),
		}),
	)
	require.NoError(t, err)
	defer unsub()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("initial snapshot failure not reported")
	}
}
