package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type item struct {
	Owner string   `json:"owner"`
	Tags  []string `json:"tags"`
	N     int      `json:"n"`
}

// setupTestStore creates a store backed by miniredis.
func setupTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	opts = append([]Option{
		WithIndex("items", "owner"),
		WithRetryPolicy(docstore.RetryPolicy{MaxAttempts: 50, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	}, opts...)
	store := New(client, zap.NewNop(), opts...)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func ref(id string) docstore.Ref {
	return docstore.Ref{Collection: "items", ID: id}
}

func put(t *testing.T, s *Store, id string, v item) {
	t.Helper()
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		return tx.Set(ref(id), v)
	})
	require.NoError(t, err)
}

func TestStore_GetNotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.Get(context.Background(), ref("missing"))
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestStore_TransactionRoundTrip(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	put(t, store, "a", item{Owner: "u1", N: 1})

	doc, err := store.Get(ctx, ref("a"))
	require.NoError(t, err)
	var got item
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, "u1", got.Owner)
	assert.Equal(t, 1, got.N)
}

func TestStore_ReadAfterWriteRejected(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		if err := tx.Set(ref("a"), item{}); err != nil {
			return err
		}
		_, err := tx.Get(ctx, ref("a"))
		return err
	})
	assert.ErrorIs(t, err, docstore.ErrReadAfterWrite)
}

func TestStore_TransactionRetriesOnConflict(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	put(t, store, "a", item{N: 1})

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()

	attempts := 0
	err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		attempts++
		doc, err := tx.Get(ctx, ref("a"))
		if err != nil {
			return err
		}
		var cur item
		if err := doc.Decode(&cur); err != nil {
			return err
		}
		if attempts == 1 {
			// A competing writer lands between our read and our commit.
			require.NoError(t, other.Set(ctx, store.docKey(ref("a")), `{"n":10}`, 0).Err())
		}
		cur.N++
		return tx.Set(ref("a"), cur)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	doc, err := store.Get(ctx, ref("a"))
	require.NoError(t, err)
	var got item
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, 11, got.N, "second attempt must see the competing write")
}

func TestStore_TransactionConflictExhausted(t *testing.T) {
	store, mr := setupTestStore(t, WithRetryPolicy(docstore.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	ctx := context.Background()
	put(t, store, "a", item{})

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()

	err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, ref("a")); err != nil {
			return err
		}
		require.NoError(t, other.Set(ctx, store.docKey(ref("a")), `{}`, 0).Err())
		return tx.Set(ref("a"), item{N: 1})
	})
	assert.ErrorIs(t, err, docstore.ErrTxConflict)
}

func TestStore_ConcurrentIncrementsAreSerialized(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	put(t, store, "counter", item{})

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
				doc, err := tx.Get(ctx, ref("counter"))
				if err != nil {
					return err
				}
				var cur item
				if err := doc.Decode(&cur); err != nil {
					return err
				}
				cur.N++
				return tx.Set(ref("counter"), cur)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	doc, err := store.Get(ctx, ref("counter"))
	require.NoError(t, err)
	var got item
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, workers, got.N)
}

func TestStore_FnErrorAbortsWithoutRetry(t *testing.T) {
	store, _ := setupTestStore(t)
	boom := errors.New("boom")
	calls := 0

	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestStore_QueryFollowsIndex(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	put(t, store, "a", item{Owner: "u1"})
	put(t, store, "b", item{Owner: "u1"})
	put(t, store, "c", item{Owner: "u2"})

	docs, err := store.Query(ctx, docstore.Query{Collection: "items", Field: "owner", Value: "u1"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Ref.ID)
	assert.Equal(t, "b", docs[1].Ref.ID)

	// Re-owning a document moves it between index sets.
	err = store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, ref("b")); err != nil {
			return err
		}
		return tx.Set(ref("b"), item{Owner: "u2"})
	})
	require.NoError(t, err)

	docs, err = store.Query(ctx, docstore.Query{Collection: "items", Field: "owner", Value: "u1"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].Ref.ID)

	_, err = store.Query(ctx, docstore.Query{Collection: "items", Field: "tags", Value: "x"})
	assert.ErrorIs(t, err, docstore.ErrNotIndexed)
}

func TestStore_ArrayAppend(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	put(t, store, "a", item{Owner: "u1"})

	require.NoError(t, store.ArrayAppend(ctx, ref("a"), "tags", "x"))
	require.NoError(t, store.ArrayAppend(ctx, ref("a"), "tags", "y"))

	doc, err := store.Get(ctx, ref("a"))
	require.NoError(t, err)
	var got item
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, []string{"x", "y"}, got.Tags)
	assert.Equal(t, "u1", got.Owner)

	err = store.ArrayAppend(ctx, ref("missing"), "tags", "x")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestStore_SubscribeDeliversInitialAndChanges(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	type snap struct {
		exists bool
		n      int
	}
	got := make(chan snap, 16)
	unsub, err := store.Subscribe(ctx, ref("a"), func(doc docstore.Document, exists bool) {
		s := snap{exists: exists}
		if exists {
			var it item
			_ = json.Unmarshal(doc.Data, &it)
			s.n = it.N
		}
		got <- s
	})
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.False(t, s.exists)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	put(t, store, "a", item{N: 7})

	select {
	case s := <-got:
		assert.True(t, s.exists)
		assert.Equal(t, 7, s.n)
	case <-time.After(2 * time.Second):
		t.Fatal("no change snapshot")
	}

	unsub()
	unsub()

	put(t, store, "a", item{N: 8})
	select {
	case s := <-got:
		t.Fatalf("delivery after unsubscribe: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStore_SubscribeQuery(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	put(t, store, "a", item{Owner: "u1"})

	got := make(chan int, 16)
	unsub, err := store.SubscribeQuery(ctx, docstore.Query{Collection: "items", Field: "owner", Value: "u1"}, func(docs []docstore.Document) {
		got <- len(docs)
	})
	require.NoError(t, err)
	defer unsub()

	require.Equal(t, 1, <-got)

	put(t, store, "b", item{Owner: "u1"})
	select {
	case n := <-got:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no query refresh")
	}
}

func TestStore_SubscribeQuerySeesArrayAppend(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	put(t, store, "a", item{Owner: "u1"})

	got := make(chan []string, 16)
	unsub, err := store.SubscribeQuery(ctx, docstore.Query{Collection: "items", Field: "owner", Value: "u1"}, func(docs []docstore.Document) {
		var tags []string
		for _, d := range docs {
			var it item
			_ = d.Decode(&it)
			tags = append(tags, it.Tags...)
		}
		got <- tags
	})
	require.NoError(t, err)
	defer unsub()

	assert.Empty(t, <-got)

	require.NoError(t, store.ArrayAppend(ctx, ref("a"), "tags", "x"))
	select {
	case tags := <-got:
		assert.Equal(t, []string{"x"}, tags)
	case <-time.After(2 * time.Second):
		t.Fatal("append did not refresh the query")
	}
}

func TestStore_SubscribeQuerySeesDocumentLeave(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	put(t, store, "a", item{Owner: "u1"})

	got := make(chan int, 16)
	unsub, err := store.SubscribeQuery(ctx, docstore.Query{Collection: "items", Field: "owner", Value: "u1"}, func(docs []docstore.Document) {
		got <- len(docs)
	})
	require.NoError(t, err)
	defer unsub()

	require.Equal(t, 1, <-got)

	err = store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, ref("a")); err != nil {
			return err
		}
		return tx.Set(ref("a"), item{Owner: "u2"})
	})
	require.NoError(t, err)

	select {
	case n := <-got:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("old owner's subscribers were not told")
	}
}

func TestStore_SubscribeInitialSnapshotFailureReported(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	// A list under the document key makes GET fail with WRONGTYPE.
	_, err := mr.Lpush(store.docKey(ref("a")), "junk")
	require.NoError(t, err)

	errs := make(chan error, 1)
	unsub, err := store.Subscribe(ctx, ref("a"), func(docstore.Document, bool) {
		t.Error("snapshot delivered for an unreadable document")
	}, docstore.WithErrorHandler(func(err error) { errs <- err }))
	require.NoError(t, err)
	defer unsub()

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("initial snapshot failure not reported")
	}
}

func TestStore_PrefixIsolatesDeployments(t *testing.T) {
	mr := miniredis.RunT(t)
	newStore := func(prefix string) *Store {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		s := New(client, zap.NewNop(), WithIndex("items", "owner"), WithPrefix(prefix))
		t.Cleanup(func() { s.Close() })
		return s
	}
	blue, green := newStore("blue:"), newStore("green:")
	ctx := context.Background()

	put(t, blue, "a", item{Owner: "u1", N: 1})

	_, err := green.Get(ctx, ref("a"))
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	docs, err := green.Query(ctx, docstore.Query{Collection: "items", Field: "owner", Value: "u1"})
	require.NoError(t, err)
	assert.Empty(t, docs)

	assert.True(t, mr.Exists("blue:doc:items:a"))
}
