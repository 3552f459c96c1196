// Package docstore is the contract the core expects from a replicated
// document database: single-document reads, optimistic multi-document
// transactions with automatic retry, live subscriptions and a best-effort
// array append.
//
// Implementations live in the redisstore and postgres subpackages.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	// ErrNotFound is returned when a referenced document does not exist.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrTxConflict is returned once a transaction has lost the
	// optimistic-concurrency race MaxAttempts times in a row.
	ErrTxConflict = errors.New("docstore: transaction conflict")

	// ErrReadAfterWrite is returned when a transaction reads after it has
	// already buffered a write. Conflict detection depends on every read
	// happening first.
	ErrReadAfterWrite = errors.New("docstore: read after write in transaction")

	// ErrNotIndexed is returned for queries on a (collection, field) pair the
	// store was not configured to index.
	ErrNotIndexed = errors.New("docstore: field is not indexed")
)

// Ref addresses a single document.
type Ref struct {
	Collection string
	ID         string
}

func (r Ref) String() string { return r.Collection + "/" + r.ID }

// Query selects the documents of a collection whose top-level string field
// equals Value.
type Query struct {
	Collection string
	Field      string
	Value      string
}

// Index names a queryable (collection, field) pair.
type Index struct {
	Collection string
	Field      string
}

// Document is a raw JSON document as stored.
type Document struct {
	Ref  Ref
	Data json.RawMessage
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Ref, err)
	}
	return nil
}

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// Tx is the handle passed to a transaction function. All Get calls must
// happen before the first Set.
type Tx interface {
	Get(ctx context.Context, ref Ref) (Document, error)
	Set(ref Ref, v any) error
}

// TxFunc is the body of a transaction. It may run several times; it must
// not have side effects outside the Tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the document database.
type Store interface {
	// Get returns ErrNotFound when the document is missing.
	Get(ctx context.Context, ref Ref) (Document, error)

	// Query returns every document matching q. The field must be indexed.
	Query(ctx context.Context, q Query) ([]Document, error)

	// RunTransaction runs fn and commits its writes atomically. Conflicting
	// concurrent commits cause fn to be re-run; after MaxAttempts the error
	// wraps ErrTxConflict. Errors returned by fn abort without retry.
	RunTransaction(ctx context.Context, fn TxFunc) error

	// Subscribe delivers the current state of ref and then every change.
	// The bool is false while the document does not exist.
	Subscribe(ctx context.Context, ref Ref, fn func(Document, bool), opts ...SubscribeOption) (Unsubscribe, error)

	// SubscribeQuery delivers the current result of q and then the new
	// result after every change to a matching document.
	SubscribeQuery(ctx context.Context, q Query, fn func([]Document), opts ...SubscribeOption) (Unsubscribe, error)

	// ArrayAppend appends elem to the array at the top-level field of ref
	// without a caller-side read. It is not transactional with respect to
	// RunTransaction callers beyond the store's own write atomicity.
	ArrayAppend(ctx context.Context, ref Ref, field string, elem any) error

	Close() error
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeConfig)

// SubscribeConfig is the resolved set of subscription options.
type SubscribeConfig struct {
	OnError func(error)
}

// WithErrorHandler registers a callback for subscription failures such as
// a dropped connection. The subscription is dead after the callback runs;
// the owner is expected to resubscribe.
func WithErrorHandler(fn func(error)) SubscribeOption {
	return func(c *SubscribeConfig) { c.OnError = fn }
}

// ApplySubscribeOptions resolves opts. Used by implementations.
func ApplySubscribeOptions(opts []SubscribeOption) SubscribeConfig {
	cfg := SubscribeConfig{OnError: func(error) {}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// RetryPolicy bounds transaction retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy mirrors the usual hosted document store defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
	}
}

// Backoff returns the jittered delay before attempt n (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay << min(attempt, 16)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d/2+1)
}

// Retry calls attempt until it succeeds, returns an error that is not
// errConflict, the context ends, or the policy runs out. Implementations
// use it to drive their optimistic commit loops.
func Retry(ctx context.Context, p RetryPolicy, errConflict error, attempt func() error) error {
	maxAttempts := max(p.MaxAttempts, 1)
	var last error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			t := time.NewTimer(p.Backoff(i - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		last = attempt()
		if last == nil {
			return nil
		}
		if !errors.Is(last, errConflict) {
			return last
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrTxConflict, maxAttempts, last)
}
