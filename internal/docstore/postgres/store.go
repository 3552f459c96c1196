// Package postgres implements docstore.Store on a single Postgres table of
// JSONB documents.
//
// Every document carries a version. A transaction remembers the version of
// each document it read; at commit it locks those rows, and if any version
// moved the whole transaction function is re-run. Change notifications use
// LISTEN/NOTIFY.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/groupchat/internal/docstore"
	"go.uber.org/zap"
)

const notifyChannel = "docstore_changes"

const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		collection text        NOT NULL,
		id         text        NOT NULL,
		body       jsonb       NOT NULL,
		version    bigint      NOT NULL DEFAULT 1,
		updated_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	)`

// errStale marks a lost optimistic-concurrency race inside one attempt.
var errStale = errors.New("stale read")

type Store struct {
	pool    *pgxpool.Pool
	indexes docstore.Indexes
	policy  docstore.RetryPolicy
	logger  *zap.Logger
	hub     *hub
}

var _ docstore.Store = (*Store)(nil)

type Option func(*Store)

// WithIndex makes (collection, field) queryable.
func WithIndex(collection, field string) Option {
	return func(s *Store) {
		s.indexes = append(s.indexes, docstore.Index{Collection: collection, Field: field})
	}
}

// WithRetryPolicy overrides the transaction retry policy.
func WithRetryPolicy(p docstore.RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

func New(pool *pgxpool.Pool, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		policy: docstore.DefaultRetryPolicy(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(pool, logger)
	return s
}

// Migrate creates the documents table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	// Expression indexes back the configured queries.
	for _, idx := range s.indexes {
		name := "documents_" + sanitize(idx.Collection) + "_" + sanitize(idx.Field) + "_idx"
		stmt := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON documents ((body->>'%s')) WHERE collection = '%s'`,
			name, sanitize(idx.Field), sanitize(idx.Collection),
		)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}

func (s *Store) Get(ctx context.Context, ref docstore.Ref) (docstore.Document, error) {
	query := `
		SELECT body
		FROM documents
		WHERE collection = $1 AND id = $2`

	var body []byte
	err := s.pool.QueryRow(ctx, query, ref.Collection, ref.ID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return docstore.Document{}, fmt.Errorf("get %s: %w", ref, docstore.ErrNotFound)
		}
		return docstore.Document{}, fmt.Errorf("get %s: %w", ref, err)
	}
	return docstore.Document{Ref: ref, Data: body}, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if !s.indexes.Has(q) {
		return nil, fmt.Errorf("query %s.%s: %w", q.Collection, q.Field, docstore.ErrNotIndexed)
	}

	query := `
		SELECT id, body
		FROM documents
		WHERE collection = $1 AND body->>($2::text) = $3
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query, q.Collection, q.Field, q.Value)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	docs := make([]docstore.Document, 0)
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Collection, err)
		}
		docs = append(docs, docstore.Document{
			Ref:  docstore.Ref{Collection: q.Collection, ID: id},
			Data: body,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", q.Collection, err)
	}
	return docs, nil
}

func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	return docstore.Retry(ctx, s.policy, errStale, func() error {
		t := &tx{store: s, reads: make(map[docstore.Ref]readState)}
		if err := fn(ctx, t); err != nil {
			return err
		}
		return t.commit(ctx)
	})
}

func (s *Store) ArrayAppend(ctx context.Context, ref docstore.Ref, field string, elem any) error {
	elemRaw, err := docstore.Marshal(elem)
	if err != nil {
		return fmt.Errorf("encode element: %w", err)
	}

	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer pgTx.Rollback(ctx)

	query := `
		UPDATE documents
		SET body = jsonb_set(
				body,
				ARRAY[$3::text],
				CASE WHEN jsonb_typeof(body->($3::text)) = 'array' THEN body->($3::text) ELSE '[]'::jsonb END
					|| jsonb_build_array($4::jsonb)
			),
			version = version + 1,
			updated_at = now()
		WHERE collection = $1 AND id = $2
		RETURNING body`

	var body []byte
	err = pgTx.QueryRow(ctx, query, ref.Collection, ref.ID, field, string(elemRaw)).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("append %s.%s: %w", ref, field, docstore.ErrNotFound)
		}
		return fmt.Errorf("append %s.%s: %w", ref, field, err)
	}

	if err := s.notify(ctx, pgTx, ref, s.indexes.Values(ref.Collection, body)); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.hub.close()
	return nil
}

// notification is the NOTIFY payload.
type notification struct {
	Collection string            `json:"c"`
	ID         string            `json:"id"`
	Indexed    map[string]string `json:"ix,omitempty"`
}

// notify queues a change notification inside pgTx. Postgres delivers it on
// commit and drops it on rollback.
func (s *Store) notify(ctx context.Context, pgTx pgx.Tx, ref docstore.Ref, indexed map[string]string) error {
	payload, err := json.Marshal(notification{Collection: ref.Collection, ID: ref.ID, Indexed: indexed})
	if err != nil {
		return err
	}
	if _, err := pgTx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", ref, err)
	}
	return nil
}

// readState is what a transaction saw for one document. Version 0 means
// the document did not exist.
type readState struct {
	version int64
	body    []byte
}

type tx struct {
	store  *Store
	reads  map[docstore.Ref]readState
	writes []write
}

type write struct {
	ref  docstore.Ref
	data []byte
}

func (t *tx) Get(ctx context.Context, ref docstore.Ref) (docstore.Document, error) {
	if len(t.writes) > 0 {
		return docstore.Document{}, docstore.ErrReadAfterWrite
	}

	query := `
		SELECT body, version
		FROM documents
		WHERE collection = $1 AND id = $2`

	var rs readState
	err := t.store.pool.QueryRow(ctx, query, ref.Collection, ref.ID).Scan(&rs.body, &rs.version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			t.reads[ref] = readState{}
			return docstore.Document{}, fmt.Errorf("get %s: %w", ref, docstore.ErrNotFound)
		}
		return docstore.Document{}, fmt.Errorf("get %s: %w", ref, err)
	}
	t.reads[ref] = rs
	return docstore.Document{Ref: ref, Data: rs.body}, nil
}

func (t *tx) Set(ref docstore.Ref, v any) error {
	data, err := docstore.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ref, err)
	}
	t.writes = append(t.writes, write{ref: ref, data: data})
	return nil
}

// commit validates the reads and applies the buffered writes in one
// Postgres transaction.
//
// Why lock rows and compare versions instead of SERIALIZABLE?
//   - The transaction function ran outside any Postgres transaction, so
//     the isolation level would only cover the commit, not the reads.
//   - SELECT ... FOR UPDATE on every row that was read pins those rows
//     until commit. A version that moved since the read means someone
//     committed in between, and the whole function is re-run.
//   - Rows are locked sorted by (collection, id). Two commits touching
//     the same rows then queue behind each other instead of deadlocking.
//
// Documents read as missing have no row to lock. The insert uses
// ON CONFLICT DO NOTHING and a zero row count is the same stale signal.
func (t *tx) commit(ctx context.Context) error {
	if len(t.writes) == 0 {
		return nil
	}
	s := t.store

	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer pgTx.Rollback(ctx)

	refs := make([]docstore.Ref, 0, len(t.reads))
	for ref := range t.reads {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, func(a, b docstore.Ref) int {
		if c := strings.Compare(a.Collection, b.Collection); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	for _, ref := range refs {
		var version int64
		err := pgTx.QueryRow(ctx,
			`SELECT version FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
			ref.Collection, ref.ID,
		).Scan(&version)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return classify(fmt.Errorf("lock %s: %w", ref, err))
		}
		if version != t.reads[ref].version {
			return errStale
		}
	}

	for _, w := range t.writes {
		rs, wasRead := t.reads[w.ref]
		var tag pgconn.CommandTag
		switch {
		case wasRead && rs.version > 0:
			tag, err = pgTx.Exec(ctx, `
				UPDATE documents
				SET body = $3, version = version + 1, updated_at = now()
				WHERE collection = $1 AND id = $2`,
				w.ref.Collection, w.ref.ID, string(w.data))
		case wasRead:
			tag, err = pgTx.Exec(ctx, `
				INSERT INTO documents (collection, id, body)
				VALUES ($1, $2, $3)
				ON CONFLICT (collection, id) DO NOTHING`,
				w.ref.Collection, w.ref.ID, string(w.data))
		default:
			tag, err = pgTx.Exec(ctx, `
				INSERT INTO documents (collection, id, body)
				VALUES ($1, $2, $3)
				ON CONFLICT (collection, id) DO UPDATE
				SET body = EXCLUDED.body, version = documents.version + 1, updated_at = now()`,
				w.ref.Collection, w.ref.ID, string(w.data))
		}
		if err != nil {
			return classify(fmt.Errorf("write %s: %w", w.ref, err))
		}
		if tag.RowsAffected() == 0 {
			// Someone created the document after we saw it missing.
			return errStale
		}

		indexed := s.indexes.Values(w.ref.Collection, w.data)
		for field, value := range s.indexes.Values(w.ref.Collection, rs.body) {
			if _, ok := indexed[field]; !ok {
				indexed[field] = value
			}
		}
		if err := s.notify(ctx, pgTx, w.ref, indexed); err != nil {
			return err
		}
	}

	if err := pgTx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify turns serialization failures and deadlocks into retryable
// conflicts.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", errStale, err)
		}
	}
	return err
}

func (s *Store) Subscribe(ctx context.Context, ref docstore.Ref, fn func(docstore.Document, bool), opts ...docstore.SubscribeOption) (docstore.Unsubscribe, error) {
	match := func(n notification) bool {
		return n.Collection == ref.Collection && n.ID == ref.ID
	}
	deliver := func(ctx context.Context) error {
		doc, err := s.Get(ctx, ref)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				fn(docstore.Document{Ref: ref}, false)
				return nil
			}
			return err
		}
		fn(doc, true)
		return nil
	}
	return s.hub.subscribe(ctx, match, deliver, docstore.ApplySubscribeOptions(opts))
}

func (s *Store) SubscribeQuery(ctx context.Context, q docstore.Query, fn func([]docstore.Document), opts ...docstore.SubscribeOption) (docstore.Unsubscribe, error) {
	if !s.indexes.Has(q) {
		return nil, fmt.Errorf("subscribe %s.%s: %w", q.Collection, q.Field, docstore.ErrNotIndexed)
	}
	match := func(n notification) bool {
		return n.Collection == q.Collection && n.Indexed[q.Field] == q.Value
	}
	deliver := func(ctx context.Context) error {
		docs, err := s.Query(ctx, q)
		if err != nil {
			return err
		}
		fn(docs)
		return nil
	}
	return s.hub.subscribe(ctx, match, deliver, docstore.ApplySubscribeOptions(opts))
}
