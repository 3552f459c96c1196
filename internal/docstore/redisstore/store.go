// Package redisstore implements docstore.Store on Redis.
//
// Documents are JSON strings. Transactions are WATCH/MULTI/EXEC: every key
// read inside a transaction is watched before it is read, so a concurrent
// commit to any of them makes EXEC fail and the transaction is re-run.
// Change notifications go out over pub/sub after each successful write.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Store struct {
	client  *redis.Client
	prefix  string
	indexes docstore.Indexes
	policy  docstore.RetryPolicy
	logger  *zap.Logger
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

// WithPrefix namespaces every key and channel.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

func New(client *redis.Client, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		client: client,
		policy: docstore.DefaultRetryPolicy(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) docKey(ref docstore.Ref) string {
	return s.prefix + "doc:" + ref.Collection + ":" + ref.ID
}

func (s *Store) indexKey(collection, field, value string) string {
	return s.prefix + "idx:" + collection + ":" + field + ":" + value
}

func (s *Store) docChannel(ref docstore.Ref) string {
	return s.prefix + "chg:" + ref.Collection + ":" + ref.ID
}

func (s *Store) queryChannel(collection, field, value string) string {
	return s.prefix + "chg:" + collection + ":" + field + "=" + value
}

func (s *Store) Get(ctx context.Context, ref docstore.Ref) (docstore.Document, error) {
	raw, err := s.client.Get(ctx, s.docKey(ref)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return docstore.Document{}, fmt.Errorf("get %s: %w", ref, docstore.ErrNotFound)
		}
		return docstore.Document{}, fmt.Errorf("get %s: %w", ref, err)
	}
	return docstore.Document{Ref: ref, Data: raw}, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if !s.indexes.Has(q) {
		return nil, fmt.Errorf("query %s.%s: %w", q.Collection, q.Field, docstore.ErrNotIndexed)
	}

	ids, err := s.client.SMembers(ctx, s.indexKey(q.Collection, q.Field, q.Value)).Result()
	if err != nil {
		return nil, fmt.Errorf("list index %s.%s: %w", q.Collection, q.Field, err)
	}
	docs := make([]docstore.Document, 0, len(ids))
	if len(ids) == 0 {
		return docs, nil
	}
	slices.Sort(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(docstore.Ref{Collection: q.Collection, ID: id})
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", q.Collection, err)
	}

	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		data := []byte(str)
		// Index sets are not pruned on every rewrite; re-check the field.
		if s.indexes.Values(q.Collection, data)[q.Field] != q.Value {
			continue
		}
		docs = append(docs, docstore.Document{
			Ref:  docstore.Ref{Collection: q.Collection, ID: ids[i]},
			Data: data,
		})
	}
	return docs, nil
}

func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	return docstore.Retry(ctx, s.policy, redis.TxFailedErr, func() error {
		var t *tx
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			t = &tx{store: s, rtx: rtx, reads: make(map[docstore.Ref][]byte)}
			if err := fn(ctx, t); err != nil {
				return err
			}
			return t.commit(ctx)
		})
		if err != nil {
			return err
		}
		s.publish(ctx, t.changes)
		return nil
	})
}

func (s *Store) ArrayAppend(ctx context.Context, ref docstore.Ref, field string, elem any) error {
	elemRaw, err := docstore.Marshal(elem)
	if err != nil {
		return fmt.Errorf("encode element: %w", err)
	}
	key := s.docKey(ref)

	// Redis has no in-place JSON array update, so this is a short
	// watched read-modify-write. Callers never see the read.
	var indexed map[string]string
	err = docstore.Retry(ctx, s.policy, redis.TxFailedErr, func() error {
		return s.client.Watch(ctx, func(rtx *redis.Tx) error {
			raw, err := rtx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return docstore.ErrNotFound
				}
				return err
			}
			body, err := appendField(raw, field, elemRaw)
			if err != nil {
				return err
			}
			indexed = s.indexes.Values(ref.Collection, body)
			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, body, 0)
				return nil
			})
			return err
		}, key)
	})
	if err != nil {
		return fmt.Errorf("append %s.%s: %w", ref, field, err)
	}

	s.publish(ctx, []change{{ref: ref, queries: s.queryChannels(ref.Collection, indexed)}})
	return nil
}

func appendField(raw []byte, field string, elem json.RawMessage) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	var arr []json.RawMessage
	if cur, ok := fields[field]; ok && string(cur) != "null" {
		if err := json.Unmarshal(cur, &arr); err != nil {
			return nil, fmt.Errorf("field %q is not an array: %w", field, err)
		}
	}
	arr = append(arr, elem)
	encoded, err := json.Marshal(arr)
	if err != nil {
		return nil, err
	}
	fields[field] = encoded
	return json.Marshal(fields)
}

func (s *Store) Close() error {
	return s.client.Close()
}

// change is a committed write that subscribers must hear about. queries
// lists the query channels of every index value the document held before
// or after the write.
type change struct {
	ref     docstore.Ref
	queries []string
}

func (s *Store) queryChannels(collection string, values ...map[string]string) []string {
	var out []string
	for _, vals := range values {
		for field, value := range vals {
			ch := s.queryChannel(collection, field, value)
			if !slices.Contains(out, ch) {
				out = append(out, ch)
			}
		}
	}
	return out
}

func (s *Store) publish(ctx context.Context, changes []change) {
	if len(changes) == 0 {
		return
	}
	pipe := s.client.Pipeline()
	for _, c := range changes {
		pipe.Publish(ctx, s.docChannel(c.ref), c.ref.ID)
		for _, ch := range c.queries {
			pipe.Publish(ctx, ch, c.ref.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("publish change notifications", zap.Error(err))
	}
}

// tx buffers writes until commit. Reads go straight to Redis after the key
// has been watched.
type tx struct {
	store   *Store
	rtx     *redis.Tx
	reads   map[docstore.Ref][]byte
	writes  []write
	changes []change
}

type write struct {
	ref  docstore.Ref
	data []byte
}

func (t *tx) Get(ctx context.Context, ref docstore.Ref) (docstore.Document, error) {
	if len(t.writes) > 0 {
		return docstore.Document{}, docstore.ErrReadAfterWrite
	}
	key := t.store.docKey(ref)
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return docstore.Document{}, fmt.Errorf("watch %s: %w", ref, err)
	}
	raw, err := t.rtx.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			t.reads[ref] = nil
			return docstore.Document{}, fmt.Errorf("get %s: %w", ref, docstore.ErrNotFound)
		}
		return docstore.Document{}, fmt.Errorf("get %s: %w", ref, err)
	}
	t.reads[ref] = raw
	return docstore.Document{Ref: ref, Data: raw}, nil
}

func (t *tx) Set(ref docstore.Ref, v any) error {
	data, err := docstore.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ref, err)
	}
	t.writes = append(t.writes, write{ref: ref, data: data})
	return nil
}

func (t *tx) commit(ctx context.Context) error {
	if len(t.writes) == 0 {
		return nil
	}
	s := t.store
	changes := make([]change, 0, len(t.writes))

	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range t.writes {
			pipe.Set(ctx, s.docKey(w.ref), w.data, 0)

			next := s.indexes.Values(w.ref.Collection, w.data)
			for field, value := range next {
				pipe.SAdd(ctx, s.indexKey(w.ref.Collection, field, value), w.ref.ID)
			}
			// A document leaving an index value is a change for that
			// value's subscribers too.
			var prev map[string]string
			if raw := t.reads[w.ref]; raw != nil {
				prev = s.indexes.Values(w.ref.Collection, raw)
				for field, value := range prev {
					if next[field] != value {
						pipe.SRem(ctx, s.indexKey(w.ref.Collection, field, value), w.ref.ID)
					}
				}
			}
			changes = append(changes, change{ref: w.ref, queries: s.queryChannels(w.ref.Collection, next, prev)})
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.changes = changes
	return nil
}

// Subscribe listens on the document's change channel. The subscription is
// confirmed before the initial snapshot is read so no write can fall in
// between.
func (s *Store) Subscribe(ctx context.Context, ref docstore.Ref, fn func(docstore.Document, bool), opts ...docstore.SubscribeOption) (docstore.Unsubscribe, error) {
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
	return s.listen(ctx, s.docChannel(ref), deliver, docstore.ApplySubscribeOptions(opts))
}

func (s *Store) SubscribeQuery(ctx context.Context, q docstore.Query, fn func([]docstore.Document), opts ...docstore.SubscribeOption) (docstore.Unsubscribe, error) {
	if !s.indexes.Has(q) {
		return nil, fmt.Errorf("subscribe %s.%s: %w", q.Collection, q.Field, docstore.ErrNotIndexed)
	}
	deliver := func(ctx context.Context) error {
		docs, err := s.Query(ctx, q)
		if err != nil {
			return err
		}
		fn(docs)
		return nil
	}
	return s.listen(ctx, s.queryChannel(q.Collection, q.Field, q.Value), deliver, docstore.ApplySubscribeOptions(opts))
}

func (s *Store) listen(ctx context.Context, channel string, deliver func(context.Context) error, cfg docstore.SubscribeConfig) (docstore.Unsubscribe, error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		msgs := ps.Channel()

		// Without a first snapshot the subscriber has nothing to refresh
		// from, so this ends the subscription like a dropped connection.
		if err := deliver(subCtx); err != nil {
			if subCtx.Err() == nil {
				s.logger.Warn("initial snapshot failed", zap.String("channel", channel), zap.Error(err))
				cfg.OnError(fmt.Errorf("initial snapshot %s: %w", channel, err))
			}
			return
		}
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					if subCtx.Err() == nil {
						cfg.OnError(fmt.Errorf("subscription %s closed", channel))
					}
					return
				}
				if err := deliver(subCtx); err != nil && subCtx.Err() == nil {
					s.logger.Warn("snapshot refresh failed", zap.String("channel", channel), zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			ps.Close()
			<-done
		})
	}, nil
}
