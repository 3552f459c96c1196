package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/groupchat/internal/docstore"
	"go.uber.org/zap"
)

// hub owns one LISTEN connection and fans notifications out to
// subscribers. The connection is opened on first subscribe and closed when
// the last subscriber leaves or it fails.
type hub struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu      sync.Mutex
	nextID  int
	subs    map[int]*subscriber
	cancel  context.CancelFunc
	running bool
}

type subscriber struct {
	match   func(notification) bool
	signal  chan struct{}
	onError func(error)
	cancel  context.CancelFunc
}

func newHub(pool *pgxpool.Pool, logger *zap.Logger) *hub {
	return &hub{
		pool:   pool,
		logger: logger,
		subs:   make(map[int]*subscriber),
	}
}

func (h *hub) subscribe(ctx context.Context, match func(notification) bool, deliver func(context.Context) error, cfg docstore.SubscribeConfig) (docstore.Unsubscribe, error) {
	if err := h.ensureListening(ctx); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		match:   match,
		signal:  make(chan struct{}, 1),
		onError: cfg.OnError,
		cancel:  cancel,
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	// The first snapshot is read after registration so nothing committed
	// from here on can be missed.
	sub.signal <- struct{}{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		first := true
		for {
			select {
			case <-subCtx.Done():
				return
			case <-sub.signal:
				err := deliver(subCtx)
				if err == nil || subCtx.Err() != nil {
					first = false
					continue
				}
				if first {
					// No first snapshot means nothing to refresh from; the
					// owner resubscribes as it would after a lost listener.
					h.logger.Warn("initial snapshot failed", zap.Error(err))
					h.remove(id)
					sub.onError(fmt.Errorf("initial snapshot: %w", err))
					return
				}
				h.logger.Warn("snapshot refresh failed", zap.Error(err))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			h.remove(id)
		})
	}, nil
}

func (h *hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
	if len(h.subs) == 0 && h.running {
		h.cancel()
		h.running = false
	}
}

func (h *hub) ensureListening(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}

	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	pgConn := conn.Hijack()
	if _, err := pgConn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		pgConn.Close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.running = true

	go func() {
		defer pgConn.Close(context.Background())
		for {
			n, err := pgConn.WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					h.fail(fmt.Errorf("wait for notification: %w", err))
				}
				return
			}
			var payload notification
			if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
				h.logger.Warn("bad change notification", zap.String("payload", n.Payload), zap.Error(err))
				continue
			}
			h.dispatch(payload)
		}
	}()
	return nil
}

func (h *hub) dispatch(n notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if !sub.match(n) {
			continue
		}
		// Coalesce: one pending refresh covers any number of changes.
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

// fail drops every subscriber after the listen connection died. Owners
// resubscribe through their error callbacks.
func (h *hub) fail(err error) {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[int]*subscriber)
	h.running = false
	h.mu.Unlock()

	h.logger.Error("change listener stopped", zap.Error(err))
	for _, sub := range subs {
		sub.cancel()
		sub.onError(err)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		h.cancel()
		h.running = false
	}
	for id, sub := range h.subs {
		sub.cancel()
		delete(h.subs, id)
	}
}
