package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/groupchat/internal/automation"
	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/lalith-99/groupchat/internal/models"
	"github.com/lalith-99/groupchat/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames and the occasional close.
	maxReadSize = 512
)

var errClientGone = errors.New("client went away")

// StreamHandler pushes live snapshots over WebSocket. Each connection runs
// its own automation scheduler for what it shows, so scripted messages keep
// flowing for as long as anyone is watching. The scheduler stops with the
// connection.
type StreamHandler struct {
	experiments repository.ExperimentRepository
	groups      repository.GroupRepository
	dispatcher  *automation.Dispatcher
	schedOpts   []automation.SchedulerOption
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

func NewStreamHandler(
	experiments repository.ExperimentRepository,
	groups repository.GroupRepository,
	dispatcher *automation.Dispatcher,
	logger *zap.Logger,
	schedOpts ...automation.SchedulerOption,
) *StreamHandler {
	return &StreamHandler{
		experiments: experiments,
		groups:      groups,
		dispatcher:  dispatcher,
		schedOpts:   schedOpts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The survey frontend is served from another origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

type streamEvent struct {
	Type   string      `json:"type"`
	Group  *groupView  `json:"group,omitempty"`
	Groups []groupView `json:"groups,omitempty"`
}

// GroupStream handles GET /v1/groups/:id/ws
func (h *StreamHandler) GroupStream(c *gin.Context) {
	g, err := h.groups.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to get group", zap.String("group_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get group"})
		return
	}
	if g == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return
	}

	scope := automation.Scope{ExperimentID: g.ExperimentID, GroupID: g.ID}
	h.serve(c, scope, func(ctx context.Context, out *outbox) (docstore.Unsubscribe, error) {
		return h.groups.Subscribe(ctx, g.ID, func(g *models.Group) {
			ev := streamEvent{Type: "group"}
			if g != nil {
				v := newGroupView(g)
				ev.Group = &v
			}
			out.put(ev)
		}, docstore.WithErrorHandler(out.fail))
	})
}

// ExperimentStream handles GET /v1/admin/experiments/:id/ws
func (h *StreamHandler) ExperimentStream(c *gin.Context) {
	exp, err := h.experiments.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to get experiment", zap.String("experiment_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get experiment"})
		return
	}
	if exp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "experiment not found"})
		return
	}

	scope := automation.Scope{ExperimentID: exp.ID}
	h.serve(c, scope, func(ctx context.Context, out *outbox) (docstore.Unsubscribe, error) {
		return h.groups.SubscribeByExperiment(ctx, exp.ID, func(groups []models.Group) {
			ev := streamEvent{Type: "groups", Groups: make([]groupView, 0, len(groups))}
			for i := range groups {
				ev.Groups = append(ev.Groups, newGroupView(&groups[i]))
			}
			out.put(ev)
		}, docstore.WithErrorHandler(out.fail))
	})
}

type subscribeFunc func(ctx context.Context, out *outbox) (docstore.Unsubscribe, error)

// serve upgrades the connection and runs the read pump, the write pump and
// the scheduler until any of them stops.
func (h *StreamHandler) serve(c *gin.Context, scope automation.Scope, subscribe subscribeFunc) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already replied.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("scope", scope.String()))
	g, ctx := errgroup.WithContext(c.Request.Context())

	out := newOutbox()
	unsub, err := subscribe(ctx, out)
	if err != nil {
		logger.Error("failed to subscribe", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		return
	}
	defer unsub()

	sched := automation.NewScheduler(scope, h.experiments, h.groups, h.dispatcher, logger, h.schedOpts...)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return readPump(conn) })
	g.Go(func() error { return writePump(ctx, conn, out) })

	if err := g.Wait(); err != nil && !errors.Is(err, errClientGone) {
		logger.Warn("stream closed", zap.Error(err))
		return
	}
	logger.Debug("stream closed")
}

// readPump only services control frames. It returns when the peer closes
// or stops answering pings.
func readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxReadSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return err
			}
			return errClientGone
		}
	}
}

// writePump owns every write to conn. Closing conn on exit unblocks
// readPump.
func writePump(ctx context.Context, conn *websocket.Conn, out *outbox) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		case <-out.notify:
			msg, err := out.take()
			if err != nil {
				return err
			}
			if msg == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return errClientGone
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return errClientGone
			}
		}
	}
}

// outbox holds the latest encoded snapshot for the write pump. Snapshots
// are complete states, so a slow client only ever skips intermediate ones.
type outbox struct {
	mu      sync.Mutex
	pending []byte
	err     error
	notify  chan struct{}
}

func newOutbox() *outbox {
	return &outbox{notify: make(chan struct{}, 1)}
}

func (o *outbox) put(ev streamEvent) {
	b, err := json.Marshal(ev)
	o.mu.Lock()
	if err != nil {
		o.err = err
	} else {
		o.pending = b
	}
	o.mu.Unlock()
	o.poke()
}

func (o *outbox) fail(err error) {
	o.mu.Lock()
	if o.err == nil {
		o.err = err
	}
	o.mu.Unlock()
	o.poke()
}

func (o *outbox) poke() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) take() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	b := o.pending
	o.pending = nil
	return b, nil
}
