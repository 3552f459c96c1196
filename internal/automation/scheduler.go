package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/lalith-99/groupchat/internal/models"
	"github.com/lalith-99/groupchat/internal/observ"
	"github.com/lalith-99/groupchat/internal/plan"
	"github.com/lalith-99/groupchat/internal/repository"
	"go.uber.org/zap"
)

// DefaultRetryDelay is how long a failed dispatch waits before the next
// attempt from the same scheduler.
const DefaultRetryDelay = 2 * time.Second

// Scope selects what a scheduler watches. With GroupID set only that group
// is driven (participant view); otherwise every group of the experiment is
// (admin view).
type Scope struct {
	ExperimentID string
	GroupID      string
}

func (s Scope) String() string {
	if s.GroupID != "" {
		return s.ExperimentID + "/" + s.GroupID
	}
	return s.ExperimentID
}

type settledKey struct {
	groupID string
	key     plan.Key
}

// Scheduler drives scripted messages for one scope. Any number of
// schedulers, in this process or others, may run against the same groups;
// DispatchOnce makes them converge on one copy of each message.
//
// A scheduler is single use: call Run once.
type Scheduler struct {
	scope       Scope
	experiments repository.ExperimentRepository
	groups      repository.GroupRepository
	dispatcher  *Dispatcher
	now         func() time.Time
	retryDelay  time.Duration
	metrics     *observ.Metrics
	logger      *zap.Logger

	// Owned by the Run goroutine.
	exp     *models.Experiment
	watched []models.Group
	version string
	settled map[settledKey]struct{}
	inbox   inbox
}

type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides time.Now for elapsed time.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func WithRetryDelay(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

func WithSchedulerMetrics(m *observ.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

func NewScheduler(
	scope Scope,
	experiments repository.ExperimentRepository,
	groups repository.GroupRepository,
	dispatcher *Dispatcher,
	logger *zap.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		scope:       scope,
		experiments: experiments,
		groups:      groups,
		dispatcher:  dispatcher,
		now:         time.Now,
		retryDelay:  DefaultRetryDelay,
		logger:      logger.With(zap.String("scope", scope.String())),
		settled:     make(map[settledKey]struct{}),
		inbox:       inbox{notify: make(chan struct{}, 1)},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run watches the scope until ctx is cancelled, dispatching every item as
// it becomes due. It returns nil on cancellation and the subscription error
// when the store drops a live subscription; the caller decides whether to
// start a new scheduler.
//
// One timer is armed at a time, for the earliest future item across the
// watched groups. With nothing left in the future the loop sleeps until the
// plan or a group changes.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.scope.ExperimentID == "" {
		return errors.New("automation: scope has no experiment")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	onErr := docstore.WithErrorHandler(s.inbox.fail)

	unsubExp, err := s.experiments.Subscribe(ctx, s.scope.ExperimentID, s.inbox.setExperiment, onErr)
	if err != nil {
		return fmt.Errorf("subscribe experiment: %w", err)
	}
	defer unsubExp()

	var unsubGroups docstore.Unsubscribe
	if s.scope.GroupID != "" {
		unsubGroups, err = s.groups.Subscribe(ctx, s.scope.GroupID, func(g *models.Group) {
			if g == nil {
				s.inbox.setGroups(nil)
				return
			}
			s.inbox.setGroups([]models.Group{*g})
		}, onErr)
	} else {
		unsubGroups, err = s.groups.SubscribeByExperiment(ctx, s.scope.ExperimentID, s.inbox.setGroups, onErr)
	}
	if err != nil {
		return fmt.Errorf("subscribe groups: %w", err)
	}
	defer unsubGroups()

	s.metrics.SchedulerStarted()
	defer s.metrics.SchedulerStopped()
	s.logger.Debug("scheduler started")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	var wake <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopped")
			return nil
		case <-s.inbox.notify:
			snap := s.inbox.take()
			if snap.err != nil {
				return fmt.Errorf("subscription lost: %w", snap.err)
			}
			if snap.expChanged {
				s.exp = snap.exp
			}
			if snap.groupsChanged {
				s.watched = snap.groups
			}
		case <-wake:
		}

		wait, ok := s.pass(ctx, s.now())
		if ctx.Err() != nil {
			continue
		}
		timer.Stop()
		if ok {
			timer.Reset(wait)
			wake = timer.C
		} else {
			wake = nil
		}
	}
}

// pass dispatches everything due at now across the watched groups and
// returns the delay until the next wake-up. ok is false when nothing is
// left to wait for.
func (s *Scheduler) pass(ctx context.Context, now time.Time) (wait time.Duration, ok bool) {
	if s.exp == nil {
		return 0, false
	}
	items := s.exp.MessagePlan
	if v := plan.Version(s.exp); v != s.version {
		s.version = v
		clear(s.settled)
	}

	soonest := func(d time.Duration) {
		d = max(d, 0)
		if !ok || d < wait {
			wait, ok = d, true
		}
	}

	kept := make([]models.Group, 0, len(s.watched))
	for _, g := range s.watched {
		gone := false
		for _, i := range plan.Due(items, g.GroupType, g.CreatedAt, now) {
			key := plan.Key{Version: s.version, Index: i}
			sk := settledKey{groupID: g.ID, key: key}
			if _, done := s.settled[sk]; done || g.IsSent(key.String()) {
				continue
			}
			sent, err := s.dispatcher.DispatchOnce(ctx, g.ID, items[i].Message, key)
			if err != nil {
				if ctx.Err() != nil {
					return 0, false
				}
				if errors.Is(err, ErrNotFound) {
					s.logger.Info("group disappeared, no longer watched", zap.String("group_id", g.ID))
					gone = true
					break
				}
				s.logger.Warn("scripted dispatch failed",
					zap.String("group_id", g.ID),
					zap.String("message_id", key.String()),
					zap.Error(err),
				)
				soonest(s.retryDelay)
				continue
			}
			s.settled[sk] = struct{}{}
			if sent {
				s.logger.Info("scripted message sent",
					zap.String("group_id", g.ID),
					zap.String("message_id", key.String()),
				)
			}
		}
		if gone {
			continue
		}
		kept = append(kept, g)
		if d, next := plan.NextDue(items, g.GroupType, g.CreatedAt, now); next {
			soonest(d)
		}
	}
	s.watched = kept
	return wait, ok
}

// inbox hands snapshots from subscription callbacks to the Run loop.
//
// Why keep only the latest snapshot instead of queueing every one?
//   - Each snapshot is the full state of the experiment or the groups, so
//     an older one carries nothing the newer one lacks.
//   - Callbacks run on store goroutines and must never block. A buffered
//     channel of snapshots would block once the loop falls behind, for
//     example while a dispatch is retrying.
//   - notify has room for one token. Any number of updates between two
//     loop iterations collapse into a single wake-up.
//
// A subscription error is sticky: the first one wins and ends Run.
type inbox struct {
	mu            sync.Mutex
	exp           *models.Experiment
	expChanged    bool
	groups        []models.Group
	groupsChanged bool
	err           error
	notify        chan struct{}
}

type snapshot struct {
	exp           *models.Experiment
	expChanged    bool
	groups        []models.Group
	groupsChanged bool
	err           error
}

func (b *inbox) setExperiment(exp *models.Experiment) {
	b.mu.Lock()
	b.exp, b.expChanged = exp, true
	b.mu.Unlock()
	b.poke()
}

func (b *inbox) setGroups(groups []models.Group) {
	b.mu.Lock()
	b.groups, b.groupsChanged = groups, true
	b.mu.Unlock()
	b.poke()
}

func (b *inbox) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.poke()
}

func (b *inbox) poke() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *inbox) take() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := snapshot{
		exp:           b.exp,
		expChanged:    b.expChanged,
		groups:        b.groups,
		groupsChanged: b.groupsChanged,
		err:           b.err,
	}
	b.expChanged, b.groupsChanged = false, false
	return snap
}
