// Package assignment places arriving participants into capacity-bounded
// groups.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/lalith-99/groupchat/internal/models"
	"github.com/lalith-99/groupchat/internal/observ"
	"github.com/lalith-99/groupchat/internal/repository/document"
	"go.uber.org/zap"
)

var (
	// ErrNotFound means the experiment does not exist. Not retryable.
	ErrNotFound = errors.New("experiment not found")

	// ErrAssignmentFailed means the transaction kept losing to concurrent
	// arrivals. The whole call is safe to retry.
	ErrAssignmentFailed = errors.New("assignment failed")
)

type Service struct {
	store   docstore.Store
	now     func() time.Time
	newID   func() string
	metrics *observ.Metrics
	logger  *zap.Logger
}

type Option func(*Service)

// WithClock overrides time.Now for createdAt/startedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides the group id generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(store docstore.Store, metrics *observ.Metrics, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		now:     time.Now,
		newID:   uuid.NewString,
		metrics: metrics,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Assign returns the id of the participant's group in the experiment,
// placing them first if needed.
//
// It is one store transaction that reads the experiment and every listed
// group before writing anything, so any concurrent arrival touching the
// same documents forces a re-run instead of a double booking.
func (s *Service) Assign(ctx context.Context, participantID, experimentID string) (string, error) {
	var (
		groupID string
		created bool
	)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		groupID, created = "", false

		exp, err := document.ReadExperiment(ctx, tx, experimentID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		groups := make([]*models.Group, 0, len(exp.Groups))
		for _, gid := range exp.Groups {
			g, err := document.ReadGroup(ctx, tx, gid)
			if err != nil {
				if errors.Is(err, docstore.ErrNotFound) {
					continue
				}
				return err
			}
			if g.HasUser(participantID) {
				groupID = g.ID
				return nil
			}
			groups = append(groups, g)
		}

		now := s.now().UTC()
		capacity := exp.Capacity()

		for _, g := range groups {
			if len(g.Users) >= capacity {
				continue
			}
			g.Users = append(g.Users, participantID)
			if len(g.Users) >= capacity && g.StartedAt == nil {
				g.StartedAt = &now
			}
			groupID = g.ID
			return document.WriteGroup(tx, g)
		}

		g := newGroup(s.newID(), exp, participantID, now)
		exp.Groups = append(exp.Groups, g.ID)
		if err := document.WriteGroup(tx, g); err != nil {
			return err
		}
		groupID, created = g.ID, true
		return document.WriteExperiment(tx, exp)
	})
	if err != nil {
		s.metrics.ObserveAssignment("failed")
		switch {
		case errors.Is(err, ErrNotFound):
			return "", fmt.Errorf("assign %s to %s: %w", participantID, experimentID, ErrNotFound)
		case errors.Is(err, docstore.ErrTxConflict):
			s.logger.Warn("assignment kept conflicting",
				zap.String("participant_id", participantID),
				zap.String("experiment_id", experimentID),
				zap.Error(err),
			)
			return "", fmt.Errorf("%w: %w", ErrAssignmentFailed, err)
		}
		return "", fmt.Errorf("assign %s to %s: %w", participantID, experimentID, err)
	}

	if created {
		s.metrics.ObserveAssignment("created")
		s.logger.Info("group created",
			zap.String("group_id", groupID),
			zap.String("experiment_id", experimentID),
			zap.String("participant_id", participantID),
		)
	} else {
		s.metrics.ObserveAssignment("joined")
	}
	return groupID, nil
}

// newGroup seeds a group with its first member. The type alternates with
// creation order: the 1st, 3rd, 5th... group of an experiment is an emoji
// group.
func newGroup(id string, exp *models.Experiment, participantID string, now time.Time) *models.Group {
	n := len(exp.Groups)
	gt := models.GroupTypeNoEmoji
	if (n+1)%2 == 1 {
		gt = models.GroupTypeEmoji
	}
	g := &models.Group{
		ID:           id,
		ExperimentID: exp.ID,
		Name:         fmt.Sprintf("group-%d", n),
		GroupType:    gt,
		Users:        []string{participantID},
		CreatedAt:    now,
		Messages:     make([]models.Message, 0),
	}
	if exp.Capacity() <= 1 {
		g.StartedAt = &now
	}
	return g
}

// GroupOf returns the participant's group without assigning. ok is false
// when the participant has not been placed yet.
func (s *Service) GroupOf(ctx context.Context, participantID, experimentID string) (groupID string, ok bool, err error) {
	doc, err := s.store.Get(ctx, document.ExperimentRef(experimentID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return "", false, ErrNotFound
		}
		return "", false, fmt.Errorf("get experiment: %w", err)
	}
	var exp models.Experiment
	if err := doc.Decode(&exp); err != nil {
		return "", false, err
	}
	for _, gid := range exp.Groups {
		gdoc, err := s.store.Get(ctx, document.GroupRef(gid))
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			return "", false, fmt.Errorf("get group: %w", err)
		}
		var g models.Group
		if err := gdoc.Decode(&g); err != nil {
			return "", false, err
		}
		if g.HasUser(participantID) {
			return gid, true, nil
		}
	}
	return "", false, nil
}
