package document

import (
	"context"
	"fmt"

	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/lalith-99/groupchat/internal/models"
	"github.com/lalith-99/groupchat/internal/repository"
	"go.uber.org/zap"
)

type ExperimentStore struct {
	store  docstore.Store
	logger *zap.Logger
}

var _ repository.ExperimentRepository = (*ExperimentStore)(nil)

func NewExperimentStore(store docstore.Store, logger *zap.Logger) *ExperimentStore {
	return &ExperimentStore{store: store, logger: logger}
}

func (s *ExperimentStore) GetByID(ctx context.Context, id string) (*models.Experiment, error) {
	doc, err := s.store.Get(ctx, ExperimentRef(id))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	exp, err := decodeExperiment(doc)
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	return exp, nil
}

func (s *ExperimentStore) SaveSettings(ctx context.Context, id string, upd repository.SettingsUpdate) (*models.Experiment, error) {
	var saved *models.Experiment
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		exp, err := ReadExperiment(ctx, tx, id)
		if err != nil {
			if !isNotFound(err) {
				return err
			}
			exp = &models.Experiment{ID: id, Groups: make([]string, 0)}
		}
		exp.Settings = upd.Settings
		exp.MessagePlan = upd.MessagePlan
		exp.TimerPlan = upd.TimerPlan
		exp.UpdatedAt = upd.UpdatedAt
		saved = exp
		return WriteExperiment(tx, exp)
	})
	if err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}
	return saved, nil
}

func (s *ExperimentStore) Subscribe(ctx context.Context, id string, fn func(*models.Experiment), opts ...docstore.SubscribeOption) (docstore.Unsubscribe, error) {
	return s.store.Subscribe(ctx, ExperimentRef(id), func(doc docstore.Document, exists bool) {
		if !exists {
			fn(nil)
			return
		}
		exp, err := decodeExperiment(doc)
		if err != nil {
			s.logger.Warn("skipping undecodable experiment snapshot", zap.String("experiment_id", id), zap.Error(err))
			return
		}
		fn(exp)
	}, opts...)
}
