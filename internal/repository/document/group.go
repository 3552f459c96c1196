package document

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/lalith-99/groupchat/internal/models"
	"github.com/lalith-99/groupchat/internal/repository"
	"go.uber.org/zap"
)

type GroupStore struct {
	store  docstore.Store
	logger *zap.Logger
}

var _ repository.GroupRepository = (*GroupStore)(nil)

func NewGroupStore(store docstore.Store, logger *zap.Logger) *GroupStore {
	return &GroupStore{store: store, logger: logger}
}

func (s *GroupStore) GetByID(ctx context.Context, id string) (*models.Group, error) {
	doc, err := s.store.Get(ctx, GroupRef(id))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	g, err := decodeGroup(doc)
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

func (s *GroupStore) ListByExperiment(ctx context.Context, experimentID string) ([]models.Group, error) {
	docs, err := s.store.Query(ctx, groupsOf(experimentID))
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return s.decodeAll(docs), nil
}

func (s *GroupStore) AppendMessage(ctx context.Context, groupID string, msg models.Message) error {
	if err := s.store.ArrayAppend(ctx, GroupRef(groupID), "messages", msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *GroupStore) Subscribe(ctx context.Context, id string, fn func(*models.Group), opts ...docstore.SubscribeOption) (docstore.Unsubscribe, error) {
	return s.store.Subscribe(ctx, GroupRef(id), func(doc docstore.Document, exists bool) {
		if !exists {
			fn(nil)
			return
		}
		g, err := decodeGroup(doc)
		if err != nil {
			s.logger.Warn("skipping undecodable group snapshot", zap.String("group_id", id), zap.Error(err))
			return
		}
		fn(g)
	}, opts...)
}

func (s *GroupStore) SubscribeByExperiment(ctx context.Context, experimentID string, fn func([]models.Group), opts ...docstore.SubscribeOption) (docstore.Unsubscribe, error) {
	return s.store.SubscribeQuery(ctx, groupsOf(experimentID), func(docs []docstore.Document) {
		fn(s.decodeAll(docs))
	}, opts...)
}

// decodeAll decodes and orders groups by creation. Undecodable documents
// are logged and skipped rather than failing the whole list.
func (s *GroupStore) decodeAll(docs []docstore.Document) []models.Group {
	groups := make([]models.Group, 0, len(docs))
	for _, doc := range docs {
		g, err := decodeGroup(doc)
		if err != nil {
			s.logger.Warn("skipping undecodable group", zap.String("group_id", doc.Ref.ID), zap.Error(err))
			continue
		}
		groups = append(groups, *g)
	}
	slices.SortStableFunc(groups, func(a, b models.Group) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return groups
}
