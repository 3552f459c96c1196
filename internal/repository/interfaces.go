package repository

import (
	"context"

	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/lalith-99/groupchat/internal/models"
)

// Every method takes ctx first: all of them go to the document store.
// Getters return nil, nil when the document does not exist, so handlers can
// turn that into a 404 without unwrapping store errors.

// SettingsUpdate is the payload of the settings UI's single save.
type SettingsUpdate struct {
	Settings    models.Settings
	MessagePlan []models.PlanItem
	TimerPlan   []models.TimerItem
	UpdatedAt   string
}

// ExperimentRepository reads experiments and applies settings saves.
type ExperimentRepository interface {
	GetByID(ctx context.Context, id string) (*models.Experiment, error)

	// SaveSettings replaces settings and both plans in one transaction,
	// creating the experiment if needed. The group list is preserved.
	SaveSettings(ctx context.Context, id string, upd SettingsUpdate) (*models.Experiment, error)

	// Subscribe calls fn with the experiment on every change, or nil while
	// it does not exist.
	Subscribe(ctx context.Context, id string, fn func(*models.Experiment), opts ...docstore.SubscribeOption) (docstore.Unsubscribe, error)
}

// GroupRepository reads groups and performs the non-critical writes.
// Exactly-once writes (assignment, scripted dispatch) go through their own
// transactions in the assignment and automation packages.
type GroupRepository interface {
	GetByID(ctx context.Context, id string) (*models.Group, error)

	// ListByExperiment returns every group that references the experiment,
	// oldest first.
	ListByExperiment(ctx context.Context, experimentID string) ([]models.Group, error)

	// AppendMessage adds a human message without a transaction. Duplicates
	// are acceptable here.
	AppendMessage(ctx context.Context, groupID string, msg models.Message) error

	// Subscribe calls fn with the group on every change, or nil while it
	// does not exist.
	Subscribe(ctx context.Context, id string, fn func(*models.Group), opts ...docstore.SubscribeOption) (docstore.Unsubscribe, error)

	// SubscribeByExperiment calls fn with the experiment's groups, oldest
	// first, on every change to any of them.
	SubscribeByExperiment(ctx context.Context, experimentID string, fn func([]models.Group), opts ...docstore.SubscribeOption) (docstore.Unsubscribe, error)
}
