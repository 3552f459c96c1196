// Package automation delivers an experiment's scripted messages to its
// groups, exactly once per (plan version, plan index) per group, no matter
// how many schedulers are running against the same group.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/lalith-99/groupchat/internal/models"
	"github.com/lalith-99/groupchat/internal/observ"
	"github.com/lalith-99/groupchat/internal/plan"
	"github.com/lalith-99/groupchat/internal/repository/document"
)

var (
	// ErrNotFound means the group no longer exists.
	ErrNotFound = errors.New("group not found")

	// ErrDispatchFailed means the dispatch transaction kept conflicting.
	// The next tick, or another client, will try again.
	ErrDispatchFailed = errors.New("dispatch failed")
)

// Dispatcher appends scripted messages transactionally.
type Dispatcher struct {
	store   docstore.Store
	now     func() time.Time
	metrics *observ.Metrics
}

func NewDispatcher(store docstore.Store, metrics *observ.Metrics, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{store: store, now: now, metrics: metrics}
}

// DispatchOnce appends text to the group under key unless the group's sent
// marker for key is already set. It reports true when this call delivered
// the message and false when it was already there.
//
// The message and its marker are written by the same transaction, so the
// marker alone decides; there is no second scan of the message list.
func (d *Dispatcher) DispatchOnce(ctx context.Context, groupID, text string, key plan.Key) (bool, error) {
	id := key.String()
	var sent bool
	err := d.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		sent = false
		g, err := document.ReadGroup(ctx, tx, groupID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if g.IsSent(id) {
			return nil
		}
		g.Messages = append(g.Messages, models.Message{
			SenderID:   models.AdminSenderID,
			SenderName: models.AdminSenderID,
			IsAdmin:    true,
			CreatedAt:  d.now().UTC(),
			Text:       text,
			MessageID:  id,
		})
		g.MarkSent(id)
		sent = true
		return document.WriteGroup(tx, g)
	})
	if err != nil {
		d.metrics.ObserveDispatch("failed")
		switch {
		case errors.Is(err, ErrNotFound):
			return false, fmt.Errorf("dispatch %s to %s: %w", id, groupID, ErrNotFound)
		case errors.Is(err, docstore.ErrTxConflict):
			return false, fmt.Errorf("%w: %s to %s: %w", ErrDispatchFailed, id, groupID, err)
		}
		return false, fmt.Errorf("dispatch %s to %s: %w", id, groupID, err)
	}
	if sent {
		d.metrics.ObserveDispatch("sent")
	} else {
		d.metrics.ObserveDispatch("skipped")
	}
	return sent, nil
}
