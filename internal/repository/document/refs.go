// Package document implements the repositories on top of docstore.Store and
// exposes the typed transaction helpers the assignment and automation
// packages build their transactions from.
package document

import (
	"context"
	"errors"

	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/lalith-99/groupchat/internal/models"
)

// Collection names and the one queryable field. Stores must be built with
// an index on (Groups, FieldExperimentID).
const (
	Experiments       = "experiments"
	Groups            = "groups"
	FieldExperimentID = "experimentId"
)

func ExperimentRef(id string) docstore.Ref {
	return docstore.Ref{Collection: Experiments, ID: id}
}

func GroupRef(id string) docstore.Ref {
	return docstore.Ref{Collection: Groups, ID: id}
}

func groupsOf(experimentID string) docstore.Query {
	return docstore.Query{Collection: Groups, Field: FieldExperimentID, Value: experimentID}
}

// ReadExperiment loads an experiment inside a transaction. A missing
// document surfaces as docstore.ErrNotFound.
func ReadExperiment(ctx context.Context, tx docstore.Tx, id string) (*models.Experiment, error) {
	doc, err := tx.Get(ctx, ExperimentRef(id))
	if err != nil {
		return nil, err
	}
	return decodeExperiment(doc)
}

// ReadGroup loads a group inside a transaction.
func ReadGroup(ctx context.Context, tx docstore.Tx, id string) (*models.Group, error) {
	doc, err := tx.Get(ctx, GroupRef(id))
	if err != nil {
		return nil, err
	}
	return decodeGroup(doc)
}

// WriteExperiment buffers the experiment for commit.
func WriteExperiment(tx docstore.Tx, exp *models.Experiment) error {
	return tx.Set(ExperimentRef(exp.ID), exp)
}

// WriteGroup buffers the group for commit.
func WriteGroup(tx docstore.Tx, g *models.Group) error {
	return tx.Set(GroupRef(g.ID), g)
}

func decodeExperiment(doc docstore.Document) (*models.Experiment, error) {
	var exp models.Experiment
	if err := doc.Decode(&exp); err != nil {
		return nil, err
	}
	// The id is the document key; older documents do not repeat it.
	exp.ID = doc.Ref.ID
	return &exp, nil
}

func decodeGroup(doc docstore.Document) (*models.Group, error) {
	var g models.Group
	if err := doc.Decode(&g); err != nil {
		return nil, err
	}
	g.ID = doc.Ref.ID
	if g.Users == nil {
		g.Users = make([]string, 0)
	}
	if g.Messages == nil {
		g.Messages = make([]models.Message, 0)
	}
	return &g, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, docstore.ErrNotFound)
}
