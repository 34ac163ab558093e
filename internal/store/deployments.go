package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultDeploymentTitle names deployments created without a title.
const DefaultDeploymentTitle = "New Deployment"

// Snapshot is the full state of one deployment as seen by the local store.
// Deployment is nil when the deployment is not (yet) known locally.
type Snapshot struct {
	DeploymentID  string
	Deployment    *records.Deployment
	Steps         []records.Step
	Prerequisites []records.Prerequisite
	Info          []records.Note
	Collaborators []records.Collaborator
}

// CreateDeployment stores a new deployment at version 1 and returns it.
func (s *Store) CreateDeployment(ctx context.Context, draft records.Deployment) (*records.Deployment, error) {
	deployment := draft
	deployment.ID = ""
	deployment.Version = 0
	deployment.Deleted = false
	if strings.TrimSpace(deployment.Title) == "" {
		deployment.Title = DefaultDeploymentTitle
	}
	if deployment.Category == "" {
		deployment.Category = records.CategorySoftware
	}
	if deployment.Date.IsZero() {
		deployment.Date = s.now()
	}
	deployment.CreatedAt = s.now()
	if _, err := s.Put(ctx, &deployment); err != nil {
		return nil, err
	}
	return &deployment, nil
}

// Update loads a record, applies mutate, and stores it as a local edit within one transaction.
func (s *Store) Update(ctx context.Context, collection records.Collection, id string, mutate func(records.Record) error) (records.Record, error) {
	if !s.Available() {
		return nil, ErrNotFound
	}
	var updated records.Record
	err := s.Transaction(ctx, func(tx *Tx) error {
		record, err := tx.Get(collection, id)
		if err != nil {
			return err
		}
		if err := mutate(record); err != nil {
			return err
		}
		record.SetKey(id)
		if _, err := tx.Put(record); err != nil {
			return err
		}
		updated = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateDeployment applies mutate to a stored deployment as a local edit.
func (s *Store) UpdateDeployment(ctx context.Context, id string, mutate func(*records.Deployment) error) (*records.Deployment, error) {
	record, err := s.Update(ctx, records.CollectionDeployments, id, func(record records.Record) error {
		return mutate(record.(*records.Deployment))
	})
	if err != nil {
		return nil, err
	}
	return record.(*records.Deployment), nil
}

// SoftDeleteDeployment marks a deployment deleted. Dependents are left in place; removing
// them is the separate SweepDependents operation.
func (s *Store) SoftDeleteDeployment(ctx context.Context, id string) (*records.Deployment, error) {
	return s.UpdateDeployment(ctx, id, func(deployment *records.Deployment) error {
		deployment.Deleted = true
		return nil
	})
}

// SweepDependents hard-deletes every step, prerequisite, and note of a deployment and
// returns how many rows were removed.
func (s *Store) SweepDependents(ctx context.Context, deploymentID string) (int64, error) {
	var removed int64
	err := s.Transaction(ctx, func(tx *Tx) error {
		for _, collection := range records.DependentCollections {
			count, err := tx.DeleteDependentsExcept(collection, deploymentID, nil)
			if err != nil {
				return err
			}
			removed += count
		}
		return nil
	})
	if err != nil {
		s.logError(opSweepDependents, reasonDeleteFailed, err, zap.String(fieldDeploymentID, deploymentID))
		return 0, err
	}
	return removed, nil
}

// ListDeployments returns stored deployments ordered by id.
func (s *Store) ListDeployments(ctx context.Context, includeDeleted bool) ([]records.Deployment, error) {
	rows, err := s.Query(ctx, records.CollectionDeployments, Filter{IncludeDeleted: includeDeleted})
	if err != nil {
		return nil, err
	}
	return collect[records.Deployment](rows), nil
}

// LoadSnapshot reads a deployment together with all of its dependents and presence rows.
// When the deployment header is unknown it returns ErrNotFound alongside whatever dependents
// have already arrived.
func (s *Store) LoadSnapshot(ctx context.Context, deploymentID string) (Snapshot, error) {
	if !s.Available() {
		return Snapshot{DeploymentID: deploymentID}, ErrNotFound
	}
	var snapshot Snapshot
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var loadErr error
		snapshot, loadErr = loadSnapshot(&Tx{store: s, db: transaction, changes: newChangeSet()}, deploymentID)
		return loadErr
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logError(opLoadSnapshot, reasonQueryFailed, err, zap.String(fieldDeploymentID, deploymentID))
	}
	return snapshot, err
}

// LoadSnapshot reads a deployment inside the transaction.
func (tx *Tx) LoadSnapshot(deploymentID string) (Snapshot, error) {
	return loadSnapshot(tx, deploymentID)
}

func loadSnapshot(tx *Tx, deploymentID string) (Snapshot, error) {
	snapshot := Snapshot{DeploymentID: deploymentID}
	record, headerErr := tx.Get(records.CollectionDeployments, deploymentID)
	switch {
	case headerErr == nil:
		snapshot.Deployment = record.(*records.Deployment)
	case !errors.Is(headerErr, ErrNotFound):
		return snapshot, headerErr
	}

	filter := Filter{DeploymentID: deploymentID}
	steps, err := tx.Query(records.CollectionSteps, filter)
	if err != nil {
		return snapshot, err
	}
	prerequisites, err := tx.Query(records.CollectionPrerequisites, filter)
	if err != nil {
		return snapshot, err
	}
	info, err := tx.Query(records.CollectionInfo, filter)
	if err != nil {
		return snapshot, err
	}
	collaborators, err := tx.Query(records.CollectionCollaborators, filter)
	if err != nil {
		return snapshot, err
	}
	snapshot.Steps = collect[records.Step](steps)
	snapshot.Prerequisites = collect[records.Prerequisite](prerequisites)
	snapshot.Info = collect[records.Note](info)
	snapshot.Collaborators = collect[records.Collaborator](collaborators)
	return snapshot, headerErr
}

// NextNumber returns one past the highest number used by the deployment's steps or
// prerequisites, starting at 1.
func (s *Store) NextNumber(ctx context.Context, collection records.Collection, deploymentID string) (int, error) {
	if collection != records.CollectionSteps && collection != records.CollectionPrerequisites {
		return 0, newServiceError(opNextNumber, reasonUnknownCollection, records.ErrUnknownCollection)
	}
	if !s.Available() {
		return 1, nil
	}
	var highest sql.NullInt64
	err := s.db.WithContext(ctx).
		Table(string(collection)).
		Where(queryDeploymentID, deploymentID).
		Select("MAX(number)").
		Row().
		Scan(&highest)
	if err != nil {
		s.logError(opNextNumber, reasonQueryFailed, err,
			zap.String(fieldCollection, string(collection)),
			zap.String(fieldDeploymentID, deploymentID))
		return 0, newServiceError(opNextNumber, reasonQueryFailed, err)
	}
	if !highest.Valid {
		return 1, nil
	}
	return int(highest.Int64) + 1, nil
}

// ReplacePresence swaps the stored collaborator list of a deployment for the given one.
func (s *Store) ReplacePresence(ctx context.Context, deploymentID string, collaborators []records.Collaborator) error {
	return s.Transaction(ctx, func(tx *Tx) error {
		return tx.ReplacePresence(deploymentID, collaborators)
	})
}

// ReplacePresence swaps the collaborator list inside the transaction. Rows for other
// deployments in the list are ignored.
func (tx *Tx) ReplacePresence(deploymentID string, collaborators []records.Collaborator) error {
	if err := tx.db.Where(queryDeploymentID, deploymentID).Delete(&records.Collaborator{}).Error; err != nil {
		tx.store.logError(opReplacePresence, reasonDeleteFailed, err, zap.String(fieldDeploymentID, deploymentID))
		return newServiceError(opReplacePresence, reasonDeleteFailed, err)
	}
	for index := range collaborators {
		collaborator := collaborators[index]
		if collaborator.DeploymentID != deploymentID || strings.TrimSpace(collaborator.ID) == "" {
			continue
		}
		if err := tx.db.Save(&collaborator).Error; err != nil {
			tx.store.logError(opReplacePresence, reasonSaveFailed, err, zap.String(fieldDeploymentID, deploymentID))
			return newServiceError(opReplacePresence, reasonSaveFailed, err)
		}
	}
	tx.changes.add(records.CollectionCollaborators, deploymentID)
	return nil
}

func collect[T any, PT interface {
	*T
	records.Record
}](rows []records.Record) []T {
	result := make([]T, 0, len(rows))
	for _, row := range rows {
		if typed, ok := row.(PT); ok && typed != nil {
			result = append(result, *typed)
		}
	}
	return result
}
