package store

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tx scopes reads and writes to one atomic unit. Subscribers observe nothing until the
// enclosing Transaction commits, and nothing at all if it rolls back.
type Tx struct {
	store   *Store
	db      *gorm.DB
	changes *changeSet
}

// Transaction runs fn atomically. Any error returned by fn rolls back every write made
// through the Tx. A degraded store skips fn and reports success.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	if !s.Available() {
		s.warnUnavailable(opTransaction)
		return nil
	}
	changes := newChangeSet()
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&Tx{store: s, db: transaction, changes: changes})
	})
	if err != nil {
		return err
	}
	for _, notice := range changes.notices(s.now()) {
		s.notices.publish(notice)
	}
	return nil
}

// Put stores a locally authored record and returns its id. Versioned records are stamped:
// new records start at version 1, updates move to stored+1 and refresh modifiedAt.
func (s *Store) Put(ctx context.Context, record records.Record) (string, error) {
	var id string
	err := s.Transaction(ctx, func(tx *Tx) error {
		var putErr error
		id, putErr = tx.Put(record)
		return putErr
	})
	return id, err
}

// ApplyRemote stores an inbound record only if its version is not behind the stored one.
// A discarded stale write is not an error.
func (s *Store) ApplyRemote(ctx context.Context, record records.Record) (WriteOutcome, error) {
	var outcome WriteOutcome
	err := s.Transaction(ctx, func(tx *Tx) error {
		var applyErr error
		outcome, applyErr = tx.ApplyRemote(record)
		return applyErr
	})
	return outcome, err
}

// Delete removes a record unconditionally.
func (s *Store) Delete(ctx context.Context, collection records.Collection, id string) error {
	return s.Transaction(ctx, func(tx *Tx) error {
		return tx.Delete(collection, id)
	})
}

// Put stores a locally authored record inside the transaction.
func (tx *Tx) Put(record records.Record) (string, error) {
	if record == nil {
		return "", newServiceError(opPut, reasonInvalidRecord, errors.New("nil record"))
	}
	if err := record.Validate(); err != nil {
		return "", newServiceError(opPut, reasonInvalidRecord, err)
	}
	if strings.TrimSpace(record.Key()) == "" {
		id, err := tx.store.idProvider.NewID()
		if err != nil {
			tx.store.logError(opPut, reasonIDGeneration, err, zap.String(fieldCollection, string(record.Collection())))
			return "", newServiceError(opPut, reasonIDGeneration, err)
		}
		record.SetKey(id)
	}

	if versioned, ok := record.(records.Versioned); ok {
		existing, err := tx.lookupVersioned(opPut, versioned)
		if err != nil {
			return "", err
		}
		stampLocalWrite(existing, versioned, tx.store.now())
	}

	if err := tx.save(opPut, record); err != nil {
		return "", err
	}
	return record.Key(), nil
}

// ApplyRemote gates an inbound record by version inside the transaction. Records without
// version bookkeeping replace whatever is stored.
func (tx *Tx) ApplyRemote(record records.Record) (WriteOutcome, error) {
	if record == nil || strings.TrimSpace(record.Key()) == "" {
		return WriteOutcome{}, newServiceError(opApplyRemote, reasonInvalidRecord, records.ErrInvalidRecordID)
	}

	versioned, ok := record.(records.Versioned)
	if !ok {
		if err := tx.save(opApplyRemote, record); err != nil {
			return WriteOutcome{}, err
		}
		return WriteOutcome{Accepted: true}, nil
	}

	existing, err := tx.lookupVersioned(opApplyRemote, versioned)
	if err != nil {
		return WriteOutcome{}, err
	}
	outcome := resolveRemoteWrite(existing, versioned, tx.store.now())
	if !outcome.Accepted {
		tx.store.loggerOrDefault().Debug("stale write discarded",
			zap.String(fieldCollection, string(record.Collection())),
			zap.String(fieldRecordID, record.Key()),
			zap.Int64("stored_version", outcome.Version),
			zap.Int64("incoming_version", versioned.CurrentVersion()))
		return outcome, nil
	}
	if err := tx.save(opApplyRemote, record); err != nil {
		return WriteOutcome{}, err
	}
	return outcome, nil
}

// Delete removes a record unconditionally inside the transaction.
func (tx *Tx) Delete(collection records.Collection, id string) error {
	existing, err := tx.Get(collection, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.db.Where(queryID, id).Delete(existing).Error; err != nil {
		tx.store.logError(opDelete, reasonDeleteFailed, err,
			zap.String(fieldCollection, string(collection)),
			zap.String(fieldRecordID, id))
		return newServiceError(opDelete, reasonDeleteFailed, err)
	}
	tx.changes.add(collection, existing.Owner())
	return nil
}

// DeleteDependentsExcept removes the deployment's rows in collection whose ids are not in
// keep. It backs the wholesale replacement applied for full syncs.
func (tx *Tx) DeleteDependentsExcept(collection records.Collection, deploymentID string, keep []string) (int64, error) {
	model, err := records.New(collection)
	if err != nil {
		return 0, newServiceError(opDelete, reasonUnknownCollection, err)
	}
	query := tx.db.Where(queryDeploymentID, deploymentID)
	if len(keep) > 0 {
		query = query.Where("id NOT IN ?", keep)
	}
	result := query.Delete(model)
	if result.Error != nil {
		tx.store.logError(opDelete, reasonDeleteFailed, result.Error,
			zap.String(fieldCollection, string(collection)),
			zap.String(fieldDeploymentID, deploymentID))
		return 0, newServiceError(opDelete, reasonDeleteFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		tx.changes.add(collection, deploymentID)
	}
	return result.RowsAffected, nil
}

// Get loads a record inside the transaction.
func (tx *Tx) Get(collection records.Collection, id string) (records.Record, error) {
	return getRecord(tx.store, tx.db, collection, id)
}

// Query lists records inside the transaction.
func (tx *Tx) Query(collection records.Collection, filter Filter) ([]records.Record, error) {
	return queryRecords(tx.store, tx.db, collection, filter)
}

func (tx *Tx) lookupVersioned(operation string, record records.Versioned) (records.Versioned, error) {
	existing, err := records.New(record.Collection())
	if err != nil {
		return nil, newServiceError(operation, reasonUnknownCollection, err)
	}
	err = tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryID, record.Key()).
		Take(existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		tx.store.logError(operation, reasonLookupFailed, err,
			zap.String(fieldCollection, string(record.Collection())),
			zap.String(fieldRecordID, record.Key()))
		return nil, newServiceError(operation, reasonLookupFailed, err)
	}
	versioned, ok := existing.(records.Versioned)
	if !ok {
		return nil, nil
	}
	return versioned, nil
}

func (tx *Tx) save(operation string, record records.Record) error {
	if err := tx.db.Save(record).Error; err != nil {
		tx.store.logError(operation, reasonSaveFailed, err,
			zap.String(fieldCollection, string(record.Collection())),
			zap.String(fieldRecordID, record.Key()))
		return newServiceError(operation, reasonSaveFailed, err)
	}
	tx.changes.add(record.Collection(), record.Owner())
	return nil
}
