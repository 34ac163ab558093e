package store

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
)

// UpdateItem applies mutate to a step, prerequisite, or note of deploymentID as a local edit.
func (s *Store) UpdateItem(ctx context.Context, collection records.Collection, deploymentID, id string, mutate func(records.Record) error) (records.Record, error) {
	return s.Update(ctx, collection, id, func(record records.Record) error {
		if record.Owner() != deploymentID {
			return fmt.Errorf("%w: %s %s is not part of %s", ErrWrongDeployment, collection, id, deploymentID)
		}
		return mutate(record)
	})
}

// SetItemDone marks a step or prerequisite done or open. Steps record when that happened.
func (s *Store) SetItemDone(ctx context.Context, collection records.Collection, deploymentID, id string, done bool) (records.Record, error) {
	return s.UpdateItem(ctx, collection, deploymentID, id, func(record records.Record) error {
		switch item := record.(type) {
		case *records.Step:
			item.IsDone = done
			item.Datetime = s.now()
		case *records.Prerequisite:
			item.IsDone = done
		default:
			return fmt.Errorf("%s items cannot be marked done", collection)
		}
		return nil
	})
}

// DeleteItem removes a step, prerequisite, or note of deploymentID.
func (s *Store) DeleteItem(ctx context.Context, collection records.Collection, deploymentID, id string) error {
	return s.Transaction(ctx, func(tx *Tx) error {
		record, err := tx.Get(collection, id)
		if err != nil {
			return err
		}
		if record.Owner() != deploymentID {
			return fmt.Errorf("%w: %s %s is not part of %s", ErrWrongDeployment, collection, id, deploymentID)
		}
		return tx.Delete(collection, id)
	})
}
