// Package merge applies inbound sync envelopes to a record store.
package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/deploysync/internal/protocol"
	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"github.com/MarcoPoloResearchLab/deploysync/internal/store"
	"go.uber.org/zap"
)

// ErrUnsupportedKind indicates that an envelope carries no record data.
var ErrUnsupportedKind = errors.New("merge: unsupported message kind")

// Result summarizes how one envelope was applied.
type Result struct {
	DeploymentID string
	Applied      int
	Discarded    int
	Removed      int64
}

// Changed reports whether the envelope altered the store.
func (r Result) Changed() bool {
	return r.Applied > 0 || r.Removed > 0
}

// Applier merges sync envelopes into a store, one transaction per envelope.
type Applier struct {
	store  *store.Store
	logger *zap.Logger
}

// NewApplier constructs an Applier.
func NewApplier(recordStore *store.Store, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{store: recordStore, logger: logger}
}

// Apply merges the envelope's payload. Present fields are applied through the version gate
// and absent fields are left untouched. Records that fail validation are discarded. FULL_SYNC additionally removes the deployment's
// dependents missing from each present list.
func (a *Applier) Apply(ctx context.Context, message protocol.Message) (Result, error) {
	result := Result{DeploymentID: message.DeploymentID}
	if !message.Type.IsSync() {
		return result, fmt.Errorf("%w: %s", ErrUnsupportedKind, message.Type)
	}
	if message.Data.Empty() {
		return result, nil
	}
	payload := message.Data
	wholesale := message.Type == protocol.KindFullSync

	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		result = Result{DeploymentID: message.DeploymentID}
		if payload.Deployment != nil {
			if err := a.applyRecord(tx, message.DeploymentID, payload.Deployment, &result); err != nil {
				return err
			}
		}
		if payload.Steps != nil {
			batch := make([]records.Record, 0, len(payload.Steps))
			for index := range payload.Steps {
				batch = append(batch, &payload.Steps[index])
			}
			if err := a.applyCollection(tx, message.DeploymentID, records.CollectionSteps, batch, wholesale, &result); err != nil {
				return err
			}
		}
		if payload.Prerequisites != nil {
			batch := make([]records.Record, 0, len(payload.Prerequisites))
			for index := range payload.Prerequisites {
				batch = append(batch, &payload.Prerequisites[index])
			}
			if err := a.applyCollection(tx, message.DeploymentID, records.CollectionPrerequisites, batch, wholesale, &result); err != nil {
				return err
			}
		}
		if payload.Info != nil {
			batch := make([]records.Record, 0, len(payload.Info))
			for index := range payload.Info {
				batch = append(batch, &payload.Info[index])
			}
			if err := a.applyCollection(tx, message.DeploymentID, records.CollectionInfo, batch, wholesale, &result); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{DeploymentID: message.DeploymentID}, err
	}
	a.logger.Debug("sync message applied",
		zap.String("type", string(message.Type)),
		zap.String("deployment_id", message.DeploymentID),
		zap.Int("applied", result.Applied),
		zap.Int("discarded", result.Discarded),
		zap.Int64("removed", result.Removed))
	return result, nil
}

func (a *Applier) applyCollection(tx *store.Tx, deploymentID string, collection records.Collection, batch []records.Record, wholesale bool, result *Result) error {
	if wholesale {
		keep := make([]string, 0, len(batch))
		for _, record := range batch {
			if record.Owner() == deploymentID && record.Key() != "" {
				keep = append(keep, record.Key())
			}
		}
		removed, err := tx.DeleteDependentsExcept(collection, deploymentID, keep)
		if err != nil {
			return err
		}
		result.Removed += removed
	}
	for _, record := range batch {
		if err := a.applyRecord(tx, deploymentID, record, result); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) applyRecord(tx *store.Tx, deploymentID string, record records.Record, result *Result) error {
	if record.Owner() != deploymentID || record.Key() == "" {
		a.logger.Debug("foreign record skipped",
			zap.String("collection", string(record.Collection())),
			zap.String("record_id", record.Key()),
			zap.String("deployment_id", deploymentID))
		result.Discarded++
		return nil
	}
	if err := record.Validate(); err != nil {
		a.logger.Debug("invalid record skipped",
			zap.String("collection", string(record.Collection())),
			zap.String("record_id", record.Key()),
			zap.String("deployment_id", deploymentID),
			zap.Error(err))
		result.Discarded++
		return nil
	}
	outcome, err := tx.ApplyRemote(record)
	if err != nil {
		return err
	}
	if outcome.Accepted {
		result.Applied++
	} else {
		result.Discarded++
	}
	return nil
}
