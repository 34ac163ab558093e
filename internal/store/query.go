package store

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	orderByNumber = "number ASC, id ASC"
	orderByID     = "id ASC"
)

// Filter narrows a Query. DeploymentID matches dependents by deploymentId and deployments by
// their own id. Soft-deleted deployments are excluded unless IncludeDeleted is set.
type Filter struct {
	DeploymentID   string
	IncludeDeleted bool
	Match          func(records.Record) bool
}

// Get loads a record by collection and id. A degraded store reports ErrNotFound.
func (s *Store) Get(ctx context.Context, collection records.Collection, id string) (records.Record, error) {
	if !s.Available() {
		return nil, ErrNotFound
	}
	return getRecord(s, s.db.WithContext(ctx), collection, id)
}

// Query lists records of a collection. Steps and prerequisites come back ordered by number
// and then id; every other collection is ordered by id. A degraded store returns no rows.
func (s *Store) Query(ctx context.Context, collection records.Collection, filter Filter) ([]records.Record, error) {
	if !s.Available() {
		return nil, nil
	}
	return queryRecords(s, s.db.WithContext(ctx), collection, filter)
}

func getRecord(s *Store, db *gorm.DB, collection records.Collection, id string) (records.Record, error) {
	record, err := records.New(collection)
	if err != nil {
		return nil, newServiceError(opGet, reasonUnknownCollection, err)
	}
	err = db.Where(queryID, id).Take(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logError(opGet, reasonLookupFailed, err,
			zap.String(fieldCollection, string(collection)),
			zap.String(fieldRecordID, id))
		return nil, newServiceError(opGet, reasonLookupFailed, err)
	}
	return record, nil
}

func queryRecords(s *Store, db *gorm.DB, collection records.Collection, filter Filter) ([]records.Record, error) {
	var (
		rows []records.Record
		err  error
	)
	switch collection {
	case records.CollectionDeployments:
		scoped := db
		if filter.DeploymentID != "" {
			scoped = scoped.Where(queryID, filter.DeploymentID)
		}
		if !filter.IncludeDeleted {
			scoped = scoped.Where("deleted = ?", false)
		}
		rows, err = findRows[records.Deployment](scoped, orderByID, filter.Match)
	case records.CollectionSteps:
		rows, err = findRows[records.Step](scopeToDeployment(db, filter), orderByNumber, filter.Match)
	case records.CollectionPrerequisites:
		rows, err = findRows[records.Prerequisite](scopeToDeployment(db, filter), orderByNumber, filter.Match)
	case records.CollectionInfo:
		rows, err = findRows[records.Note](scopeToDeployment(db, filter), orderByID, filter.Match)
	case records.CollectionCollaborators:
		rows, err = findRows[records.Collaborator](scopeToDeployment(db, filter), orderByID, filter.Match)
	case records.CollectionDevices:
		rows, err = findRows[records.Device](db, orderByID, filter.Match)
	default:
		return nil, newServiceError(opQuery, reasonUnknownCollection, records.ErrUnknownCollection)
	}
	if err != nil {
		s.logError(opQuery, reasonQueryFailed, err,
			zap.String(fieldCollection, string(collection)),
			zap.String(fieldDeploymentID, filter.DeploymentID))
		return nil, newServiceError(opQuery, reasonQueryFailed, err)
	}
	return rows, nil
}

func scopeToDeployment(db *gorm.DB, filter Filter) *gorm.DB {
	if filter.DeploymentID == "" {
		return db
	}
	return db.Where(queryDeploymentID, filter.DeploymentID)
}

func findRows[T any, PT interface {
	*T
	records.Record
}](db *gorm.DB, order string, match func(records.Record) bool) ([]records.Record, error) {
	var rows []T
	if err := db.Order(order).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]records.Record, 0, len(rows))
	for index := range rows {
		record := PT(&rows[index])
		if match != nil && !match(record) {
			continue
		}
		result = append(result, record)
	}
	return result, nil
}
