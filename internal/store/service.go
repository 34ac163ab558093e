package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrStorageUnavailable marks operations skipped because the store runs without a database.
	ErrStorageUnavailable = errors.New("store: storage unavailable")
	// ErrWrongDeployment rejects item edits addressed through a deployment that does not own the item.
	ErrWrongDeployment = errors.New("store: record belongs to another deployment")

	noOpLogger = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opPut             = "store.put"
	opApplyRemote     = "store.apply_remote"
	opGet             = "store.get"
	opQuery           = "store.query"
	opDelete          = "store.delete"
	opTransaction     = "store.transaction"
	opLoadSnapshot    = "store.load_snapshot"
	opReplacePresence = "store.replace_presence"
	opSweepDependents = "store.sweep_dependents"
	opSettings        = "store.settings"
	opNextNumber      = "store.next_number"

	reasonInvalidRecord     = "invalid_record"
	reasonIDGeneration      = "id_generation_failed"
	reasonLookupFailed      = "lookup_failed"
	reasonSaveFailed        = "save_failed"
	reasonDeleteFailed      = "delete_failed"
	reasonQueryFailed       = "query_failed"
	reasonUnknownCollection = "unknown_collection"

	fieldCollection   = "collection"
	fieldRecordID     = "record_id"
	fieldDeploymentID = "deployment_id"

	queryID           = "id = ?"
	queryDeploymentID = "deployment_id = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Config describes the dependencies of a Store.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider records.IDProvider
	Logger     *zap.Logger
}

// Store is the per-client record store. Every versioned write made through it is stamped
// or gated by version; every committed change is announced to subscribers.
//
// A Store built without a database runs degraded: reads return empty results and writes
// are logged and skipped.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider records.IDProvider
	logger     *zap.Logger
	notices    *dispatcher
}

// New constructs a Store. A nil Database yields a degraded store rather than an error.
func New(cfg Config) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = records.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	if cfg.Database == nil {
		logger.Warn("record store running without persistent storage; changes will not be kept")
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
		notices:    newDispatcher(),
	}
}

// Available reports whether the store has a backing database.
func (s *Store) Available() bool {
	return s != nil && s.db != nil
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("record store error", attrs...)
}

func (s *Store) warnUnavailable(operation string) {
	s.loggerOrDefault().Warn("record store write skipped",
		zap.String("operation", operation),
		zap.Error(ErrStorageUnavailable))
}
