package blacklist

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable code of the form "blacklist.<operation>.<reason>".
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

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "blacklist.service.new"
	opAppend         = "blacklist.append"
	opApply          = "blacklist.apply"
	opCommand        = "blacklist.command"
	opLookup         = "blacklist.lookup"
	opList           = "blacklist.list"
	opHistory        = "blacklist.history"
	opHead           = "blacklist.head"
	opFetchDelta     = "blacklist.fetch_delta"
	opAdvanceCursor  = "blacklist.advance_cursor"
	opListCursors    = "blacklist.list_cursors"
	opRebuild        = "blacklist.rebuild"
	opCatchUp        = "blacklist.catch_up"
	fieldUserID      = "user_id"
	fieldClientID    = "client_id"
	fieldEntryID     = "entry_id"
	fieldOperation   = "operation"
	fieldSince       = "since"
	columnUserID     = "user_id"
	queryUserID      = columnUserID + " = ?"
	queryClientID    = "client_id = ?"
	queryClockRow    = "id = ?"
	queryAfterTime   = "operation_time > ?"
	orderLogAsc      = "operation_time ASC, id ASC"
	orderLogDesc     = "operation_time DESC, id DESC"
	lockStrength     = "UPDATE"
	defaultPageSize  = 500
	maxPageSize      = 5000
	defaultLockCount = 64
)

// Row-value comparisons on (operation_time, id), spelled out for every dialect.
const (
	queryBeforeVersion = "(operation_time < ? OR (operation_time = ? AND id < ?))"
	queryAfterVersion  = "(operation_time > ? OR (operation_time = ? AND id > ?))"
)

const (
	reasonMissingDatabase   = "missing_database"
	reasonInvalidRequest    = "invalid_request"
	reasonClockFailed       = "clock_failed"
	reasonInsertFailed      = "insert_failed"
	reasonQueryFailed       = "query_failed"
	reasonRowLockFailed     = "row_lock_failed"
	reasonTombstoneFailed   = "tombstone_lookup_failed"
	reasonUpsertFailed      = "upsert_failed"
	reasonDeleteFailed      = "delete_failed"
	reasonCursorFailed      = "cursor_failed"
	reasonCursorAhead       = "cursor_ahead"
	reasonReservedClientID  = "reserved_client_id"
	reasonApplyFailed       = "apply_failed"
	reasonTransactionFailed = "transaction_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Recorder receives domain events for metrics.
type Recorder interface {
	ObserveAppend(operation Operation)
	ObserveApply(result ApplyResult)
	ObserveDelta(entries int)
	ObserveCursorAdvance(advanced bool)
}

type noOpRecorder struct{}

func (noOpRecorder) ObserveAppend(Operation) {}
func (noOpRecorder) ObserveApply(ApplyResult) {}
func (noOpRecorder) ObserveDelta(int) {}
func (noOpRecorder) ObserveCursorAdvance(bool) {}

// ServiceConfig describes the dependencies of the blacklist service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	Recorder Recorder
	// PageSize bounds a single delta response. Zero selects the default.
	PageSize int
}

// Service owns the operation log, the reconciled snapshot and client cursors.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	recorder Recorder
	pageSize int
	locks    *keyedLocker
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noOpRecorder{}
	}

	return &Service{
		db:       cfg.Database,
		clock:    clock,
		logger:   logger,
		recorder: recorder,
		pageSize: clampPageSize(cfg.PageSize, defaultPageSize),
		locks:    newKeyedLocker(defaultLockCount),
	}, nil
}

func clampPageSize(requested, fallback int) int {
	if requested <= 0 {
		return fallback
	}
	if requested > maxPageSize {
		return maxPageSize
	}
	return requested
}

func (service *Service) recorderOrDefault() Recorder {
	if service == nil || service.recorder == nil {
		return noOpRecorder{}
	}
	return service.recorder
}

func (service *Service) now() time.Time {
	if service.clock == nil {
		return time.Now().UTC()
	}
	return service.clock().UTC()
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil {
		return noOpLogger
	}
	if service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("blacklist service error", attrs...)
}

func (service *Service) missingDatabase(operation string) error {
	if service != nil && service.db != nil {
		return nil
	}
	service.logError(operation, reasonMissingDatabase, errMissingDatabase)
	return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
}
