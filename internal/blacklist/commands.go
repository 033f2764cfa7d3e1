package blacklist

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CommandResult pairs the appended log entry with its reconciliation outcome.
type CommandResult struct {
	Entry   LogEntry
	Outcome ApplyOutcome
}

// Add appends an ADD for the user and reconciles it into the snapshot.
func (service *Service) Add(ctx context.Context, userID UserID, operatedBy OperatorID, reason string) (CommandResult, error) {
	return service.execute(ctx, AppendRequestConfig{
		Operation:  OperationAdd,
		UserID:     userID,
		OperatedBy: operatedBy,
		Reason:     reason,
	})
}

// Remove appends a REMOVE for the user and reconciles it into the snapshot.
func (service *Service) Remove(ctx context.Context, userID UserID, operatedBy OperatorID) (CommandResult, error) {
	return service.execute(ctx, AppendRequestConfig{
		Operation:  OperationRemove,
		UserID:     userID,
		OperatedBy: operatedBy,
	})
}

// execute appends first and reconciles second. A failed reconcile leaves the
// entry in the log; CatchUp or Rebuild folds it in later.
func (service *Service) execute(ctx context.Context, cfg AppendRequestConfig) (CommandResult, error) {
	request, err := NewAppendRequest(cfg)
	if err != nil {
		return CommandResult{}, newServiceError(opCommand, reasonInvalidRequest, err)
	}

	entry, err := service.Append(ctx, request)
	if err != nil {
		return CommandResult{}, err
	}

	outcome, err := service.Apply(ctx, entry)
	if err != nil {
		service.logError(opCommand, reasonApplyFailed, err,
			zap.Int64(fieldEntryID, entry.ID),
			zap.Int64(fieldUserID, entry.UserID.Int64()))
		return CommandResult{Entry: entry}, err
	}
	return CommandResult{Entry: entry, Outcome: outcome}, nil
}

// IsBlacklisted reports whether the snapshot holds a row for the user.
func (service *Service) IsBlacklisted(ctx context.Context, userID UserID) (bool, error) {
	_, found, err := service.Get(ctx, userID)
	return found, err
}

// Get returns the snapshot row for the user.
func (service *Service) Get(ctx context.Context, userID UserID) (BlacklistEntry, bool, error) {
	if err := service.missingDatabase(opLookup); err != nil {
		return BlacklistEntry{}, false, err
	}
	var record BlacklistRecord
	err := service.db.WithContext(ctx).Where(queryUserID, userID.Int64()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BlacklistEntry{}, false, nil
	}
	if err != nil {
		service.logError(opLookup, reasonQueryFailed, err, zap.Int64(fieldUserID, userID.Int64()))
		return BlacklistEntry{}, false, newServiceError(opLookup, reasonQueryFailed, err)
	}
	return record.toEntry(), true, nil
}

// PageLimit returns the page size List applies to a requested limit; zero
// selects the service page size.
func (service *Service) PageLimit(requested int) int {
	fallback := defaultPageSize
	if service != nil {
		fallback = clampPageSize(service.pageSize, defaultPageSize)
	}
	return clampPageSize(requested, fallback)
}

// List pages through the snapshot by ascending user id, starting after the given id.
func (service *Service) List(ctx context.Context, after UserID, limit int) ([]BlacklistEntry, error) {
	if err := service.missingDatabase(opList); err != nil {
		return nil, err
	}
	limit = service.PageLimit(limit)

	var records []BlacklistRecord
	if err := service.db.WithContext(ctx).
		Where("user_id > ?", after.Int64()).
		Order("user_id ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		service.logError(opList, reasonQueryFailed, err)
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}

	entries := make([]BlacklistEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, record.toEntry())
	}
	return entries, nil
}
