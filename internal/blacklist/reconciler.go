package blacklist

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApplyResult describes what reconciling one entry did to the snapshot.
type ApplyResult string

const (
	// ApplyResultAdded created a new row.
	ApplyResultAdded ApplyResult = "added"
	// ApplyResultUpdated replaced an older row.
	ApplyResultUpdated ApplyResult = "updated"
	// ApplyResultRemoved deleted a row.
	ApplyResultRemoved ApplyResult = "removed"
	// ApplyResultAbsent was a winning REMOVE for a user without a row.
	ApplyResultAbsent ApplyResult = "absent"
	// ApplyResultStale left the snapshot untouched: the entry lost to newer state or was already applied.
	ApplyResultStale ApplyResult = "stale"
)

// ApplyOutcome reports the effect of Apply and the user's resulting row, if any.
type ApplyOutcome struct {
	Result ApplyResult
	Entry  *BlacklistEntry
}

// Blacklisted reports whether the user is on the blacklist after the apply.
func (outcome ApplyOutcome) Blacklisted() bool {
	return outcome.Entry != nil
}

// Apply folds one log entry into the snapshot using last-write-wins. It is
// idempotent and gives the same final state regardless of delivery order.
func (service *Service) Apply(ctx context.Context, entry LogEntry) (ApplyOutcome, error) {
	if err := service.missingDatabase(opApply); err != nil {
		return ApplyOutcome{}, err
	}

	unlock := service.locks.lock(entry.UserID)
	defer unlock()

	var outcome ApplyOutcome
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		applied, err := service.applyInTransaction(transaction, entry)
		if err != nil {
			return err
		}
		outcome = applied
		return nil
	})
	if transactionError != nil {
		return ApplyOutcome{}, transactionError
	}

	service.recorderOrDefault().ObserveApply(outcome.Result)
	service.loggerOrDefault().Debug("log entry reconciled",
		zap.Int64(fieldEntryID, entry.ID),
		zap.Int64(fieldUserID, entry.UserID.Int64()),
		zap.String("result", string(outcome.Result)))
	return outcome, nil
}

func (service *Service) applyInTransaction(transaction *gorm.DB, entry LogEntry) (ApplyOutcome, error) {
	fields := []zap.Field{
		zap.Int64(fieldEntryID, entry.ID),
		zap.Int64(fieldUserID, entry.UserID.Int64()),
	}

	if err := lockUser(transaction, entry.UserID); err != nil {
		service.logError(opApply, reasonRowLockFailed, err, fields...)
		return ApplyOutcome{}, newServiceError(opApply, reasonRowLockFailed, err)
	}
	existing, found, err := lockSnapshotRow(transaction, entry.UserID)
	if err != nil {
		service.logError(opApply, reasonRowLockFailed, err, fields...)
		return ApplyOutcome{}, newServiceError(opApply, reasonRowLockFailed, err)
	}

	current := Version{}
	known := found
	if found {
		current = existing.version()
	} else {
		tombstone, removed, err := latestRemoval(transaction, entry.UserID)
		if err != nil {
			service.logError(opApply, reasonTombstoneFailed, err, fields...)
			return ApplyOutcome{}, newServiceError(opApply, reasonTombstoneFailed, err)
		}
		current, known = tombstone, removed
	}

	switch Resolve(current, known, entry) {
	case DecisionSkip:
		return staleOutcome(existing, found), nil
	case DecisionDelete:
		if !found {
			return ApplyOutcome{Result: ApplyResultAbsent}, nil
		}
		deleteResult := transaction.
			Where("user_id = ? AND last_operation_time = ? AND last_operation_id = ?",
				existing.UserID, existing.LastOperationTime, existing.LastOperationID).
			Delete(&BlacklistRecord{})
		if deleteResult.Error != nil {
			service.logError(opApply, reasonDeleteFailed, deleteResult.Error, fields...)
			return ApplyOutcome{}, newServiceError(opApply, reasonDeleteFailed, deleteResult.Error)
		}
		return ApplyOutcome{Result: ApplyResultRemoved}, nil
	default:
		return service.upsertSnapshotRow(transaction, existing, found, entry, fields)
	}
}

func (service *Service) upsertSnapshotRow(transaction *gorm.DB, existing BlacklistRecord, found bool, entry LogEntry, fields []zap.Field) (ApplyOutcome, error) {
	now := service.now()
	addedAt, err := firstAddTime(transaction, entry)
	if err != nil {
		service.logError(opApply, reasonTombstoneFailed, err, fields...)
		return ApplyOutcome{}, newServiceError(opApply, reasonTombstoneFailed, err)
	}
	if found {
		existing.CreatedAt = addedAt.Time()
		existing.AddedBy = entry.OperatedBy.Int64()
		existing.Reason = entry.Reason
		existing.UpdatedAt = now
		existing.LastOperationTime = entry.OperationTime.Int64()
		existing.LastOperationID = entry.ID
		if err := transaction.Save(&existing).Error; err != nil {
			service.logError(opApply, reasonUpsertFailed, err, fields...)
			return ApplyOutcome{}, newServiceError(opApply, reasonUpsertFailed, err)
		}
		row := existing.toEntry()
		return ApplyOutcome{Result: ApplyResultUpdated, Entry: &row}, nil
	}

	record := BlacklistRecord{
		UserID:            entry.UserID.Int64(),
		AddedBy:           entry.OperatedBy.Int64(),
		Reason:            entry.Reason,
		CreatedAt:         addedAt.Time(),
		UpdatedAt:         now,
		LastOperationTime: entry.OperationTime.Int64(),
		LastOperationID:   entry.ID,
	}
	createResult := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if createResult.Error != nil {
		service.logError(opApply, reasonUpsertFailed, createResult.Error, fields...)
		return ApplyOutcome{}, newServiceError(opApply, reasonUpsertFailed, createResult.Error)
	}
	if createResult.RowsAffected == 1 {
		row := record.toEntry()
		return ApplyOutcome{Result: ApplyResultAdded, Entry: &row}, nil
	}

	// Another writer inserted the row first; compare against it instead.
	raced, racedFound, err := lockSnapshotRow(transaction, entry.UserID)
	if err != nil {
		service.logError(opApply, reasonRowLockFailed, err, fields...)
		return ApplyOutcome{}, newServiceError(opApply, reasonRowLockFailed, err)
	}
	if !racedFound {
		return ApplyOutcome{}, newServiceError(opApply, reasonUpsertFailed, errors.New("row vanished during upsert"))
	}
	if Resolve(raced.version(), true, entry) == DecisionSkip {
		return staleOutcome(raced, true), nil
	}
	return service.upsertSnapshotRow(transaction, raced, true, entry, fields)
}

func staleOutcome(existing BlacklistRecord, found bool) ApplyOutcome {
	if !found {
		return ApplyOutcome{Result: ApplyResultStale}
	}
	row := existing.toEntry()
	return ApplyOutcome{Result: ApplyResultStale, Entry: &row}
}

func lockSnapshotRow(transaction *gorm.DB, userID UserID) (BlacklistRecord, bool, error) {
	var existing BlacklistRecord
	err := transaction.Clauses(clause.Locking{Strength: lockStrength}).
		Where(queryUserID, userID.Int64()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BlacklistRecord{}, false, nil
	}
	if err != nil {
		return BlacklistRecord{}, false, err
	}
	return existing, true, nil
}

// latestRemoval finds the newest REMOVE logged for a user. The log acts as the
// tombstone for rows that REMOVE deleted.
func latestRemoval(transaction *gorm.DB, userID UserID) (Version, bool, error) {
	var record LogRecord
	err := transaction.Select("id", "operation_time").
		Where("user_id = ? AND operation = ?", userID.Int64(), OperationRemove.String()).
		Order(orderLogDesc).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, false, nil
	}
	if err != nil {
		return Version{}, false, err
	}
	return Version{Time: OperationTime(record.OperationTime), ID: record.ID}, true, nil
}

// firstAddTime returns the time of the earliest ADD in the run of ADDs that ends
// with entry, i.e. since the latest REMOVE before it. Entries missing from the
// log fall back to their own time.
func firstAddTime(transaction *gorm.DB, entry LogEntry) (OperationTime, error) {
	version := entry.Version()
	var removal LogRecord
	err := transaction.Select("id", "operation_time").
		Where("user_id = ? AND operation = ?", entry.UserID.Int64(), OperationRemove.String()).
		Where(queryBeforeVersion, version.Time.Int64(), version.Time.Int64(), version.ID).
		Order(orderLogDesc).
		Take(&removal).Error
	removed := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	query := transaction.Select("id", "operation_time").
		Where("user_id = ? AND operation = ?", entry.UserID.Int64(), OperationAdd.String()).
		Where(queryBeforeVersion, version.Time.Int64(), version.Time.Int64(), version.ID+1)
	if removed {
		query = query.Where(queryAfterVersion, removal.OperationTime, removal.OperationTime, removal.ID)
	}
	var first LogRecord
	err = query.Order(orderLogAsc).Take(&first).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entry.OperationTime, nil
	}
	if err != nil {
		return 0, err
	}
	return OperationTime(first.OperationTime), nil
}
