package blacklist

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LogHead summarizes the newest end of the operation log.
type LogHead struct {
	LatestID            int64
	LatestOperationTime OperationTime
	EntryCount          int64
}

// Append durably records an operation. The id and operation time are assigned
// inside the commit; callers never supply them.
func (service *Service) Append(ctx context.Context, request AppendRequest) (LogEntry, error) {
	if err := service.missingDatabase(opAppend); err != nil {
		return LogEntry{}, err
	}
	if request.Operation() == "" {
		return LogEntry{}, newServiceError(opAppend, reasonInvalidRequest, ErrInvalidOperation)
	}

	var entry LogEntry
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		clock, err := lockClock(transaction)
		if err != nil {
			service.logError(opAppend, reasonClockFailed, err,
				zap.Int64(fieldUserID, request.UserID().Int64()))
			return newServiceError(opAppend, reasonClockFailed, err)
		}

		issued := nextOperationTime(clock.LastIssued, service.now())
		record := LogRecord{
			Operation:     request.Operation().String(),
			UserID:        request.UserID().Int64(),
			OperatedBy:    request.OperatedBy().Int64(),
			OperationTime: issued,
		}
		if request.Operation() == OperationAdd {
			reason := request.Reason()
			record.Reason = &reason
		}
		if err := transaction.Create(&record).Error; err != nil {
			service.logError(opAppend, reasonInsertFailed, err,
				zap.Int64(fieldUserID, request.UserID().Int64()))
			return newServiceError(opAppend, reasonInsertFailed, err)
		}

		if err := transaction.Model(&ClockRecord{}).
			Where(queryClockRow, clockRowID).
			Update("last_issued", issued).Error; err != nil {
			service.logError(opAppend, reasonClockFailed, err,
				zap.Int64(fieldUserID, request.UserID().Int64()))
			return newServiceError(opAppend, reasonClockFailed, err)
		}

		entry = record.toEntry()
		return nil
	})
	if transactionError != nil {
		return LogEntry{}, transactionError
	}

	service.recorderOrDefault().ObserveAppend(entry.Operation)
	service.loggerOrDefault().Debug("log entry appended",
		zap.Int64(fieldEntryID, entry.ID),
		zap.String(fieldOperation, entry.Operation.String()),
		zap.Int64(fieldUserID, entry.UserID.Int64()),
		zap.Int64("operation_time", entry.OperationTime.Int64()))
	return entry, nil
}

// History returns every log entry for a user in log order.
func (service *Service) History(ctx context.Context, userID UserID) ([]LogEntry, error) {
	if err := service.missingDatabase(opHistory); err != nil {
		return nil, err
	}

	var records []LogRecord
	if err := service.db.WithContext(ctx).
		Where(queryUserID, userID.Int64()).
		Order(orderLogAsc).
		Find(&records).Error; err != nil {
		service.logError(opHistory, reasonQueryFailed, err, zap.Int64(fieldUserID, userID.Int64()))
		return nil, newServiceError(opHistory, reasonQueryFailed, err)
	}

	entries := make([]LogEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, record.toEntry())
	}
	return entries, nil
}

// Head reports the newest log entry and the total entry count.
func (service *Service) Head(ctx context.Context) (LogHead, error) {
	if err := service.missingDatabase(opHead); err != nil {
		return LogHead{}, err
	}
	head, err := readHead(service.db.WithContext(ctx))
	if err != nil {
		service.logError(opHead, reasonQueryFailed, err)
		return LogHead{}, newServiceError(opHead, reasonQueryFailed, err)
	}
	return head, nil
}

func readHead(database *gorm.DB) (LogHead, error) {
	var latest LogRecord
	err := database.Order(orderLogDesc).Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LogHead{}, nil
	}
	if err != nil {
		return LogHead{}, err
	}

	var count int64
	if err := database.Model(&LogRecord{}).Count(&count).Error; err != nil {
		return LogHead{}, err
	}
	return LogHead{
		LatestID:            latest.ID,
		LatestOperationTime: OperationTime(latest.OperationTime),
		EntryCount:          count,
	}, nil
}

// lockClock returns the clock row locked for the rest of the transaction,
// creating it on first use.
func lockClock(transaction *gorm.DB) (ClockRecord, error) {
	var clock ClockRecord
	err := transaction.Clauses(clause.Locking{Strength: lockStrength}).
		Where(queryClockRow, clockRowID).
		Take(&clock).Error
	if err == nil {
		return clock, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return ClockRecord{}, err
	}

	if err := EnsureClock(transaction); err != nil {
		return ClockRecord{}, err
	}
	err = transaction.Clauses(clause.Locking{Strength: lockStrength}).
		Where(queryClockRow, clockRowID).
		Take(&clock).Error
	return clock, err
}

// EnsureClock seeds the clock row, continuing from the newest logged time.
func EnsureClock(database *gorm.DB) error {
	var latest LogRecord
	lastIssued := int64(0)
	err := database.Order(orderLogDesc).Take(&latest).Error
	if err == nil {
		lastIssued = latest.OperationTime
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return database.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ClockRecord{ID: clockRowID, LastIssued: lastIssued}).Error
}

// nextOperationTime keeps issued times strictly increasing even if the wall clock
// stalls or steps backwards.
func nextOperationTime(lastIssued int64, now time.Time) int64 {
	candidate := now.UTC().UnixMicro()
	if candidate <= lastIssued {
		return lastIssued + 1
	}
	return candidate
}
