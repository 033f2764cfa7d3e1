package blacklist

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeltaRequest asks for log entries newer than a point in time.
type DeltaRequest struct {
	ClientID ClientID
	// Since overrides the stored cursor when set.
	Since *OperationTime
	// Limit bounds the page; zero selects the service page size.
	Limit int
}

// Delta is one page of log entries ordered by (operation_time, id).
type Delta struct {
	ClientID         ClientID
	Since            OperationTime
	Entries          []LogEntry
	MaxOperationTime OperationTime
	HasMore          bool
}

// CursorOutcome reports the cursor after an advance attempt.
type CursorOutcome struct {
	Cursor   SyncCursor
	Advanced bool
}

// CursorStatus pairs a cursor with how many entries the client has not applied.
type CursorStatus struct {
	Cursor         SyncCursor
	PendingEntries int64
}

// FetchDelta returns entries with operation_time strictly after since. A client
// seen for the first time gets a cursor at Epoch. The cursor is never advanced here.
// Reserved client ids are rejected with ErrReservedClientID.
func (service *Service) FetchDelta(ctx context.Context, request DeltaRequest) (Delta, error) {
	if err := service.missingDatabase(opFetchDelta); err != nil {
		return Delta{}, err
	}
	if request.ClientID.Reserved() {
		return Delta{}, newServiceError(opFetchDelta, reasonReservedClientID,
			fmt.Errorf("%w: %s", ErrReservedClientID, request.ClientID))
	}
	return service.fetchDelta(ctx, request)
}

func (service *Service) fetchDelta(ctx context.Context, request DeltaRequest) (Delta, error) {
	if _, err := NewClientID(request.ClientID.String()); err != nil {
		return Delta{}, newServiceError(opFetchDelta, reasonInvalidRequest, err)
	}
	if request.Since != nil && *request.Since < Epoch {
		return Delta{}, newServiceError(opFetchDelta, reasonInvalidRequest,
			fmt.Errorf("%w: %d", ErrInvalidOperationTime, *request.Since))
	}

	fields := []zap.Field{zap.String(fieldClientID, request.ClientID.String())}
	database := service.db.WithContext(ctx)

	cursor, err := service.ensureCursor(database, request.ClientID)
	if err != nil {
		service.logError(opFetchDelta, reasonCursorFailed, err, fields...)
		return Delta{}, newServiceError(opFetchDelta, reasonCursorFailed, err)
	}

	since := cursor.LastSyncTime
	if request.Since != nil {
		since = *request.Since
	}
	limit := clampPageSize(request.Limit, clampPageSize(service.pageSize, defaultPageSize))

	var records []LogRecord
	if err := database.
		Where(queryAfterTime, since.Int64()).
		Order(orderLogAsc).
		Limit(limit + 1).
		Find(&records).Error; err != nil {
		service.logError(opFetchDelta, reasonQueryFailed, err, append(fields, zap.Int64(fieldSince, since.Int64()))...)
		return Delta{}, newServiceError(opFetchDelta, reasonQueryFailed, err)
	}

	delta := Delta{
		ClientID:         request.ClientID,
		Since:            since,
		MaxOperationTime: since,
	}
	if len(records) > limit {
		delta.HasMore = true
		records, err = trimToTimeBoundary(database, records, limit)
		if err != nil {
			service.logError(opFetchDelta, reasonQueryFailed, err, append(fields, zap.Int64(fieldSince, since.Int64()))...)
			return Delta{}, newServiceError(opFetchDelta, reasonQueryFailed, err)
		}
	}
	delta.Entries = make([]LogEntry, 0, len(records))
	for _, record := range records {
		entry := record.toEntry()
		delta.Entries = append(delta.Entries, entry)
		if entry.OperationTime > delta.MaxOperationTime {
			delta.MaxOperationTime = entry.OperationTime
		}
	}

	service.recorderOrDefault().ObserveDelta(len(delta.Entries))
	service.loggerOrDefault().Debug("delta served",
		zap.String(fieldClientID, request.ClientID.String()),
		zap.Int64(fieldSince, since.Int64()),
		zap.Int("entries", len(delta.Entries)),
		zap.Bool("has_more", delta.HasMore))
	return delta, nil
}

// AdvanceCursor records that a client applied the log up to lastSyncTime. The
// cursor never moves backwards; an older time leaves it unchanged. Times beyond
// the newest log entry are rejected with ErrCursorAhead, reserved client ids
// with ErrReservedClientID.
func (service *Service) AdvanceCursor(ctx context.Context, clientID ClientID, lastSyncTime OperationTime) (CursorOutcome, error) {
	if err := service.missingDatabase(opAdvanceCursor); err != nil {
		return CursorOutcome{}, err
	}
	if clientID.Reserved() {
		return CursorOutcome{}, newServiceError(opAdvanceCursor, reasonReservedClientID,
			fmt.Errorf("%w: %s", ErrReservedClientID, clientID))
	}
	return service.advanceCursor(ctx, clientID, lastSyncTime)
}

func (service *Service) advanceCursor(ctx context.Context, clientID ClientID, lastSyncTime OperationTime) (CursorOutcome, error) {
	if _, err := NewClientID(clientID.String()); err != nil {
		return CursorOutcome{}, newServiceError(opAdvanceCursor, reasonInvalidRequest, err)
	}
	if lastSyncTime < Epoch {
		return CursorOutcome{}, newServiceError(opAdvanceCursor, reasonInvalidRequest,
			fmt.Errorf("%w: %d", ErrInvalidOperationTime, lastSyncTime))
	}

	fields := []zap.Field{
		zap.String(fieldClientID, clientID.String()),
		zap.Int64("last_sync_time", lastSyncTime.Int64()),
	}

	var outcome CursorOutcome
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		head, err := readHead(transaction)
		if err != nil {
			service.logError(opAdvanceCursor, reasonQueryFailed, err, fields...)
			return newServiceError(opAdvanceCursor, reasonQueryFailed, err)
		}
		if lastSyncTime > head.LatestOperationTime {
			return newServiceError(opAdvanceCursor, reasonCursorAhead,
				fmt.Errorf("%w: %d > %d", ErrCursorAhead, lastSyncTime, head.LatestOperationTime))
		}

		if _, err := service.ensureCursor(transaction, clientID); err != nil {
			service.logError(opAdvanceCursor, reasonCursorFailed, err, fields...)
			return newServiceError(opAdvanceCursor, reasonCursorFailed, err)
		}

		var record SyncStateRecord
		if err := transaction.Clauses(clause.Locking{Strength: lockStrength}).
			Where(queryClientID, clientID.String()).
			Take(&record).Error; err != nil {
			service.logError(opAdvanceCursor, reasonRowLockFailed, err, fields...)
			return newServiceError(opAdvanceCursor, reasonRowLockFailed, err)
		}

		if lastSyncTime <= OperationTime(record.LastSyncTime) {
			outcome = CursorOutcome{Cursor: record.toCursor()}
			return nil
		}

		record.LastSyncTime = lastSyncTime.Int64()
		record.UpdatedAt = service.now()
		if err := transaction.Save(&record).Error; err != nil {
			service.logError(opAdvanceCursor, reasonCursorFailed, err, fields...)
			return newServiceError(opAdvanceCursor, reasonCursorFailed, err)
		}
		outcome = CursorOutcome{Cursor: record.toCursor(), Advanced: true}
		return nil
	})
	if transactionError != nil {
		return CursorOutcome{}, transactionError
	}

	service.recorderOrDefault().ObserveCursorAdvance(outcome.Advanced)
	return outcome, nil
}

// Cursor returns the stored cursor for a client, if any.
func (service *Service) Cursor(ctx context.Context, clientID ClientID) (SyncCursor, bool, error) {
	if err := service.missingDatabase(opLookup); err != nil {
		return SyncCursor{}, false, err
	}
	var record SyncStateRecord
	err := service.db.WithContext(ctx).Where(queryClientID, clientID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncCursor{}, false, nil
	}
	if err != nil {
		service.logError(opLookup, reasonQueryFailed, err, zap.String(fieldClientID, clientID.String()))
		return SyncCursor{}, false, newServiceError(opLookup, reasonQueryFailed, err)
	}
	return record.toCursor(), true, nil
}

// ListCursors returns every known cursor with its backlog.
func (service *Service) ListCursors(ctx context.Context) ([]CursorStatus, error) {
	if err := service.missingDatabase(opListCursors); err != nil {
		return nil, err
	}
	database := service.db.WithContext(ctx)

	var records []SyncStateRecord
	if err := database.Order("client_id ASC").Find(&records).Error; err != nil {
		service.logError(opListCursors, reasonQueryFailed, err)
		return nil, newServiceError(opListCursors, reasonQueryFailed, err)
	}

	statuses := make([]CursorStatus, 0, len(records))
	for _, record := range records {
		var pending int64
		if err := database.Model(&LogRecord{}).
			Where(queryAfterTime, record.LastSyncTime).
			Count(&pending).Error; err != nil {
			service.logError(opListCursors, reasonQueryFailed, err, zap.String(fieldClientID, record.ClientID))
			return nil, newServiceError(opListCursors, reasonQueryFailed, err)
		}
		statuses = append(statuses, CursorStatus{Cursor: record.toCursor(), PendingEntries: pending})
	}
	return statuses, nil
}

// ensureCursor returns the client's cursor, creating it at Epoch when missing.
func (service *Service) ensureCursor(database *gorm.DB, clientID ClientID) (SyncCursor, error) {
	var record SyncStateRecord
	err := database.Where(queryClientID, clientID.String()).Take(&record).Error
	if err == nil {
		return record.toCursor(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncCursor{}, err
	}

	record = SyncStateRecord{
		ClientID:     clientID.String(),
		LastSyncTime: Epoch.Int64(),
		UpdatedAt:    service.now(),
	}
	if err := database.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		return SyncCursor{}, err
	}
	service.loggerOrDefault().Info("sync cursor created", zap.String(fieldClientID, clientID.String()))
	return SyncCursor{ClientID: clientID, LastSyncTime: Epoch, UpdatedAt: record.UpdatedAt}, nil
}

// trimToTimeBoundary cuts an over-long page so that it never splits entries
// sharing one operation time; a time cursor taken from the page's last entry then
// cannot skip the rest. records holds limit+1 rows.
func trimToTimeBoundary(database *gorm.DB, records []LogRecord, limit int) ([]LogRecord, error) {
	boundary := records[limit].OperationTime
	if records[limit-1].OperationTime != boundary {
		return records[:limit], nil
	}
	cut := limit - 1
	for cut > 0 && records[cut-1].OperationTime == boundary {
		cut--
	}
	if cut > 0 {
		return records[:cut], nil
	}

	// The whole page shares one time: return every entry at that time.
	var sameTime []LogRecord
	if err := database.
		Where("operation_time = ?", boundary).
		Order(orderLogAsc).
		Find(&sameTime).Error; err != nil {
		return nil, err
	}
	return sameTime, nil
}

// CommittedPrefix returns the cursor a consumer may persist after applying the
// first applied entries of delta. It never passes an operation time that still
// has unapplied entries.
func CommittedPrefix(delta Delta, applied int) OperationTime {
	if applied <= 0 {
		return delta.Since
	}
	if applied >= len(delta.Entries) {
		return delta.MaxOperationTime
	}
	next := delta.Entries[applied].OperationTime
	for index := applied - 1; index >= 0; index-- {
		if delta.Entries[index].OperationTime < next {
			return delta.Entries[index].OperationTime
		}
	}
	return delta.Since
}
