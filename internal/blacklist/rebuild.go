package blacklist

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReconcilerClientID is the cursor the server-side catch-up loop advances. Only
// CatchUp and Rebuild move it.
const ReconcilerClientID ClientID = "blacklist-reconciler"

const rebuildBatchSize = 1000

// RebuildResult summarizes a snapshot rebuild.
type RebuildResult struct {
	EntriesFolded int
	RowsWritten   int
	Head          LogHead
}

// CatchUpResult summarizes one catch-up pass of the reconciler.
type CatchUpResult struct {
	Applied int
	Stale   int
	Cursor  OperationTime
}

// Rebuild discards the snapshot and folds the whole log into it again. The
// reconciler cursor moves to the folded head so CatchUp resumes from there.
func (service *Service) Rebuild(ctx context.Context) (RebuildResult, error) {
	if err := service.missingDatabase(opRebuild); err != nil {
		return RebuildResult{}, err
	}

	var result RebuildResult
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		rebuilt, err := RebuildSnapshot(transaction, service.now())
		if err != nil {
			service.logError(opRebuild, reasonTransactionFailed, err)
			return newServiceError(opRebuild, reasonTransactionFailed, err)
		}
		if err := moveCursor(transaction, ReconcilerClientID, rebuilt.Head.LatestOperationTime, service.now()); err != nil {
			service.logError(opRebuild, reasonCursorFailed, err)
			return newServiceError(opRebuild, reasonCursorFailed, err)
		}
		result = rebuilt
		return nil
	})
	if transactionError != nil {
		return RebuildResult{}, transactionError
	}

	service.loggerOrDefault().Info("snapshot rebuilt",
		zap.Int("entries_folded", result.EntriesFolded),
		zap.Int("rows_written", result.RowsWritten),
		zap.Int64("head_operation_time", result.Head.LatestOperationTime.Int64()))
	return result, nil
}

// RebuildSnapshot replaces every snapshot row with the fold of the log. It runs
// on the caller's transaction and is shared with the schema migrations.
func RebuildSnapshot(transaction *gorm.DB, now time.Time) (RebuildResult, error) {
	head, err := readHead(transaction)
	if err != nil {
		return RebuildResult{}, err
	}

	var entries []LogEntry
	var batch []LogRecord
	batchResult := transaction.
		Where("id <= ?", head.LatestID).
		FindInBatches(&batch, rebuildBatchSize, func(_ *gorm.DB, _ int) error {
			for _, record := range batch {
				entries = append(entries, record.toEntry())
			}
			return nil
		})
	if batchResult.Error != nil {
		return RebuildResult{}, batchResult.Error
	}
	states := fold(entries)

	if err := transaction.Where("1 = 1").Delete(&BlacklistRecord{}).Error; err != nil {
		return RebuildResult{}, err
	}

	rows := snapshotRows(states, now.UTC())
	if len(rows) > 0 {
		if err := transaction.CreateInBatches(rows, rebuildBatchSize).Error; err != nil {
			return RebuildResult{}, err
		}
	}
	return RebuildResult{EntriesFolded: len(entries), RowsWritten: len(rows), Head: head}, nil
}

func snapshotRows(states map[UserID]foldState, now time.Time) []BlacklistRecord {
	rows := make([]BlacklistRecord, 0, len(states))
	for userID, state := range states {
		if state.removed {
			continue
		}
		rows = append(rows, BlacklistRecord{
			UserID:            userID.Int64(),
			AddedBy:           state.entry.OperatedBy.Int64(),
			Reason:            state.entry.Reason,
			CreatedAt:         state.addedAt.Time(),
			UpdatedAt:         now,
			LastOperationTime: state.entry.OperationTime.Int64(),
			LastOperationID:   state.entry.ID,
		})
	}
	slices.SortFunc(rows, func(left, right BlacklistRecord) int {
		switch {
		case left.UserID < right.UserID:
			return -1
		case left.UserID > right.UserID:
			return 1
		default:
			return 0
		}
	})
	return rows
}

// moveCursor sets a cursor unconditionally, creating it when missing.
func moveCursor(transaction *gorm.DB, clientID ClientID, lastSyncTime OperationTime, now time.Time) error {
	record := SyncStateRecord{
		ClientID:     clientID.String(),
		LastSyncTime: lastSyncTime.Int64(),
		UpdatedAt:    now.UTC(),
	}
	return transaction.Save(&record).Error
}

// CatchUp replays every log entry past the reconciler cursor into the snapshot.
// It repairs entries whose apply failed after the append committed. On failure
// the cursor stops before the first entry that could not be applied.
func (service *Service) CatchUp(ctx context.Context) (CatchUpResult, error) {
	if err := service.missingDatabase(opCatchUp); err != nil {
		return CatchUpResult{}, err
	}

	var result CatchUpResult
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		delta, err := service.fetchDelta(ctx, DeltaRequest{ClientID: ReconcilerClientID})
		if err != nil {
			return result, err
		}
		result.Cursor = delta.Since

		applied := 0
		var applyErr error
		for _, entry := range delta.Entries {
			outcome, err := service.Apply(ctx, entry)
			if err != nil {
				applyErr = err
				break
			}
			applied++
			if outcome.Result == ApplyResultStale {
				result.Stale++
			} else {
				result.Applied++
			}
		}

		cursor := CommittedPrefix(delta, applied)
		if cursor > delta.Since {
			if _, err := service.advanceCursor(ctx, ReconcilerClientID, cursor); err != nil {
				return result, err
			}
			result.Cursor = cursor
		}
		if applyErr != nil {
			service.logError(opCatchUp, reasonApplyFailed, applyErr,
				zap.Int64(fieldSince, result.Cursor.Int64()))
			return result, applyErr
		}
		if !delta.HasMore {
			return result, nil
		}
	}
}
