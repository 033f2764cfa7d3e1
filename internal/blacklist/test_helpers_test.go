package blacklist

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseCounter atomic.Int64

var testClockTime = time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)

func mustUserID(t *testing.T, value int64) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustOperatorID(t *testing.T, value int64) OperatorID {
	t.Helper()
	id, err := NewOperatorID(value)
	if err != nil {
		t.Fatalf("unexpected operator id error: %v", err)
	}
	return id
}

func mustClientID(t *testing.T, value string) ClientID {
	t.Helper()
	id, err := NewClientID(value)
	if err != nil {
		t.Fatalf("unexpected client id error: %v", err)
	}
	return id
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:blacklist_test_%d_%d?mode=memory&cache=shared",
		time.Now().UnixNano(), testDatabaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := EnsureClock(db); err != nil {
		t.Fatalf("failed to seed clock: %v", err)
	}
	return db
}

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *gorm.DB) {
	t.Helper()

	if cfg.Database == nil {
		cfg.Database = openTestDatabase(t)
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return testClockTime }
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct blacklist service: %v", err)
	}
	return service, cfg.Database
}

// insertLogEntries writes entries straight into the log, bypassing Append, so
// tests control ids and operation times.
func insertLogEntries(t *testing.T, db *gorm.DB, entries ...LogEntry) {
	t.Helper()
	for _, entry := range entries {
		record := LogRecord{
			ID:            entry.ID,
			Operation:     entry.Operation.String(),
			UserID:        entry.UserID.Int64(),
			OperatedBy:    entry.OperatedBy.Int64(),
			OperationTime: entry.OperationTime.Int64(),
		}
		if entry.Operation == OperationAdd {
			reason := entry.Reason
			record.Reason = &reason
		}
		if err := db.Create(&record).Error; err != nil {
			t.Fatalf("failed to insert log entry %d: %v", entry.ID, err)
		}
	}
}

func snapshotRowsOf(t *testing.T, db *gorm.DB) map[int64]BlacklistRecord {
	t.Helper()
	var records []BlacklistRecord
	if err := db.Order("user_id ASC").Find(&records).Error; err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	rows := make(map[int64]BlacklistRecord, len(records))
	for _, record := range records {
		rows[record.UserID] = record
	}
	return rows
}

func permutations(entries []LogEntry) [][]LogEntry {
	if len(entries) <= 1 {
		return [][]LogEntry{append([]LogEntry(nil), entries...)}
	}
	var result [][]LogEntry
	for index := range entries {
		rest := make([]LogEntry, 0, len(entries)-1)
		rest = append(rest, entries[:index]...)
		rest = append(rest, entries[index+1:]...)
		for _, tail := range permutations(rest) {
			result = append(result, append([]LogEntry{entries[index]}, tail...))
		}
	}
	return result
}
