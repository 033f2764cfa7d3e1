package blacklist_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/config"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/database"
	"go.uber.org/zap"
)

// openSharedService gives every caller its own connection pool and locker, the
// way separate server and admin processes see one database file.
func openSharedService(t *testing.T, path string) *blacklist.Service {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{Driver: config.DriverSQLite, Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	service, err := blacklist.NewService(blacklist.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestServicesSharingDatabaseKeepNewestOperationPerUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	adder := openSharedService(t, path)
	remover := openSharedService(t, path)
	ctx := context.Background()
	userID := blacklist.UserID(42)

	for round := 0; round < 25; round++ {
		var waitGroup sync.WaitGroup
		errs := make(chan error, 2)
		waitGroup.Add(2)
		go func() {
			defer waitGroup.Done()
			if _, err := adder.Add(ctx, userID, 1, "race"); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer waitGroup.Done()
			if _, err := remover.Remove(ctx, userID, 2); err != nil {
				errs <- err
			}
		}()
		waitGroup.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("round %d: unexpected command error: %v", round, err)
		}

		history, err := adder.History(ctx, userID)
		if err != nil {
			t.Fatalf("round %d: unexpected history error: %v", round, err)
		}
		if len(history) != 2*(round+1) {
			t.Fatalf("round %d: expected %d log entries, got %d", round, 2*(round+1), len(history))
		}
		newest := history[len(history)-1]

		for name, service := range map[string]*blacklist.Service{"adder": adder, "remover": remover} {
			entry, found, err := service.Get(ctx, userID)
			if err != nil {
				t.Fatalf("round %d: %s lookup failed: %v", round, name, err)
			}
			if found != (newest.Operation == blacklist.OperationAdd) {
				t.Fatalf("round %d: %s sees blacklisted=%v but newest entry is %s", round, name, found, newest.Operation)
			}
			if found && entry.Version() != newest.Version() {
				t.Fatalf("round %d: %s row %#v does not match newest entry %#v", round, name, entry.Version(), newest.Version())
			}
		}
	}
}
