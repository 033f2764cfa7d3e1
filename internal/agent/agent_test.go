package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/config"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, pageSize int) *blacklist.Service {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "server.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	service, err := blacklist.NewService(blacklist.ServiceConfig{Database: db, PageSize: pageSize})
	require.NoError(t, err)
	return service
}

func newTestAgent(t *testing.T, source DeltaSource, pageSize int) (*Agent, *Store) {
	t.Helper()
	store, _ := createTestStore(t)
	agent, err := New(Config{
		Store:     store,
		Source:    source,
		ClientIDs: &fixedProvider{id: "bot-test"},
		PageSize:  pageSize,
		Interval:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	return agent, store
}

func TestSyncOnceMirrorsServerSnapshot(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t, 2)

	for _, userID := range []blacklist.UserID{100, 200, 300, 400} {
		_, err := service.Add(ctx, userID, 1, "spam")
		require.NoError(t, err)
	}
	_, err := service.Remove(ctx, 200, 2)
	require.NoError(t, err)

	agent, store := newTestAgent(t, ServiceSource{Service: service}, 0)

	result, err := agent.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Pages)
	assert.Equal(t, 5, result.Applied)

	head, err := service.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, head.LatestOperationTime, result.Cursor)

	local, err := store.List()
	require.NoError(t, err)
	remote, err := service.List(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, local, len(remote))
	for index := range remote {
		assert.Equal(t, remote[index].UserID, local[index].UserID)
		assert.Equal(t, remote[index].Version(), local[index].Version())
	}

	cursor, found, err := service.Cursor(ctx, agent.ClientID())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, head.LatestOperationTime, cursor.LastSyncTime)

	again, err := agent.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Pages)
	assert.Zero(t, again.Applied)

	_, err = service.Add(ctx, 200, 3, "again")
	require.NoError(t, err)
	_, err = agent.SyncOnce(ctx)
	require.NoError(t, err)
	blacklisted, err := agent.IsBlacklisted(200)
	require.NoError(t, err)
	assert.True(t, blacklisted)
}

type scriptedSource struct {
	delta    blacklist.Delta
	advances []blacklist.OperationTime
	fetchErr error
}

func (s *scriptedSource) FetchDelta(_ context.Context, clientID blacklist.ClientID, since blacklist.OperationTime, _ int) (blacklist.Delta, error) {
	if s.fetchErr != nil {
		return blacklist.Delta{}, s.fetchErr
	}
	delta := blacklist.Delta{ClientID: clientID, Since: since, MaxOperationTime: since}
	for _, entry := range s.delta.Entries {
		if entry.OperationTime > since {
			delta.Entries = append(delta.Entries, entry)
			delta.MaxOperationTime = entry.OperationTime
		}
	}
	return delta, nil
}

func (s *scriptedSource) AdvanceCursor(_ context.Context, _ blacklist.ClientID, lastSyncTime blacklist.OperationTime) error {
	s.advances = append(s.advances, lastSyncTime)
	return nil
}

func TestSyncOnceStopsCursorAtFailedEntry(t *testing.T) {
	source := &scriptedSource{delta: blacklist.Delta{Entries: []blacklist.LogEntry{
		logEntry(1, blacklist.OperationAdd, 100, 10),
		logEntry(2, blacklist.OperationAdd, 200, 20),
		logEntry(3, blacklist.OperationAdd, 300, 30),
		logEntry(4, blacklist.OperationAdd, 400, 40),
	}}}
	agent, store := newTestAgent(t, source, 0)

	require.NoError(t, store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put(userKey(300), []byte("{corrupt"))
	}))

	_, err := agent.SyncOnce(context.Background())
	require.Error(t, err)

	cursor, err := store.LastSyncTime()
	require.NoError(t, err)
	assert.Equal(t, blacklist.OperationTime(20), cursor)
	assert.Equal(t, []blacklist.OperationTime{20}, source.advances)

	blacklisted, err := store.IsBlacklisted(400)
	require.NoError(t, err)
	assert.False(t, blacklisted)
}

func TestSyncOnceLeavesCursorOnFetchError(t *testing.T) {
	source := &scriptedSource{fetchErr: errors.New("server unavailable")}
	agent, store := newTestAgent(t, source, 0)

	_, err := agent.SyncOnce(context.Background())
	require.Error(t, err)

	cursor, err := store.LastSyncTime()
	require.NoError(t, err)
	assert.Equal(t, blacklist.Epoch, cursor)
	assert.Empty(t, source.advances)
}

func TestRunStopsOnCancel(t *testing.T) {
	source := &scriptedSource{delta: blacklist.Delta{Entries: []blacklist.LogEntry{
		logEntry(1, blacklist.OperationAdd, 100, 10),
	}}}
	agent, store := newTestAgent(t, source, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- agent.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		blacklisted, err := store.IsBlacklisted(100)
		return err == nil && blacklisted
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("agent did not stop after cancel")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{Source: &scriptedSource{}})
	assert.ErrorIs(t, err, errMissingStore)

	store, _ := createTestStore(t)
	_, err = New(Config{Store: store})
	assert.ErrorIs(t, err, errMissingSource)
}
