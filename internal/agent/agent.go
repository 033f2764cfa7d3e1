package agent

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	"go.uber.org/zap"
)

const defaultInterval = 30 * time.Second

var (
	errMissingStore  = errors.New("agent: store required")
	errMissingSource = errors.New("agent: delta source required")
)

// Config wires an Agent.
type Config struct {
	Store  *Store
	Source DeltaSource
	// ClientIDs generates the client id on first start. Nil selects UUIDv7.
	ClientIDs blacklist.ClientIDProvider
	// PageSize bounds one delta request. Zero lets the server choose.
	PageSize int
	Interval time.Duration
	Logger   *zap.Logger
}

// SyncResult summarizes one SyncOnce call.
type SyncResult struct {
	Pages   int
	Applied int
	Skipped int
	Cursor  blacklist.OperationTime
}

// Agent keeps a bot's local blacklist in step with the server log.
type Agent struct {
	store    *Store
	source   DeltaSource
	clientID blacklist.ClientID
	pageSize int
	interval time.Duration
	logger   *zap.Logger
}

// New loads or creates the client id and constructs an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	provider := cfg.ClientIDs
	if provider == nil {
		provider = blacklist.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	clientID, err := cfg.Store.EnsureClientID(provider)
	if err != nil {
		return nil, err
	}

	return &Agent{
		store:    cfg.Store,
		source:   cfg.Source,
		clientID: clientID,
		pageSize: cfg.PageSize,
		interval: interval,
		logger:   logger.With(zap.String("client_id", clientID.String())),
	}, nil
}

// ClientID returns the identifier the agent syncs under.
func (a *Agent) ClientID() blacklist.ClientID {
	return a.clientID
}

// IsBlacklisted answers from the local snapshot.
func (a *Agent) IsBlacklisted(userID blacklist.UserID) (bool, error) {
	return a.store.IsBlacklisted(userID)
}

// SyncOnce pulls and applies pages until the server reports no more. The local
// cursor only covers entries whose writes succeeded; the server cursor is
// reported after each page.
func (a *Agent) SyncOnce(ctx context.Context) (SyncResult, error) {
	var result SyncResult
	for {
		since, err := a.store.LastSyncTime()
		if err != nil {
			return result, err
		}
		result.Cursor = since

		delta, err := a.source.FetchDelta(ctx, a.clientID, since, a.pageSize)
		if err != nil {
			return result, err
		}
		result.Pages++

		applied := 0
		var applyErr error
		for _, entry := range delta.Entries {
			decision, err := a.store.ApplyEntry(entry)
			if err != nil {
				applyErr = err
				break
			}
			applied++
			if decision == blacklist.DecisionSkip {
				result.Skipped++
			} else {
				result.Applied++
			}
		}

		cursor := blacklist.CommittedPrefix(delta, applied)
		if cursor > since {
			if err := a.store.SaveLastSyncTime(cursor); err != nil {
				return result, err
			}
			result.Cursor = cursor
			if err := a.source.AdvanceCursor(ctx, a.clientID, cursor); err != nil {
				a.logger.Warn("failed to report sync cursor",
					zap.Int64("last_sync_time", cursor.Int64()),
					zap.Error(err))
			}
		}

		if applyErr != nil {
			a.logger.Error("failed to apply log entry",
				zap.Int64("last_sync_time", result.Cursor.Int64()),
				zap.Error(applyErr))
			return result, applyErr
		}
		if !delta.HasMore || cursor <= since {
			break
		}
	}

	a.logger.Debug("sync completed",
		zap.Int("pages", result.Pages),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Int64("last_sync_time", result.Cursor.Int64()))
	return result, nil
}

// Run syncs immediately and then on every interval until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if _, err := a.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
