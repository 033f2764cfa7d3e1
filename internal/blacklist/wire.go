package blacklist

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/blacklist-sync/pkg/api"
)

// LogEntryToAPI converts a log entry to its wire form.
func LogEntryToAPI(entry LogEntry) api.LogEntry {
	return api.LogEntry{
		ID:              entry.ID,
		Operation:       entry.Operation.String(),
		UserID:          entry.UserID.Int64(),
		OperatedBy:      entry.OperatedBy.Int64(),
		Reason:          entry.Reason,
		OperationTimeUS: entry.OperationTime.Int64(),
	}
}

// LogEntryFromAPI validates a wire entry received from the server.
func LogEntryFromAPI(wire api.LogEntry) (LogEntry, error) {
	operation, err := ParseOperation(wire.Operation)
	if err != nil {
		return LogEntry{}, err
	}
	userID, err := NewUserID(wire.UserID)
	if err != nil {
		return LogEntry{}, err
	}
	operatedBy, err := NewOperatorID(wire.OperatedBy)
	if err != nil {
		return LogEntry{}, err
	}
	operationTime, err := NewOperationTime(wire.OperationTimeUS)
	if err != nil {
		return LogEntry{}, err
	}
	if wire.ID <= 0 {
		return LogEntry{}, fmt.Errorf("blacklist: invalid log entry id %d", wire.ID)
	}
	return LogEntry{
		ID:            wire.ID,
		Operation:     operation,
		UserID:        userID,
		OperatedBy:    operatedBy,
		Reason:        wire.Reason,
		OperationTime: operationTime,
	}, nil
}

// DeltaToAPI converts a delta page to its wire form.
func DeltaToAPI(delta Delta) api.DeltaResponse {
	entries := make([]api.LogEntry, 0, len(delta.Entries))
	for _, entry := range delta.Entries {
		entries = append(entries, LogEntryToAPI(entry))
	}
	return api.DeltaResponse{
		ClientID:           delta.ClientID.String(),
		SinceUS:            delta.Since.Int64(),
		Entries:            entries,
		MaxOperationTimeUS: delta.MaxOperationTime.Int64(),
		HasMore:            delta.HasMore,
	}
}

// DeltaFromAPI validates a wire delta page.
func DeltaFromAPI(wire api.DeltaResponse) (Delta, error) {
	clientID, err := NewClientID(wire.ClientID)
	if err != nil {
		return Delta{}, err
	}
	since, err := NewOperationTime(wire.SinceUS)
	if err != nil {
		return Delta{}, err
	}
	maxTime, err := NewOperationTime(wire.MaxOperationTimeUS)
	if err != nil {
		return Delta{}, err
	}
	entries := make([]LogEntry, 0, len(wire.Entries))
	for _, item := range wire.Entries {
		entry, err := LogEntryFromAPI(item)
		if err != nil {
			return Delta{}, err
		}
		entries = append(entries, entry)
	}
	return Delta{
		ClientID:         clientID,
		Since:            since,
		Entries:          entries,
		MaxOperationTime: maxTime,
		HasMore:          wire.HasMore,
	}, nil
}

// EntryToAPI converts a snapshot row to its wire form.
func EntryToAPI(entry BlacklistEntry) api.BlacklistEntry {
	return api.BlacklistEntry{
		UserID:              entry.UserID.Int64(),
		AddedBy:             entry.AddedBy.Int64(),
		Reason:              entry.Reason,
		CreatedAt:           entry.CreatedAt,
		UpdatedAt:           entry.UpdatedAt,
		LastOperationTimeUS: entry.LastOperationTime.Int64(),
	}
}

// CursorToAPI converts a cursor to its wire form.
func CursorToAPI(cursor SyncCursor, advanced bool) api.CursorResponse {
	return api.CursorResponse{
		ClientID:       cursor.ClientID.String(),
		LastSyncTimeUS: cursor.LastSyncTime.Int64(),
		UpdatedAt:      cursor.UpdatedAt,
		Advanced:       advanced,
	}
}

// CommandToAPI converts a command result to its wire form.
func CommandToAPI(result CommandResult) api.CommandResponse {
	return api.CommandResponse{
		Entry:       LogEntryToAPI(result.Entry),
		Result:      string(result.Outcome.Result),
		Blacklisted: result.Outcome.Blacklisted(),
	}
}
