package api

import "time"

// LogEntry is one operation of the blacklist log as served to clients.
type LogEntry struct {
	ID              int64  `json:"id"`
	Operation       string `json:"operation"`
	UserID          int64  `json:"user_id"`
	OperatedBy      int64  `json:"operated_by"`
	Reason          string `json:"reason,omitempty"`
	OperationTimeUS int64  `json:"operation_time_us"` // microseconds since the Unix epoch
}

// DeltaResponse is one page of log entries after the requested time.
type DeltaResponse struct {
	ClientID           string     `json:"client_id"`
	SinceUS            int64      `json:"since_us"`
	Entries            []LogEntry `json:"entries"`
	MaxOperationTimeUS int64      `json:"max_operation_time_us"`
	HasMore            bool       `json:"has_more"`
}

// AdvanceCursorRequest confirms local application up to a log time.
type AdvanceCursorRequest struct {
	LastSyncTimeUS int64 `json:"last_sync_time_us"`
}

// CursorResponse reports a client's sync cursor.
type CursorResponse struct {
	ClientID       string    `json:"client_id"`
	LastSyncTimeUS int64     `json:"last_sync_time_us"`
	UpdatedAt      time.Time `json:"updated_at"`
	Advanced       bool      `json:"advanced"`
	PendingEntries *int64    `json:"pending_entries,omitempty"`
}

// CursorListResponse lists every known cursor.
type CursorListResponse struct {
	Cursors []CursorResponse `json:"cursors"`
}
