package api

import "time"

// AddRequest blacklists a user.
type AddRequest struct {
	UserID     int64  `json:"user_id"`
	OperatedBy int64  `json:"operated_by"`
	Reason     string `json:"reason"`
}

// BlacklistEntry is a snapshot row.
type BlacklistEntry struct {
	UserID              int64     `json:"user_id"`
	AddedBy             int64     `json:"added_by"`
	Reason              string    `json:"reason"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	LastOperationTimeUS int64     `json:"last_operation_time_us"`
}

// StatusResponse answers whether a user is blacklisted.
type StatusResponse struct {
	UserID      int64           `json:"user_id"`
	Blacklisted bool            `json:"blacklisted"`
	Entry       *BlacklistEntry `json:"entry,omitempty"`
}

// CommandResponse reports the logged entry and its effect on the snapshot.
type CommandResponse struct {
	Entry       LogEntry `json:"entry"`
	Result      string   `json:"result"`
	Blacklisted bool     `json:"blacklisted"`
}

// ListResponse is one page of the snapshot ordered by user id.
type ListResponse struct {
	Entries   []BlacklistEntry `json:"entries"`
	NextAfter int64            `json:"next_after,omitempty"`
}

// HistoryResponse lists every log entry for a user.
type HistoryResponse struct {
	UserID  int64      `json:"user_id"`
	Entries []LogEntry `json:"entries"`
}
