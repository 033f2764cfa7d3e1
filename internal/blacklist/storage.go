package blacklist

import "time"

const clockRowID = 1

// LogRecord stores an append-only operation log entry. operation_time is a
// BIGINT of microseconds since the Unix epoch (UTC), assigned by Append from the
// sync_clock row rather than by a column default.
type LogRecord struct {
	ID            int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Operation     string  `gorm:"column:operation;size:10;not null"`
	UserID        int64   `gorm:"column:user_id;not null;index:idx_sync_log_user_time,priority:1"`
	OperatedBy    int64   `gorm:"column:operated_by;not null"`
	Reason        *string `gorm:"column:reason;type:text"`
	OperationTime int64   `gorm:"column:operation_time;not null;index:idx_sync_log_time;index:idx_sync_log_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (LogRecord) TableName() string {
	return "sync_log"
}

// BlacklistRecord stores the derived membership row for a user.
type BlacklistRecord struct {
	UserID            int64     `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	AddedBy           int64     `gorm:"column:added_by;not null"`
	Reason            string    `gorm:"column:reason;type:text;not null;default:''"`
	CreatedAt         time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	LastOperationTime int64     `gorm:"column:last_operation_time;not null;index:idx_blacklist_last_operation_time"`
	LastOperationID   int64     `gorm:"column:last_operation_id;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BlacklistRecord) TableName() string {
	return "blacklist"
}

// SyncStateRecord stores a client's sync cursor.
type SyncStateRecord struct {
	ClientID     string    `gorm:"column:client_id;primaryKey;size:64;not null"`
	LastSyncTime int64     `gorm:"column:last_sync_time;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (SyncStateRecord) TableName() string {
	return "sync_state"
}

// ClockRecord is the single row that serializes log appends and remembers the last issued time.
type ClockRecord struct {
	ID         int64 `gorm:"column:id;primaryKey;autoIncrement:false"`
	LastIssued int64 `gorm:"column:last_issued;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClockRecord) TableName() string {
	return "sync_clock"
}

// Models lists the tables owned by this package, in migration order.
func Models() []any {
	return []any{&LogRecord{}, &BlacklistRecord{}, &SyncStateRecord{}, &ClockRecord{}}
}

func (record LogRecord) toEntry() LogEntry {
	reason := ""
	if record.Reason != nil {
		reason = *record.Reason
	}
	return LogEntry{
		ID:            record.ID,
		Operation:     Operation(record.Operation),
		UserID:        UserID(record.UserID),
		OperatedBy:    OperatorID(record.OperatedBy),
		Reason:        reason,
		OperationTime: OperationTime(record.OperationTime),
	}
}

func (record BlacklistRecord) toEntry() BlacklistEntry {
	return BlacklistEntry{
		UserID:            UserID(record.UserID),
		AddedBy:           OperatorID(record.AddedBy),
		Reason:            record.Reason,
		CreatedAt:         record.CreatedAt.UTC(),
		UpdatedAt:         record.UpdatedAt.UTC(),
		LastOperationTime: OperationTime(record.LastOperationTime),
		LastOperationID:   record.LastOperationID,
	}
}

func (record BlacklistRecord) version() Version {
	return Version{Time: OperationTime(record.LastOperationTime), ID: record.LastOperationID}
}

func (record SyncStateRecord) toCursor() SyncCursor {
	return SyncCursor{
		ClientID:     ClientID(record.ClientID),
		LastSyncTime: OperationTime(record.LastSyncTime),
		UpdatedAt:    record.UpdatedAt.UTC(),
	}
}
