package blacklist

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation enumerates the blacklist operations recorded in the log.
type Operation string

const (
	// OperationAdd places a user on the blacklist.
	OperationAdd Operation = "ADD"
	// OperationRemove takes a user off the blacklist.
	OperationRemove Operation = "REMOVE"
)

const (
	maxClientIDLength = 64
	maxReasonLength   = 1024
)

var (
	// ErrInvalidOperation indicates an operation other than ADD or REMOVE.
	ErrInvalidOperation = errors.New("blacklist: invalid operation")
	// ErrInvalidUserID indicates that a user identifier is not positive.
	ErrInvalidUserID = errors.New("blacklist: invalid user id")
	// ErrInvalidOperatorID indicates that an operator identifier is not positive.
	ErrInvalidOperatorID = errors.New("blacklist: invalid operator id")
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("blacklist: invalid client id")
	// ErrInvalidOperationTime indicates a negative operation time.
	ErrInvalidOperationTime = errors.New("blacklist: invalid operation time")
	// ErrInvalidReason indicates that a reason exceeds storage bounds.
	ErrInvalidReason = errors.New("blacklist: invalid reason")
	// ErrCursorAhead indicates a cursor advance past the newest log entry.
	ErrCursorAhead = errors.New("blacklist: cursor ahead of log")
	// ErrReservedClientID indicates a client id owned by the server itself.
	ErrReservedClientID = errors.New("blacklist: reserved client id")
)

// ParseOperation normalizes raw input into an Operation.
func ParseOperation(rawInput string) (Operation, error) {
	switch Operation(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case OperationAdd:
		return OperationAdd, nil
	case OperationRemove:
		return OperationRemove, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, rawInput)
	}
}

// String returns the stored representation.
func (operation Operation) String() string {
	return string(operation)
}

// UserID identifies a blacklisted user.
type UserID int64

// NewUserID validates the value and returns a UserID.
func NewUserID(value int64) (UserID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidUserID, value)
	}
	return UserID(value), nil
}

// Int64 exposes the raw identifier.
func (id UserID) Int64() int64 {
	return int64(id)
}

// OperatorID identifies the admin who performed an operation.
type OperatorID int64

// NewOperatorID validates the value and returns an OperatorID.
func NewOperatorID(value int64) (OperatorID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOperatorID, value)
	}
	return OperatorID(value), nil
}

// Int64 exposes the raw identifier.
func (id OperatorID) Int64() int64 {
	return int64(id)
}

// ClientID identifies a sync client (one per bot instance).
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxClientIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxClientIDLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying identifier.
func (id ClientID) String() string {
	return string(id)
}

// Reserved reports whether the id belongs to the server's own catch-up cursor.
// Sync clients may not read or move reserved cursors.
func (id ClientID) Reserved() bool {
	return id == ReconcilerClientID
}

// OperationTime is the authoritative log time in microseconds since the Unix epoch (UTC).
type OperationTime int64

// Epoch is the cursor position of a client that has never synced.
const Epoch OperationTime = 0

// NewOperationTime validates the value and returns an OperationTime.
func NewOperationTime(value int64) (OperationTime, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOperationTime, value)
	}
	return OperationTime(value), nil
}

// OperationTimeOf converts a wall-clock time to log resolution.
func OperationTimeOf(moment time.Time) OperationTime {
	return OperationTime(moment.UTC().UnixMicro())
}

// Int64 exposes the raw microsecond count.
func (t OperationTime) Int64() int64 {
	return int64(t)
}

// Time converts the value to a UTC time.Time.
func (t OperationTime) Time() time.Time {
	return time.UnixMicro(int64(t)).UTC()
}

// Version orders log entries: operation time first, log id on ties.
type Version struct {
	Time OperationTime
	ID   int64
}

// After reports whether version sorts strictly after other.
func (version Version) After(other Version) bool {
	if version.Time != other.Time {
		return version.Time > other.Time
	}
	return version.ID > other.ID
}

// LogEntry is an immutable record of the operation log.
type LogEntry struct {
	ID            int64
	Operation     Operation
	UserID        UserID
	OperatedBy    OperatorID
	Reason        string
	OperationTime OperationTime
}

// Version returns the entry's position in the total order.
func (entry LogEntry) Version() Version {
	return Version{Time: entry.OperationTime, ID: entry.ID}
}

// BlacklistEntry is the derived membership row for one user.
type BlacklistEntry struct {
	UserID            UserID
	AddedBy           OperatorID
	Reason            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastOperationTime OperationTime
	LastOperationID   int64
}

// Version returns the version of the log entry that produced the row.
func (entry BlacklistEntry) Version() Version {
	return Version{Time: entry.LastOperationTime, ID: entry.LastOperationID}
}

// SyncCursor records how far a client has applied the log.
type SyncCursor struct {
	ClientID     ClientID
	LastSyncTime OperationTime
	UpdatedAt    time.Time
}

// AppendRequest captures a validated log append.
type AppendRequest struct {
	operation  Operation
	userID     UserID
	operatedBy OperatorID
	reason     string
}

// AppendRequestConfig describes the inputs required to build an AppendRequest.
type AppendRequestConfig struct {
	Operation  Operation
	UserID     UserID
	OperatedBy OperatorID
	Reason     string
}

// NewAppendRequest validates the configuration. A reason supplied with REMOVE is dropped.
func NewAppendRequest(cfg AppendRequestConfig) (AppendRequest, error) {
	if cfg.Operation != OperationAdd && cfg.Operation != OperationRemove {
		return AppendRequest{}, fmt.Errorf("%w: %q", ErrInvalidOperation, cfg.Operation)
	}
	if cfg.UserID <= 0 {
		return AppendRequest{}, fmt.Errorf("%w: %d", ErrInvalidUserID, cfg.UserID)
	}
	if cfg.OperatedBy <= 0 {
		return AppendRequest{}, fmt.Errorf("%w: %d", ErrInvalidOperatorID, cfg.OperatedBy)
	}
	reason := strings.TrimSpace(cfg.Reason)
	if len(reason) > maxReasonLength {
		return AppendRequest{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidReason, maxReasonLength)
	}
	if cfg.Operation == OperationRemove {
		reason = ""
	}
	return AppendRequest{
		operation:  cfg.Operation,
		userID:     cfg.UserID,
		operatedBy: cfg.OperatedBy,
		reason:     reason,
	}, nil
}

// Operation returns the requested operation.
func (request AppendRequest) Operation() Operation {
	return request.operation
}

// UserID returns the target user.
func (request AppendRequest) UserID() UserID {
	return request.userID
}

// OperatedBy returns the acting admin.
func (request AppendRequest) OperatedBy() OperatorID {
	return request.operatedBy
}

// Reason returns the ADD reason, empty for REMOVE.
func (request AppendRequest) Reason() string {
	return request.reason
}
