// Package metadata defines the interface and implementations for FileVault's
// metadata storage layer, which tracks files, multipart upload sessions,
// quotas, access grants, and the audit log.
package metadata

import (
	"context"
	"io"
	"time"
)

// FileStatus describes the lifecycle state of a file record.
type FileStatus string

const (
	// FileStatusPending marks a file whose bytes are not yet fully stored.
	FileStatusPending FileStatus = "pending"
	// FileStatusActive marks a file whose bytes are durably stored.
	FileStatusActive FileStatus = "active"
)

// Visibility describes who may read a file beyond explicit grants.
type Visibility string

const (
	// VisibilityPrivate restricts access to the owner and grantees.
	VisibilityPrivate Visibility = "private"
	// VisibilityPublicRead allows any authenticated user to read.
	VisibilityPublicRead Visibility = "public-read"
)

// SessionState describes the lifecycle state of a multipart upload session.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionUploading SessionState = "uploading"
	SessionCompleted SessionState = "completed"
	SessionAborted   SessionState = "aborted"
	SessionExpired   SessionState = "expired"
)

// Role is an access level granted on a file.
type Role string

const (
	// RoleOwner is implicit for the file's owner and never stored as a grant.
	RoleOwner Role = "owner"
	// RoleEditor may read and write the file.
	RoleEditor Role = "editor"
	// RoleViewer may only read the file.
	RoleViewer Role = "viewer"
)

// Decision is the outcome of an authorization check.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// FileRecord represents the metadata for a single stored file.
type FileRecord struct {
	ID              string
	OwnerID         string
	Name            string
	Size            int64
	ContentType     string
	ContentEncoding string
	StorageKey      string
	ETag            string
	Status          FileStatus
	Visibility      Visibility
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FileFinal carries the attributes recorded when a pending file becomes
// active.
type FileFinal struct {
	Size            int64
	ETag            string
	ContentType     string
	ContentEncoding string
}

// SessionRecord represents an in-progress multipart upload session.
type SessionRecord struct {
	ID              string
	FileID          string
	OwnerID         string
	StorageKey      string
	BackendUploadID string
	State           SessionState
	PartSize        int64
	TotalParts      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// PartRecord represents the metadata for a single uploaded part.
type PartRecord struct {
	SessionID  string
	PartNumber int
	Size       int64
	ETag       string
	UploadedAt time.Time
}

// TierRecord defines the quota limits for a subscription tier.
type TierRecord struct {
	Name                string
	StorageLimitBytes   int64
	FileCountLimit      int64
	BandwidthLimitBytes int64
}

// QuotaRecord holds a user's tier assignment and current usage counters.
// Bandwidth usage accumulates within a daily UTC window; WindowStart is
// the UTC midnight that opened the current window.
type QuotaRecord struct {
	UserID             string
	Tier               string
	StorageUsedBytes   int64
	FileCount          int64
	BandwidthUsedBytes int64
	WindowStart        time.Time
	UpdatedAt          time.Time
}

// UsageDelta is a signed adjustment to a user's usage counters.
type UsageDelta struct {
	StorageBytes   int64
	FileCount      int64
	BandwidthBytes int64
}

// GrantRecord represents an explicit access grant on a file. A zero
// ExpiresAt means the grant never expires; expired grants are inert and
// never returned by lookups.
type GrantRecord struct {
	FileID    string
	UserID    string
	Role      Role
	GrantedBy string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuditRecord is a single entry in the append-only audit log.
type AuditRecord struct {
	ID               int64
	Timestamp        time.Time
	UserID           string
	FileID           string
	Operation        string
	Decision         Decision
	Reason           string
	BytesTransferred int64
	DurationMs       int64
}

// OperationCounts holds allowed and denied decision counts for one operation.
type OperationCounts struct {
	Allowed int64
	Denied  int64
}

// AccessMetrics aggregates authorization decisions from the audit log.
type AccessMetrics struct {
	Allowed     int64
	Denied      int64
	ByOperation map[string]OperationCounts
}

// ListFilesOptions specifies pagination options for listing a user's files.
type ListFilesOptions struct {
	// Marker is the file name to resume after.
	Marker   string
	MaxFiles int
}

// ListFilesResult holds the result of a list files operation.
type ListFilesResult struct {
	Files       []FileRecord
	IsTruncated bool
	NextMarker  string
}

// Store defines the interface for all metadata operations required by
// FileVault. Implementations must be safe for concurrent use.
type Store interface {
	io.Closer

	// Ping checks connectivity to the metadata store.
	Ping(ctx context.Context) error

	// File operations

	// CreateFile creates a new file record.
	CreateFile(ctx context.Context, file *FileRecord) error

	// GetFile retrieves the metadata for the given file ID. Returns
	// (nil, nil) when the file does not exist.
	GetFile(ctx context.Context, id string) (*FileRecord, error)

	// FinalizeFile transitions a pending file to active and records its
	// final attributes. Overwrites may change the content headers, so the
	// stored type and encoding are replaced along with size and checksum.
	FinalizeFile(ctx context.Context, id string, fin FileFinal) error

	// DeleteFile removes the file record and any grants on it.
	DeleteFile(ctx context.Context, id string) error

	// ListUserFiles lists active files owned by the given user.
	ListUserFiles(ctx context.Context, ownerID string, opts ListFilesOptions) (*ListFilesResult, error)

	// Multipart session operations

	// CreateSession creates a new multipart upload session record.
	CreateSession(ctx context.Context, sess *SessionRecord) error

	// GetSession retrieves the session with the given ID. Returns
	// (nil, nil) when the session does not exist.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// UpdateSessionState transitions a session between lifecycle states.
	// The update only applies when the session is currently in one of
	// the allowed from states; it returns false otherwise.
	UpdateSessionState(ctx context.Context, id string, from []SessionState, to SessionState) (bool, error)

	// PutPart records metadata for an uploaded part.
	PutPart(ctx context.Context, part *PartRecord) error

	// ListParts returns all recorded parts for the session ordered by
	// part number.
	ListParts(ctx context.Context, sessionID string) ([]PartRecord, error)

	// CompleteSession marks the session completed, finalizes its file
	// record, and removes the part records, all atomically.
	CompleteSession(ctx context.Context, sessionID string, size int64, etag string) error

	// Grant operations

	// PutGrant creates or replaces an access grant.
	PutGrant(ctx context.Context, grant *GrantRecord) error

	// GetGrant retrieves the grant for the given file and user. Returns
	// (nil, nil) when no grant exists.
	GetGrant(ctx context.Context, fileID, userID string) (*GrantRecord, error)

	// DeleteGrant removes the grant for the given file and user.
	DeleteGrant(ctx context.Context, fileID, userID string) error

	// ListGrants returns all grants on the given file.
	ListGrants(ctx context.Context, fileID string) ([]GrantRecord, error)

	// Tier and quota operations

	// PutTier creates or replaces a tier definition.
	PutTier(ctx context.Context, tier *TierRecord) error

	// GetTier retrieves the named tier. Returns (nil, nil) when the tier
	// does not exist.
	GetTier(ctx context.Context, name string) (*TierRecord, error)

	// GetQuota retrieves the quota row for the given user, creating it
	// with the given default tier if absent. When the bandwidth window
	// has rolled past, the returned record reflects a reset bandwidth
	// counter.
	GetQuota(ctx context.Context, userID, defaultTier string) (*QuotaRecord, error)

	// ApplyUsage atomically adjusts the user's usage counters. The opID
	// makes the adjustment idempotent: a repeated opID is a no-op and
	// returns false. Counters never go below zero.
	ApplyUsage(ctx context.Context, userID, opID string, delta UsageDelta) (bool, error)

	// Audit operations

	// AppendAudit appends a record to the audit log.
	AppendAudit(ctx context.Context, rec *AuditRecord) error

	// GetAccessMetrics aggregates authorization decisions recorded at or
	// after the given time.
	GetAccessMetrics(ctx context.Context, since time.Time) (*AccessMetrics, error)
}

// ExpiredSession holds the identifying fields of an expired multipart
// session, returned by ReapExpiredSessions so the caller can clean up
// backend state.
type ExpiredSession struct {
	SessionID       string
	FileID          string
	StorageKey      string
	BackendUploadID string
}

// SessionReaper is an optional interface for metadata stores that support
// reaping expired multipart sessions.
type SessionReaper interface {
	ReapExpiredSessions(now time.Time) ([]ExpiredSession, error)
}
