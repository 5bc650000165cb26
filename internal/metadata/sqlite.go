package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

// SQLiteStore implements the Store interface using SQLite as the backing
// database. It provides durable, ACID-compliant metadata storage suitable
// for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given DSN and initializes
// the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	// Apply PRAGMAs for performance and correctness.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	// Create all tables and indexes.
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS files (
			id               TEXT PRIMARY KEY,
			owner_id         TEXT NOT NULL,
			name             TEXT NOT NULL,
			size             INTEGER NOT NULL DEFAULT 0,
			content_type     TEXT NOT NULL DEFAULT 'application/octet-stream',
			content_encoding TEXT,
			storage_key      TEXT NOT NULL,
			etag             TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'pending',
			visibility       TEXT NOT NULL DEFAULT 'private',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id, name);

		CREATE TABLE IF NOT EXISTS upload_sessions (
			id                TEXT PRIMARY KEY,
			file_id           TEXT NOT NULL,
			owner_id          TEXT NOT NULL,
			storage_key       TEXT NOT NULL,
			backend_upload_id TEXT NOT NULL DEFAULT '',
			state             TEXT NOT NULL DEFAULT 'created',
			part_size         INTEGER NOT NULL,
			total_parts       INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			expires_at        TEXT NOT NULL,

			FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_state ON upload_sessions(state, expires_at);

		CREATE TABLE IF NOT EXISTS upload_parts (
			session_id  TEXT NOT NULL,
			part_number INTEGER NOT NULL,
			size        INTEGER NOT NULL,
			etag        TEXT NOT NULL,
			uploaded_at TEXT NOT NULL,

			PRIMARY KEY (session_id, part_number),
			FOREIGN KEY (session_id) REFERENCES upload_sessions(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS tiers (
			name                  TEXT PRIMARY KEY,
			storage_limit_bytes   INTEGER NOT NULL,
			file_count_limit      INTEGER NOT NULL,
			bandwidth_limit_bytes INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_quotas (
			user_id              TEXT PRIMARY KEY,
			tier                 TEXT NOT NULL,
			storage_used_bytes   INTEGER NOT NULL DEFAULT 0,
			file_count           INTEGER NOT NULL DEFAULT 0,
			bandwidth_used_bytes INTEGER NOT NULL DEFAULT 0,
			window_start         TEXT NOT NULL,
			updated_at           TEXT NOT NULL,

			FOREIGN KEY (tier) REFERENCES tiers(name)
		);

		CREATE TABLE IF NOT EXISTS applied_operations (
			op_id      TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS access_grants (
			file_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			granted_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT,

			PRIMARY KEY (file_id, user_id),
			FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			ts                TEXT NOT NULL,
			user_id           TEXT NOT NULL,
			file_id           TEXT NOT NULL DEFAULT '',
			operation         TEXT NOT NULL,
			decision          TEXT NOT NULL,
			reason            TEXT NOT NULL DEFAULT '',
			bytes_transferred INTEGER NOT NULL DEFAULT 0,
			duration_ms       INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	// Insert initial schema version if not present.
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}

	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- File operations ----

// CreateFile creates a new file record.
func (s *SQLiteStore) CreateFile(ctx context.Context, file *FileRecord) error {
	status := file.Status
	if status == "" {
		status = FileStatusPending
	}
	visibility := file.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files
			(id, owner_id, name, size, content_type, content_encoding,
			 storage_key, etag, status, visibility, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID,
		file.OwnerID,
		file.Name,
		file.Size,
		contentType,
		nullString(file.ContentEncoding),
		file.StorageKey,
		file.ETag,
		string(status),
		string(visibility),
		file.CreatedAt.UTC().Format(timeFormat),
		file.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("file already exists: %s", file.ID)
		}
		return fmt.Errorf("creating file %q: %w", file.ID, err)
	}
	return nil
}

// GetFile retrieves file metadata by ID.
func (s *SQLiteStore) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, size, content_type, content_encoding,
				storage_key, etag, status, visibility, created_at, updated_at
		 FROM files WHERE id = ?`,
		id,
	)

	f, err := scanFileRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting file %q: %w", id, err)
	}
	return f, nil
}

// FinalizeFile transitions a pending file to active with its final size,
// checksum, and content headers.
func (s *SQLiteStore) FinalizeFile(ctx context.Context, id string, fin FileFinal) error {
	// An empty content type keeps whatever the pending record carries.
	result, err := s.db.ExecContext(ctx,
		`UPDATE files SET size = ?, etag = ?, content_type = COALESCE(NULLIF(?, ''), content_type),
		 content_encoding = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		fin.Size, fin.ETag, fin.ContentType, nullString(fin.ContentEncoding),
		string(FileStatusActive), time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("finalizing file %q: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("file not found: %s", id)
	}
	return nil
}

// DeleteFile removes the file record. Grants and sessions cascade.
func (s *SQLiteStore) DeleteFile(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM files WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("deleting file %q: %w", id, err)
	}
	return nil
}

// ListUserFiles lists active files owned by the given user, ordered by name.
func (s *SQLiteStore) ListUserFiles(ctx context.Context, ownerID string, opts ListFilesOptions) (*ListFilesResult, error) {
	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 1000
	}

	var args []interface{}
	query := `SELECT id, owner_id, name, size, content_type, content_encoding,
					 storage_key, etag, status, visibility, created_at, updated_at
			  FROM files WHERE owner_id = ? AND status = ?`
	args = append(args, ownerID, string(FileStatusActive))

	if opts.Marker != "" {
		query += ` AND name > ?`
		args = append(args, opts.Marker)
	}

	query += ` ORDER BY name`
	// Fetch one extra to determine truncation.
	query += fmt.Sprintf(` LIMIT %d`, maxFiles+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing files for %q: %w", ownerID, err)
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		f, err := scanFileRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating file rows: %w", err)
	}

	isTruncated := len(files) > maxFiles
	if isTruncated {
		files = files[:maxFiles]
	}

	result := &ListFilesResult{
		Files:       files,
		IsTruncated: isTruncated,
	}
	if isTruncated && len(files) > 0 {
		result.NextMarker = files[len(files)-1].Name
	}
	return result, nil
}

// ---- Multipart session operations ----

// CreateSession creates a new multipart upload session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *SessionRecord) error {
	state := sess.State
	if state == "" {
		state = SessionCreated
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_sessions
			(id, file_id, owner_id, storage_key, backend_upload_id, state,
			 part_size, total_parts, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.FileID,
		sess.OwnerID,
		sess.StorageKey,
		sess.BackendUploadID,
		string(state),
		sess.PartSize,
		sess.TotalParts,
		sess.CreatedAt.UTC().Format(timeFormat),
		sess.UpdatedAt.UTC().Format(timeFormat),
		sess.ExpiresAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// GetSession retrieves session metadata by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, file_id, owner_id, storage_key, backend_upload_id, state,
				part_size, total_parts, created_at, updated_at, expires_at
		 FROM upload_sessions WHERE id = ?`,
		id,
	)

	var sess SessionRecord
	var state, createdAtStr, updatedAtStr, expiresAtStr string
	err := row.Scan(
		&sess.ID, &sess.FileID, &sess.OwnerID, &sess.StorageKey,
		&sess.BackendUploadID, &state,
		&sess.PartSize, &sess.TotalParts,
		&createdAtStr, &updatedAtStr, &expiresAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %q: %w", id, err)
	}
	sess.State = SessionState(state)
	sess.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	sess.UpdatedAt, _ = time.Parse(timeFormat, updatedAtStr)
	sess.ExpiresAt, _ = time.Parse(timeFormat, expiresAtStr)
	return &sess, nil
}

// UpdateSessionState transitions a session between lifecycle states. The
// update only applies when the current state is one of the allowed from
// states; it returns false otherwise.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, id string, from []SessionState, to SessionState) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("no from states given")
	}

	placeholders := make([]string, len(from))
	args := make([]interface{}, 0, len(from)+3)
	args = append(args, string(to), time.Now().UTC().Format(timeFormat), id)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	query := fmt.Sprintf(
		`UPDATE upload_sessions SET state = ?, updated_at = ?
		 WHERE id = ? AND state IN (%s)`,
		strings.Join(placeholders, ", "),
	)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating session state %q: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}

// PutPart records metadata for an uploaded part.
func (s *SQLiteStore) PutPart(ctx context.Context, part *PartRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO upload_parts
			(session_id, part_number, size, etag, uploaded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		part.SessionID,
		part.PartNumber,
		part.Size,
		part.ETag,
		part.UploadedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("putting part %d for session %q: %w", part.PartNumber, part.SessionID, err)
	}
	return nil
}

// ListParts returns all recorded parts for the session ordered by part number.
func (s *SQLiteStore) ListParts(ctx context.Context, sessionID string) ([]PartRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, part_number, size, etag, uploaded_at
		 FROM upload_parts
		 WHERE session_id = ?
		 ORDER BY part_number`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing parts for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var parts []PartRecord
	for rows.Next() {
		var p PartRecord
		var uploadedAtStr string
		if err := rows.Scan(&p.SessionID, &p.PartNumber, &p.Size, &p.ETag, &uploadedAtStr); err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		p.UploadedAt, _ = time.Parse(timeFormat, uploadedAtStr)
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating part rows: %w", err)
	}
	return parts, nil
}

// CompleteSession marks the session completed, finalizes its file record,
// and removes the part records, all in a transaction.
func (s *SQLiteStore) CompleteSession(ctx context.Context, sessionID string, size int64, etag string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)

	var fileID, state string
	err = tx.QueryRowContext(ctx,
		`SELECT file_id, state FROM upload_sessions WHERE id = ?`, sessionID,
	).Scan(&fileID, &state)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if err != nil {
		return fmt.Errorf("getting session %q: %w", sessionID, err)
	}
	if state != string(SessionUploading) {
		return fmt.Errorf("session %s not in uploading state: %s", sessionID, state)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE upload_sessions SET state = ?, updated_at = ? WHERE id = ?`,
		string(SessionCompleted), now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("marking session completed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE files SET size = ?, etag = ?, status = ?, updated_at = ? WHERE id = ?`,
		size, etag, string(FileStatusActive), now, fileID,
	)
	if err != nil {
		return fmt.Errorf("finalizing file during completion: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM upload_parts WHERE session_id = ?`, sessionID,
	)
	if err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ---- Grant operations ----

// PutGrant creates or replaces an access grant.
func (s *SQLiteStore) PutGrant(ctx context.Context, grant *GrantRecord) error {
	var expiresAt sql.NullString
	if !grant.ExpiresAt.IsZero() {
		expiresAt = sql.NullString{String: grant.ExpiresAt.UTC().Format(timeFormat), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO access_grants
			(file_id, user_id, role, granted_by, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		grant.FileID,
		grant.UserID,
		string(grant.Role),
		grant.GrantedBy,
		grant.CreatedAt.UTC().Format(timeFormat),
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("putting grant %q/%q: %w", grant.FileID, grant.UserID, err)
	}
	return nil
}

// GetGrant retrieves the non-expired grant for the given file and user.
// Expired grants are treated as absent.
func (s *SQLiteStore) GetGrant(ctx context.Context, fileID, userID string) (*GrantRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT file_id, user_id, role, granted_by, created_at, expires_at
		 FROM access_grants
		 WHERE file_id = ? AND user_id = ?
		   AND (expires_at IS NULL OR expires_at > ?)`,
		fileID, userID, time.Now().UTC().Format(timeFormat),
	)

	var g GrantRecord
	var role, createdAtStr string
	var expiresAtStr sql.NullString
	err := row.Scan(&g.FileID, &g.UserID, &role, &g.GrantedBy, &createdAtStr, &expiresAtStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting grant %q/%q: %w", fileID, userID, err)
	}
	g.Role = Role(role)
	g.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	if expiresAtStr.Valid {
		g.ExpiresAt, _ = time.Parse(timeFormat, expiresAtStr.String)
	}
	return &g, nil
}

// DeleteGrant removes the grant for the given file and user.
func (s *SQLiteStore) DeleteGrant(ctx context.Context, fileID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM access_grants WHERE file_id = ? AND user_id = ?`,
		fileID, userID,
	)
	if err != nil {
		return fmt.Errorf("deleting grant %q/%q: %w", fileID, userID, err)
	}
	return nil
}

// ListGrants returns all non-expired grants on the given file.
func (s *SQLiteStore) ListGrants(ctx context.Context, fileID string) ([]GrantRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, user_id, role, granted_by, created_at, expires_at
		 FROM access_grants
		 WHERE file_id = ?
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY user_id`,
		fileID, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("listing grants for %q: %w", fileID, err)
	}
	defer rows.Close()

	var grants []GrantRecord
	for rows.Next() {
		var g GrantRecord
		var role, createdAtStr string
		var expiresAtStr sql.NullString
		if err := rows.Scan(&g.FileID, &g.UserID, &role, &g.GrantedBy, &createdAtStr, &expiresAtStr); err != nil {
			return nil, fmt.Errorf("scanning grant row: %w", err)
		}
		g.Role = Role(role)
		g.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
		if expiresAtStr.Valid {
			g.ExpiresAt, _ = time.Parse(timeFormat, expiresAtStr.String)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating grant rows: %w", err)
	}
	return grants, nil
}

// ---- Tier and quota operations ----

// PutTier creates or replaces a tier definition.
func (s *SQLiteStore) PutTier(ctx context.Context, tier *TierRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tiers
			(name, storage_limit_bytes, file_count_limit, bandwidth_limit_bytes)
		 VALUES (?, ?, ?, ?)`,
		tier.Name,
		tier.StorageLimitBytes,
		tier.FileCountLimit,
		tier.BandwidthLimitBytes,
	)
	if err != nil {
		return fmt.Errorf("putting tier %q: %w", tier.Name, err)
	}
	return nil
}

// GetTier retrieves the named tier.
func (s *SQLiteStore) GetTier(ctx context.Context, name string) (*TierRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, storage_limit_bytes, file_count_limit, bandwidth_limit_bytes
		 FROM tiers WHERE name = ?`,
		name,
	)

	var t TierRecord
	err := row.Scan(&t.Name, &t.StorageLimitBytes, &t.FileCountLimit, &t.BandwidthLimitBytes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting tier %q: %w", name, err)
	}
	return &t, nil
}

// windowStart returns the UTC midnight that opens the daily bandwidth
// window containing t.
func windowStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GetQuota retrieves the quota row for the given user, creating it with the
// default tier if absent. A stale bandwidth window is rolled forward and the
// counter reset before the row is returned.
func (s *SQLiteStore) GetQuota(ctx context.Context, userID, defaultTier string) (*QuotaRecord, error) {
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_quotas
			(user_id, tier, storage_used_bytes, file_count, bandwidth_used_bytes, window_start, updated_at)
		 VALUES (?, ?, 0, 0, 0, ?, ?)`,
		userID, defaultTier,
		windowStart(now).Format(timeFormat),
		now.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("ensuring quota row for %q: %w", userID, err)
	}

	// Roll the bandwidth window if a new UTC day has started.
	_, err = s.db.ExecContext(ctx,
		`UPDATE user_quotas
		 SET bandwidth_used_bytes = 0, window_start = ?, updated_at = ?
		 WHERE user_id = ? AND window_start < ?`,
		windowStart(now).Format(timeFormat),
		now.Format(timeFormat),
		userID,
		windowStart(now).Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("rolling bandwidth window for %q: %w", userID, err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, tier, storage_used_bytes, file_count, bandwidth_used_bytes, window_start, updated_at
		 FROM user_quotas WHERE user_id = ?`,
		userID,
	)

	var q QuotaRecord
	var windowStartStr, updatedAtStr string
	err = row.Scan(
		&q.UserID, &q.Tier, &q.StorageUsedBytes, &q.FileCount,
		&q.BandwidthUsedBytes, &windowStartStr, &updatedAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("getting quota for %q: %w", userID, err)
	}
	q.WindowStart, _ = time.Parse(timeFormat, windowStartStr)
	q.UpdatedAt, _ = time.Parse(timeFormat, updatedAtStr)
	return &q, nil
}

// ApplyUsage atomically adjusts the user's usage counters. A repeated opID
// is a no-op and returns false. Counters are clamped at zero.
func (s *SQLiteStore) ApplyUsage(ctx context.Context, userID, opID string, delta UsageDelta) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	result, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied_operations (op_id, user_id, applied_at)
		 VALUES (?, ?, ?)`,
		opID, userID, now.Format(timeFormat),
	)
	if err != nil {
		return false, fmt.Errorf("recording operation %q: %w", opID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		// Already applied.
		return false, nil
	}

	// Roll the bandwidth window before adjusting, so a delta landing in a
	// new UTC day never counts against yesterday's window.
	_, err = tx.ExecContext(ctx,
		`UPDATE user_quotas
		 SET bandwidth_used_bytes = 0, window_start = ?
		 WHERE user_id = ? AND window_start < ?`,
		windowStart(now).Format(timeFormat),
		userID,
		windowStart(now).Format(timeFormat),
	)
	if err != nil {
		return false, fmt.Errorf("rolling bandwidth window for %q: %w", userID, err)
	}

	result, err = tx.ExecContext(ctx,
		`UPDATE user_quotas
		 SET storage_used_bytes   = MAX(0, storage_used_bytes + ?),
			 file_count           = MAX(0, file_count + ?),
			 bandwidth_used_bytes = MAX(0, bandwidth_used_bytes + ?),
			 updated_at           = ?
		 WHERE user_id = ?`,
		delta.StorageBytes,
		delta.FileCount,
		delta.BandwidthBytes,
		now.Format(timeFormat),
		userID,
	)
	if err != nil {
		return false, fmt.Errorf("applying usage for %q: %w", userID, err)
	}
	rows, err = result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return false, fmt.Errorf("quota row not found for user: %s", userID)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return true, nil
}

// ---- Audit operations ----

// AppendAudit appends a record to the audit log.
func (s *SQLiteStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log
			(ts, user_id, file_id, operation, decision, reason, bytes_transferred, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(timeFormat),
		rec.UserID,
		rec.FileID,
		rec.Operation,
		string(rec.Decision),
		rec.Reason,
		rec.BytesTransferred,
		rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// GetAccessMetrics aggregates authorization decisions recorded at or after
// the given time.
func (s *SQLiteStore) GetAccessMetrics(ctx context.Context, since time.Time) (*AccessMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT operation, decision, COUNT(*)
		 FROM audit_log
		 WHERE ts >= ?
		 GROUP BY operation, decision`,
		since.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("aggregating access metrics: %w", err)
	}
	defer rows.Close()

	metrics := &AccessMetrics{
		ByOperation: make(map[string]OperationCounts),
	}
	for rows.Next() {
		var operation, decision string
		var count int64
		if err := rows.Scan(&operation, &decision, &count); err != nil {
			return nil, fmt.Errorf("scanning metrics row: %w", err)
		}
		counts := metrics.ByOperation[operation]
		switch Decision(decision) {
		case DecisionAllowed:
			counts.Allowed += count
			metrics.Allowed += count
		case DecisionDenied:
			counts.Denied += count
			metrics.Denied += count
		}
		metrics.ByOperation[operation] = counts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metrics rows: %w", err)
	}
	return metrics, nil
}

// ---- Reaping ----

// ReapExpiredSessions marks open sessions past their expiry as expired and
// returns their identifying fields so the caller can clean up backend state.
func (s *SQLiteStore) ReapExpiredSessions(now time.Time) ([]ExpiredSession, error) {
	cutoff := now.UTC().Format(timeFormat)

	rows, err := s.db.Query(
		`SELECT id, file_id, storage_key, backend_upload_id
		 FROM upload_sessions
		 WHERE state IN (?, ?) AND expires_at <= ?`,
		string(SessionCreated), string(SessionUploading), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("finding expired sessions: %w", err)
	}

	var expired []ExpiredSession
	for rows.Next() {
		var e ExpiredSession
		if err := rows.Scan(&e.SessionID, &e.FileID, &e.StorageKey, &e.BackendUploadID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired session row: %w", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating expired session rows: %w", err)
	}
	rows.Close()

	for _, e := range expired {
		_, err := s.db.Exec(
			`UPDATE upload_sessions SET state = ?, updated_at = ?
			 WHERE id = ? AND state IN (?, ?)`,
			string(SessionExpired), cutoff,
			e.SessionID, string(SessionCreated), string(SessionUploading),
		)
		if err != nil {
			return nil, fmt.Errorf("marking session %q expired: %w", e.SessionID, err)
		}
		_, err = s.db.Exec(
			`DELETE FROM upload_parts WHERE session_id = ?`, e.SessionID,
		)
		if err != nil {
			return nil, fmt.Errorf("deleting parts for %q: %w", e.SessionID, err)
		}
	}

	return expired, nil
}

// ---- Helper functions ----

// nullString converts a Go string to sql.NullString. Empty strings become NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// scanFileRow scans a file row using the given scan function, which works
// for both *sql.Row and *sql.Rows.
func scanFileRow(scan func(...interface{}) error) (*FileRecord, error) {
	var f FileRecord
	var contentEncoding sql.NullString
	var status, visibility, createdAtStr, updatedAtStr string

	err := scan(
		&f.ID, &f.OwnerID, &f.Name, &f.Size, &f.ContentType,
		&contentEncoding, &f.StorageKey, &f.ETag,
		&status, &visibility, &createdAtStr, &updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	f.ContentEncoding = contentEncoding.String
	f.Status = FileStatus(status)
	f.Visibility = Visibility(visibility)
	f.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	f.UpdatedAt, _ = time.Parse(timeFormat, updatedAtStr)
	return &f, nil
}
