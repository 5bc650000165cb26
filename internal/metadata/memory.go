package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu       sync.RWMutex
	files    map[string]*FileRecord
	sessions map[string]*SessionRecord
	parts    map[string]map[int]*PartRecord
	grants   map[string]map[string]*GrantRecord
	tiers    map[string]*TierRecord
	quotas   map[string]*QuotaRecord
	applied  map[string]bool
	audit    []AuditRecord
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:    make(map[string]*FileRecord),
		sessions: make(map[string]*SessionRecord),
		parts:    make(map[string]map[int]*PartRecord),
		grants:   make(map[string]map[string]*GrantRecord),
		tiers:    make(map[string]*TierRecord),
		quotas:   make(map[string]*QuotaRecord),
		applied:  make(map[string]bool),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreateFile(ctx context.Context, file *FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[file.ID]; exists {
		return fmt.Errorf("file already exists: %s", file.ID)
	}

	fileCopy := *file
	if fileCopy.Status == "" {
		fileCopy.Status = FileStatusPending
	}
	if fileCopy.Visibility == "" {
		fileCopy.Visibility = VisibilityPrivate
	}
	s.files[file.ID] = &fileCopy
	return nil
}

func (s *MemoryStore) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, exists := s.files[id]
	if !exists {
		return nil, nil
	}
	fileCopy := *file
	return &fileCopy, nil
}

func (s *MemoryStore) FinalizeFile(ctx context.Context, id string, fin FileFinal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, exists := s.files[id]
	if !exists {
		return fmt.Errorf("file not found: %s", id)
	}
	file.Size = fin.Size
	file.ETag = fin.ETag
	if fin.ContentType != "" {
		file.ContentType = fin.ContentType
	}
	file.ContentEncoding = fin.ContentEncoding
	file.Status = FileStatusActive
	file.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteFile(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.files, id)
	delete(s.grants, id)
	for sid, sess := range s.sessions {
		if sess.FileID == id {
			delete(s.sessions, sid)
			delete(s.parts, sid)
		}
	}
	return nil
}

func (s *MemoryStore) ListUserFiles(ctx context.Context, ownerID string, opts ListFilesOptions) (*ListFilesResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 1000
	}

	var files []FileRecord
	for _, file := range s.files {
		if file.OwnerID != ownerID || file.Status != FileStatusActive {
			continue
		}
		if opts.Marker != "" && file.Name <= opts.Marker {
			continue
		}
		files = append(files, *file)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})

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

func (s *MemoryStore) CreateSession(ctx context.Context, sess *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session already exists: %s", sess.ID)
	}

	sessCopy := *sess
	if sessCopy.State == "" {
		sessCopy.State = SessionCreated
	}
	s.sessions[sess.ID] = &sessCopy
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, nil
	}
	sessCopy := *sess
	return &sessCopy, nil
}

// SessionsForFile returns all sessions recorded for the given file,
// ordered by creation time.
func (s *MemoryStore) SessionsForFile(fileID string) []SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []SessionRecord
	for _, sess := range s.sessions {
		if sess.FileID == fileID {
			sessions = append(sessions, *sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

func (s *MemoryStore) UpdateSessionState(ctx context.Context, id string, from []SessionState, to SessionState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return false, nil
	}
	for _, st := range from {
		if sess.State == st {
			sess.State = to
			sess.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) PutPart(ctx context.Context, part *PartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.parts[part.SessionID] == nil {
		s.parts[part.SessionID] = make(map[int]*PartRecord)
	}
	partCopy := *part
	s.parts[part.SessionID][part.PartNumber] = &partCopy
	return nil
}

func (s *MemoryStore) ListParts(ctx context.Context, sessionID string) ([]PartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var parts []PartRecord
	for _, p := range s.parts[sessionID] {
		parts = append(parts, *p)
	}
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
	return parts, nil
}

func (s *MemoryStore) CompleteSession(ctx context.Context, sessionID string, size int64, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[sessionID]
	if !exists {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if sess.State != SessionUploading {
		return fmt.Errorf("session %s not in uploading state: %s", sessionID, sess.State)
	}
	file, exists := s.files[sess.FileID]
	if !exists {
		return fmt.Errorf("file not found: %s", sess.FileID)
	}

	now := time.Now().UTC()
	sess.State = SessionCompleted
	sess.UpdatedAt = now
	file.Size = size
	file.ETag = etag
	file.Status = FileStatusActive
	file.UpdatedAt = now
	delete(s.parts, sessionID)
	return nil
}

func (s *MemoryStore) PutGrant(ctx context.Context, grant *GrantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grants[grant.FileID] == nil {
		s.grants[grant.FileID] = make(map[string]*GrantRecord)
	}
	grantCopy := *grant
	s.grants[grant.FileID][grant.UserID] = &grantCopy
	return nil
}

func (s *MemoryStore) GetGrant(ctx context.Context, fileID, userID string) (*GrantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, exists := s.grants[fileID][userID]
	if !exists {
		return nil, nil
	}
	if !grant.ExpiresAt.IsZero() && !grant.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	grantCopy := *grant
	return &grantCopy, nil
}

func (s *MemoryStore) DeleteGrant(ctx context.Context, fileID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.grants[fileID], userID)
	return nil
}

func (s *MemoryStore) ListGrants(ctx context.Context, fileID string) ([]GrantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var grants []GrantRecord
	for _, g := range s.grants[fileID] {
		if !g.ExpiresAt.IsZero() && !g.ExpiresAt.After(now) {
			continue
		}
		grants = append(grants, *g)
	}
	sort.Slice(grants, func(i, j int) bool {
		return grants[i].UserID < grants[j].UserID
	})
	return grants, nil
}

func (s *MemoryStore) PutTier(ctx context.Context, tier *TierRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tierCopy := *tier
	s.tiers[tier.Name] = &tierCopy
	return nil
}

func (s *MemoryStore) GetTier(ctx context.Context, name string) (*TierRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tier, exists := s.tiers[name]
	if !exists {
		return nil, nil
	}
	tierCopy := *tier
	return &tierCopy, nil
}

func (s *MemoryStore) GetQuota(ctx context.Context, userID, defaultTier string) (*QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	q, exists := s.quotas[userID]
	if !exists {
		q = &QuotaRecord{
			UserID:      userID,
			Tier:        defaultTier,
			WindowStart: windowStart(now),
			UpdatedAt:   now,
		}
		s.quotas[userID] = q
	}
	if q.WindowStart.Before(windowStart(now)) {
		q.BandwidthUsedBytes = 0
		q.WindowStart = windowStart(now)
		q.UpdatedAt = now
	}
	qCopy := *q
	return &qCopy, nil
}

func (s *MemoryStore) ApplyUsage(ctx context.Context, userID, opID string, delta UsageDelta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied[opID] {
		return false, nil
	}

	q, exists := s.quotas[userID]
	if !exists {
		return false, fmt.Errorf("quota row not found for user: %s", userID)
	}

	now := time.Now().UTC()
	if q.WindowStart.Before(windowStart(now)) {
		q.BandwidthUsedBytes = 0
		q.WindowStart = windowStart(now)
	}

	s.applied[opID] = true
	q.StorageUsedBytes = max64(0, q.StorageUsedBytes+delta.StorageBytes)
	q.FileCount = max64(0, q.FileCount+delta.FileCount)
	q.BandwidthUsedBytes = max64(0, q.BandwidthUsedBytes+delta.BandwidthBytes)
	q.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	recCopy := *rec
	recCopy.ID = s.nextID
	if recCopy.Timestamp.IsZero() {
		recCopy.Timestamp = time.Now().UTC()
	}
	s.audit = append(s.audit, recCopy)
	return nil
}

// AuditEntries returns a copy of the full audit log in append order.
func (s *MemoryStore) AuditEntries() []AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]AuditRecord, len(s.audit))
	copy(entries, s.audit)
	return entries
}

func (s *MemoryStore) GetAccessMetrics(ctx context.Context, since time.Time) (*AccessMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := &AccessMetrics{
		ByOperation: make(map[string]OperationCounts),
	}
	for _, rec := range s.audit {
		if rec.Timestamp.Before(since) {
			continue
		}
		counts := metrics.ByOperation[rec.Operation]
		switch rec.Decision {
		case DecisionAllowed:
			counts.Allowed++
			metrics.Allowed++
		case DecisionDenied:
			counts.Denied++
			metrics.Denied++
		}
		metrics.ByOperation[rec.Operation] = counts
	}
	return metrics, nil
}

func (s *MemoryStore) ReapExpiredSessions(now time.Time) ([]ExpiredSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []ExpiredSession
	for _, sess := range s.sessions {
		if sess.State != SessionCreated && sess.State != SessionUploading {
			continue
		}
		if sess.ExpiresAt.After(now) {
			continue
		}
		sess.State = SessionExpired
		sess.UpdatedAt = now.UTC()
		delete(s.parts, sess.ID)
		expired = append(expired, ExpiredSession{
			SessionID:       sess.ID,
			FileID:          sess.FileID,
			StorageKey:      sess.StorageKey,
			BackendUploadID: sess.BackendUploadID,
		})
	}
	return expired, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
