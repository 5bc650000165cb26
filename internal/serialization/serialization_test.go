package serialization

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/filevault/filevault/internal/metadata"
)

// createTestDB creates a database with the real schema, optionally seeded
// with one row per table.
func createTestDB(t *testing.T, dir string, seed bool) string {
	t.Helper()
	dbPath := filepath.Join(dir, "test.db")

	store, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if !seed {
		return dbPath
	}

	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.PutTier(ctx, &metadata.TierRecord{
		Name:                "free",
		StorageLimitBytes:   1 << 30,
		FileCountLimit:      100,
		BandwidthLimitBytes: 1 << 30,
	}); err != nil {
		t.Fatalf("seed tier: %v", err)
	}
	if err := store.CreateFile(ctx, &metadata.FileRecord{
		ID:          "file-1",
		OwnerID:     "alice",
		Name:        "report.pdf",
		ContentType: "application/pdf",
		StorageKey:  "users/alice/file-1",
		Status:      metadata.FileStatusPending,
		Visibility:  metadata.VisibilityPrivate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := store.FinalizeFile(ctx, "file-1", metadata.FileFinal{
		Size: 4096, ETag: "abc123", ContentType: "application/pdf",
	}); err != nil {
		t.Fatalf("finalize file: %v", err)
	}
	if err := store.CreateSession(ctx, &metadata.SessionRecord{
		ID:              "sess-1",
		FileID:          "file-1",
		OwnerID:         "alice",
		StorageKey:      "users/alice/file-1",
		BackendUploadID: "upload-1",
		State:           metadata.SessionUploading,
		PartSize:        1 << 20,
		TotalParts:      4,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := store.PutPart(ctx, &metadata.PartRecord{
		SessionID:  "sess-1",
		PartNumber: 1,
		Size:       1 << 20,
		ETag:       "part-etag-1",
		UploadedAt: now,
	}); err != nil {
		t.Fatalf("seed part: %v", err)
	}
	if err := store.PutGrant(ctx, &metadata.GrantRecord{
		FileID:    "file-1",
		UserID:    "bob",
		Role:      metadata.RoleViewer,
		GrantedBy: "alice",
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	if _, err := store.ApplyUsage(ctx, "alice", "op-1", metadata.UsageDelta{
		StorageBytes: 4096, FileCount: 1,
	}); err != nil {
		t.Fatalf("seed usage: %v", err)
	}
	if err := store.AppendAudit(ctx, &metadata.AuditRecord{
		Timestamp:        now,
		UserID:           "alice",
		FileID:           "file-1",
		Operation:        "upload",
		Decision:         metadata.DecisionAllowed,
		BytesTransferred: 4096,
	}); err != nil {
		t.Fatalf("seed audit: %v", err)
	}

	return dbPath
}

func rowCount(t *testing.T, data map[string]any, table string) int {
	t.Helper()
	rows, ok := data[table].([]any)
	if !ok {
		t.Fatalf("table %s missing from export", table)
	}
	return len(rows)
}

func TestExportAllTables(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), true)

	result, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(result), &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	envelope := data["filevault_export"].(map[string]any)
	if envelope["version"].(float64) != 1 {
		t.Error("expected version 1")
	}
	if envelope["source"].(string) != "go/"+Version {
		t.Errorf("source = %v", envelope["source"])
	}

	for _, table := range []string{"tiers", "files", "upload_sessions", "upload_parts", "user_quotas", "applied_operations", "access_grants"} {
		if n := rowCount(t, data, table); n != 1 {
			t.Errorf("%s: %d rows, want 1", table, n)
		}
	}
}

func TestExportAuditExcludedByDefault(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), true)

	result, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var data map[string]any
	json.Unmarshal([]byte(result), &data)
	if _, ok := data["audit_log"]; ok {
		t.Error("audit_log should be excluded by default")
	}

	result, err = ExportMetadata(dbPath, &ExportOptions{IncludeAudit: true})
	if err != nil {
		t.Fatalf("export with audit: %v", err)
	}
	json.Unmarshal([]byte(result), &data)
	if n := rowCount(t, data, "audit_log"); n != 1 {
		t.Errorf("audit_log: %d rows, want 1", n)
	}
}

func TestExportPartialTables(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), true)

	result, err := ExportMetadata(dbPath, &ExportOptions{Tables: []string{"tiers", "files"}})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var data map[string]any
	json.Unmarshal([]byte(result), &data)
	if _, ok := data["tiers"]; !ok {
		t.Error("expected tiers")
	}
	if _, ok := data["files"]; !ok {
		t.Error("expected files")
	}
	if _, ok := data["user_quotas"]; ok {
		t.Error("should not include user_quotas")
	}
}

func TestExportFileValues(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), true)

	result, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var data map[string]any
	json.Unmarshal([]byte(result), &data)

	file := data["files"].([]any)[0].(map[string]any)
	if file["id"].(string) != "file-1" {
		t.Errorf("id = %v", file["id"])
	}
	if file["size"].(float64) != 4096 {
		t.Errorf("size = %v", file["size"])
	}
	if file["status"].(string) != "active" {
		t.Errorf("status = %v", file["status"])
	}
	if file["content_encoding"] != nil {
		t.Errorf("content_encoding = %v, want null", file["content_encoding"])
	}
}

func TestImportRoundTrip(t *testing.T) {
	srcPath := createTestDB(t, t.TempDir(), true)
	dstPath := createTestDB(t, t.TempDir(), false)

	export, err := ExportMetadata(srcPath, &ExportOptions{IncludeAudit: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	result, err := ImportMetadata(dstPath, export, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	for _, table := range AllTables {
		if result.Counts[table] != 1 {
			t.Errorf("%s: imported %d, want 1", table, result.Counts[table])
		}
	}

	// The imported records read back through the regular store.
	store, err := metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("open imported store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	file, err := store.GetFile(ctx, "file-1")
	if err != nil || file == nil {
		t.Fatalf("GetFile after import: file=%v err=%v", file, err)
	}
	if file.OwnerID != "alice" || file.Size != 4096 {
		t.Errorf("imported file = %+v", file)
	}
	grant, err := store.GetGrant(ctx, "file-1", "bob")
	if err != nil || grant == nil {
		t.Fatalf("GetGrant after import: grant=%v err=%v", grant, err)
	}
	quota, err := store.GetQuota(ctx, "alice", "free")
	if err != nil {
		t.Fatalf("GetQuota after import: %v", err)
	}
	if quota.StorageUsedBytes != 4096 || quota.FileCount != 1 {
		t.Errorf("imported quota = %+v", quota)
	}
}

func TestImportMergeSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	srcPath := createTestDB(t, dir, true)

	export, err := ExportMetadata(srcPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	// Importing into the source without Replace leaves every row alone.
	result, err := ImportMetadata(srcPath, export, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Counts["files"] != 0 {
		t.Errorf("files inserted = %d, want 0", result.Counts["files"])
	}
	if result.Skipped["files"] != 1 {
		t.Errorf("files skipped = %d, want 1", result.Skipped["files"])
	}
}

func TestImportReplace(t *testing.T) {
	srcPath := createTestDB(t, t.TempDir(), true)
	dstPath := createTestDB(t, t.TempDir(), true)

	// Add an extra file to the destination; Replace wipes it.
	store, err := metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("open dst store: %v", err)
	}
	now := time.Now().UTC()
	if err := store.CreateFile(context.Background(), &metadata.FileRecord{
		ID: "file-extra", OwnerID: "carol", Name: "extra.bin",
		StorageKey: "users/carol/file-extra",
		Status:     metadata.FileStatusActive, Visibility: metadata.VisibilityPrivate,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed extra file: %v", err)
	}
	store.Close()

	export, err := ExportMetadata(srcPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	result, err := ImportMetadata(dstPath, export, &ImportOptions{Replace: true})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Counts["files"] != 1 {
		t.Errorf("files imported = %d, want 1", result.Counts["files"])
	}

	store, err = metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("reopen dst store: %v", err)
	}
	defer store.Close()
	extra, err := store.GetFile(context.Background(), "file-extra")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if extra != nil {
		t.Error("replace import should have removed file-extra")
	}
}

func TestImportRejectsUnknownVersion(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), false)

	bad := `{"filevault_export": {"version": 99}}`
	if _, err := ImportMetadata(dbPath, bad, nil); err == nil {
		t.Error("import of unsupported version should fail")
	}
}
