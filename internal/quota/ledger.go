// Package quota enforces per-user storage, file-count, and bandwidth
// limits against the tier assigned to each user.
//
// Checks are purely read-based and must run before any object-storage
// I/O. Usage is applied only after the storage operation has durably
// succeeded, keyed by operation ID so retries never double-count.
package quota

import (
	"context"
	"log/slog"
	"time"

	fverr "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/metadata"
	"github.com/filevault/filevault/internal/metrics"
)

// Quota type names carried in QuotaError and metric labels.
const (
	ResourceStorage   = "storage"
	ResourceFileCount = "file_count"
	ResourceBandwidth = "bandwidth"
)

// Ledger answers quota pre-checks and durably applies usage deltas.
// A tier limit of zero or below means unlimited.
type Ledger struct {
	store       metadata.Store
	defaultTier string
}

// NewLedger creates a Ledger backed by the given metadata store. Users
// without an explicit quota row are assigned defaultTier on first use.
func NewLedger(store metadata.Store, defaultTier string) *Ledger {
	return &Ledger{store: store, defaultTier: defaultTier}
}

// CheckUpload verifies that storing size more bytes and one more file
// stays within the user's tier. Returns *errors.QuotaError on exceed.
func (l *Ledger) CheckUpload(ctx context.Context, userID string, size int64) error {
	usage, tier, err := l.load(ctx, userID)
	if err != nil {
		return err
	}

	if tier.StorageLimitBytes > 0 && usage.StorageUsedBytes+size > tier.StorageLimitBytes {
		metrics.QuotaRejectionsTotal.WithLabelValues(ResourceStorage).Inc()
		return &fverr.QuotaError{
			QuotaType:    ResourceStorage,
			CurrentUsage: usage.StorageUsedBytes,
			Limit:        tier.StorageLimitBytes,
		}
	}

	if tier.FileCountLimit > 0 && usage.FileCount+1 > tier.FileCountLimit {
		metrics.QuotaRejectionsTotal.WithLabelValues(ResourceFileCount).Inc()
		return &fverr.QuotaError{
			QuotaType:    ResourceFileCount,
			CurrentUsage: usage.FileCount,
			Limit:        tier.FileCountLimit,
		}
	}

	return nil
}

// CheckGrowth verifies that growing an existing file by delta bytes stays
// within the storage limit. File count is unaffected. Non-positive deltas
// always pass.
func (l *Ledger) CheckGrowth(ctx context.Context, userID string, delta int64) error {
	if delta <= 0 {
		return nil
	}

	usage, tier, err := l.load(ctx, userID)
	if err != nil {
		return err
	}

	if tier.StorageLimitBytes > 0 && usage.StorageUsedBytes+delta > tier.StorageLimitBytes {
		metrics.QuotaRejectionsTotal.WithLabelValues(ResourceStorage).Inc()
		return &fverr.QuotaError{
			QuotaType:    ResourceStorage,
			CurrentUsage: usage.StorageUsedBytes,
			Limit:        tier.StorageLimitBytes,
		}
	}

	return nil
}

// CheckDownload verifies that transferring size more bytes stays within
// the user's bandwidth window. Returns *errors.QuotaError on exceed,
// carrying the window reset time.
func (l *Ledger) CheckDownload(ctx context.Context, userID string, size int64) error {
	usage, tier, err := l.load(ctx, userID)
	if err != nil {
		return err
	}

	if tier.BandwidthLimitBytes > 0 && usage.BandwidthUsedBytes+size > tier.BandwidthLimitBytes {
		metrics.QuotaRejectionsTotal.WithLabelValues(ResourceBandwidth).Inc()
		return &fverr.QuotaError{
			QuotaType:    ResourceBandwidth,
			CurrentUsage: usage.BandwidthUsedBytes,
			Limit:        tier.BandwidthLimitBytes,
			ResetAt:      usage.WindowStart.Add(24 * time.Hour),
		}
	}

	return nil
}

// Apply durably records a usage delta for one logical operation. The
// opID keys the update: replays of the same operation are no-ops and
// return false. Counters are clamped at zero.
func (l *Ledger) Apply(ctx context.Context, userID, opID string, delta metadata.UsageDelta) (bool, error) {
	applied, err := l.store.ApplyUsage(ctx, userID, opID, delta)
	if err != nil {
		return false, fverr.Transient("quota.apply", err)
	}
	return applied, nil
}

// Usage returns the user's current counters and tier limits.
func (l *Ledger) Usage(ctx context.Context, userID string) (*metadata.QuotaRecord, *metadata.TierRecord, error) {
	return l.load(ctx, userID)
}

func (l *Ledger) load(ctx context.Context, userID string) (*metadata.QuotaRecord, *metadata.TierRecord, error) {
	usage, err := l.store.GetQuota(ctx, userID, l.defaultTier)
	if err != nil {
		return nil, nil, fverr.Transient("quota.get_quota", err)
	}

	tier, err := l.store.GetTier(ctx, usage.Tier)
	if err != nil {
		return nil, nil, fverr.Transient("quota.get_tier", err)
	}
	if tier == nil {
		// Unknown tier rows deny nothing; limits default to unlimited.
		slog.Warn("tier definition missing, treating limits as unlimited",
			"user_id", userID,
			"tier", usage.Tier)
		tier = &metadata.TierRecord{Name: usage.Tier}
	}

	return usage, tier, nil
}
