// Package access implements the permission guard that gates every file
// operation.
//
// Resolution order: owner (implicit, full rights), then a non-expired
// access grant, then file visibility. A caller with no relationship to a
// private file gets a not-found outcome rather than a permission denial,
// so existence cannot be probed.
package access

import (
	"context"
	"fmt"

	"github.com/filevault/filevault/internal/audit"
	fverr "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/metadata"
)

// Operation names accepted by Authorize.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpDelete = "delete"
	OpShare  = "share"
	OpAdmin  = "admin"
)

// RoleNone is the effective role of a caller with no relationship to
// a file. It never appears in stored grants.
const RoleNone metadata.Role = "none"

// RolePublic is the effective role of an anonymous reader of a
// public-read file.
const RolePublic metadata.Role = "public"

// rolePermissions maps each role to the operations it permits.
var rolePermissions = map[metadata.Role]map[string]bool{
	metadata.RoleOwner: {
		OpRead: true, OpWrite: true, OpDelete: true, OpShare: true, OpAdmin: true,
	},
	metadata.RoleEditor: {
		OpRead: true, OpWrite: true,
	},
	metadata.RoleViewer: {
		OpRead: true,
	},
	RolePublic: {
		OpRead: true,
	},
}

// requiredRole maps each operation to the weakest role that permits it,
// for error reporting.
var requiredRole = map[string]metadata.Role{
	OpRead:   metadata.RoleViewer,
	OpWrite:  metadata.RoleEditor,
	OpDelete: metadata.RoleOwner,
	OpShare:  metadata.RoleOwner,
	OpAdmin:  metadata.RoleOwner,
}

// Decision is the outcome of one authorization check.
type Decision struct {
	// Role is the caller's effective role on the file.
	Role metadata.Role
	// File is the file record the decision was made against.
	File *metadata.FileRecord
}

// Guard resolves a user's effective role on a file and allows or denies
// an operation. Every check, allowed or denied, is audited.
type Guard struct {
	store    metadata.Store
	recorder *audit.Recorder
}

// NewGuard creates a Guard backed by the given metadata store and
// audit recorder.
func NewGuard(store metadata.Store, recorder *audit.Recorder) *Guard {
	return &Guard{store: store, recorder: recorder}
}

// Authorize checks whether userID may perform operation on fileID.
//
// On success it returns the decision with the caller's effective role and
// the loaded file record, so callers do not re-read the file. Denials
// surface as *errors.PermissionError when the caller holds some role, or
// *errors.NotFoundError when the caller has no relationship to a private
// file (or the file does not exist). The guard performs no storage I/O.
func (g *Guard) Authorize(ctx context.Context, userID, fileID, operation string) (*Decision, error) {
	file, err := g.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, fverr.Transient("access.get_file", err)
	}
	if file == nil {
		g.record(ctx, userID, fileID, operation, metadata.DecisionDenied, "file not found")
		return nil, &fverr.NotFoundError{Resource: "file", ID: fileID}
	}

	role, err := g.effectiveRole(ctx, userID, file)
	if err != nil {
		return nil, err
	}

	if rolePermissions[role][operation] {
		g.record(ctx, userID, fileID, operation, metadata.DecisionAllowed, string(role))
		return &Decision{Role: role, File: file}, nil
	}

	if role == RoleNone {
		// No relationship at all: indistinguishable from a missing file.
		g.record(ctx, userID, fileID, operation, metadata.DecisionDenied, "no access")
		return nil, &fverr.NotFoundError{Resource: "file", ID: fileID}
	}

	g.record(ctx, userID, fileID, operation, metadata.DecisionDenied,
		fmt.Sprintf("role %s cannot %s", role, operation))
	return nil, &fverr.PermissionError{
		Operation:    operation,
		RequiredRole: string(requiredRole[operation]),
		CurrentRole:  string(role),
	}
}

// effectiveRole resolves the caller's strongest role on the file.
func (g *Guard) effectiveRole(ctx context.Context, userID string, file *metadata.FileRecord) (metadata.Role, error) {
	if userID == file.OwnerID {
		return metadata.RoleOwner, nil
	}

	grant, err := g.store.GetGrant(ctx, file.ID, userID)
	if err != nil {
		return RoleNone, fverr.Transient("access.get_grant", err)
	}
	if grant != nil {
		return grant.Role, nil
	}

	if file.Visibility == metadata.VisibilityPublicRead {
		return RolePublic, nil
	}

	return RoleNone, nil
}

func (g *Guard) record(ctx context.Context, userID, fileID, operation string, decision metadata.Decision, reason string) {
	g.recorder.Record(ctx, audit.Entry{
		UserID:    userID,
		FileID:    fileID,
		Operation: operation,
		Decision:  decision,
		Reason:    reason,
	})
}
