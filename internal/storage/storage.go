package storage

import (
	"context"

	"github.com/j3soon/orthanc/internal/types"
)

// ResourceLookup is returned by resource-lookup operations: the resolved
// internal id alongside the kind, for callers that matched on public id.
type ResourceLookup struct {
	InternalID int64
	Kind       types.ResourceKind
	ParentID   int64
}

// ReadTx is the read-only subset of the Database Wrapper capability set.
// A read-only transaction type exposes none of the mutating methods of
// WriteTx, so read-only business logic cannot call them — the Go compiler
// enforces "read-only transactions must not call mutating database
// operations" rather than a runtime check.
type ReadTx interface {
	// Commit releases the transaction's snapshot. For a read-only
	// transaction this never has observable side effects.
	Commit(ctx context.Context) error
	// Rollback releases the transaction, discarding any (absent, for a
	// read-only transaction) pending writes.
	Rollback(ctx context.Context) error

	// Resource lookup.
	LookupResource(ctx context.Context, publicID string) (*ResourceLookup, error)
	GetResource(ctx context.Context, internalID int64) (*types.Resource, error)
	GetChildren(ctx context.Context, parentID int64) ([]*types.Resource, error)
	CountChildren(ctx context.Context, parentID int64) (int, error)

	// Main tags & metadata.
	GetMainTags(ctx context.Context, resourceID int64) ([]types.MainTag, error)
	GetIdentifierTags(ctx context.Context, resourceID int64) ([]types.IdentifierTag, error)
	LookupIdentifierExact(ctx context.Context, kind types.ResourceKind, tag, normalizedValue string) ([]string, error)
	GetMetadata(ctx context.Context, resourceID int64, kind types.MetadataKind) (string, bool, error)
	GetAllMetadata(ctx context.Context, resourceID int64) (map[types.MetadataKind]string, error)

	// Attachments.
	GetAttachment(ctx context.Context, resourceID int64, kind types.ContentKind) (*types.Attachment, error)
	ListAttachments(ctx context.Context, resourceID int64) ([]types.ContentKind, error)
	TotalCompressedSize(ctx context.Context) (int64, error)
	TotalUncompressedSize(ctx context.Context) (int64, error)

	// Global counters.
	CountPatients(ctx context.Context) (int64, error)
	CountResources(ctx context.Context, kind types.ResourceKind) (int64, error)

	// Change / exported-resource journals.
	ReadChanges(ctx context.Context, since int64, maxResults int) (changes []types.Change, more bool, err error)
	LastChange(ctx context.Context) (*types.Change, bool, error)
	ReadExportedResources(ctx context.Context, since int64, maxResults int) (rows []types.ExportedResource, more bool, err error)
	LastExportedResource(ctx context.Context) (*types.ExportedResource, bool, error)

	// Global properties.
	GetGlobalProperty(ctx context.Context, key types.GlobalPropertyKey) (string, bool, error)

	// LRU touch order, used by the quota engine's victim selection.
	LeastRecentlyUsedPatient(ctx context.Context, excludePublicID string, protectedIDs map[string]bool) (publicID string, internalID int64, found bool, err error)
}

// WriteTx is the full Database Wrapper capability set available inside a
// read-write transaction.
type WriteTx interface {
	ReadTx

	CreateResource(ctx context.Context, publicID string, kind types.ResourceKind, parentID int64) (internalID int64, err error)
	DeleteResource(ctx context.Context, internalID int64) error
	TouchPatient(ctx context.Context, patientInternalID int64) error

	PutMainTag(ctx context.Context, resourceID int64, tag, value string) error
	PutIdentifierTag(ctx context.Context, resourceID int64, tag, rawValue, normalizedValue string) error
	SetMetadata(ctx context.Context, resourceID int64, kind types.MetadataKind, value string) error
	DeleteMetadata(ctx context.Context, resourceID int64, kind types.MetadataKind) error

	PutAttachment(ctx context.Context, a types.Attachment) error
	DeleteAttachment(ctx context.Context, resourceID int64, kind types.ContentKind) error

	AppendChange(ctx context.Context, kind types.ChangeKind, resourceKind types.ResourceKind, publicID string) (types.Change, error)
	PurgeChanges(ctx context.Context) error
	AppendExportedResource(ctx context.Context, resourceKind types.ResourceKind, publicID, remoteModality string) (types.ExportedResource, error)
	PurgeExportedResources(ctx context.Context) error

	SetGlobalProperty(ctx context.Context, key types.GlobalPropertyKey, value string) error
	IncrementGlobalSequence(ctx context.Context, key types.GlobalPropertyKey) (int64, error)

	SetProtected(ctx context.Context, patientInternalID int64, protected bool) error
}

// Storage is the Database Wrapper: it opens transactions of a
// requested kind on behalf of the Transaction Manager and otherwise
// holds no business logic of its own.
type Storage interface {
	BeginReadOnly(ctx context.Context) (ReadTx, error)
	BeginReadWrite(ctx context.Context) (WriteTx, error)

	// Flush asks the backend to persist its write-ahead state to durable
	// storage, called periodically by the housekeeping flush thread. A
	// no-op for backends without a WAL.
	Flush(ctx context.Context) error

	// IsProtected reports whether the given Patient public id is currently
	// in the protected set; used outside a caller-managed transaction by
	// convenience callers that only need a snapshot read.
	IsProtected(ctx context.Context, patientPublicID string) (bool, error)

	Close() error
}
