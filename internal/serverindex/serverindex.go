// Package serverindex ties together the Database Wrapper, Transaction
// Manager, Resource Hierarchy Engine, Quota & Recycling Engine, Stability
// Tracker, Change Journal, Main Tag Registry, Listener Bridge and
// Housekeeping Threads into the single facade a caller depends on:
// ServerIndex.
//
// Modeled on Orthanc's own ServerIndex class: one coarse lock serializes
// every mutating call, and every public method is a thin orchestration
// over the components above rather than new logic of its own.
package serverindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/j3soon/orthanc/internal/changelog"
	"github.com/j3soon/orthanc/internal/config"
	"github.com/j3soon/orthanc/internal/eventbus"
	"github.com/j3soon/orthanc/internal/hierarchy"
	"github.com/j3soon/orthanc/internal/housekeeping"
	"github.com/j3soon/orthanc/internal/quota"
	"github.com/j3soon/orthanc/internal/stability"
	"github.com/j3soon/orthanc/internal/storage"
	"github.com/j3soon/orthanc/internal/tagregistry"
	"github.com/j3soon/orthanc/internal/txn"
	"github.com/j3soon/orthanc/internal/types"
)

// stableChangeKind maps each stability-tracked level to the change kind
// emitted when it settles. Instance has no entry: it is
// never tracked for stability (hierarchy.Engine.Store only marks
// Patient/Study/Series unstable).
var stableChangeKind = map[types.ResourceKind]types.ChangeKind{
	types.KindPatient: types.ChangeStablePatient,
	types.KindStudy:   types.ChangeStableStudy,
	types.KindSeries:  types.ChangeStableSeries,
}

// patientDeleterLink breaks the construction cycle between
// hierarchy.Engine (needs a quota.Admitter) and quota.Engine (needs a
// hierarchy.PatientDeleter): quota.Engine is built first against this
// link, and link.engine is set once the hierarchy.Engine it delegates to
// exists. Neither package needs to know about the other concrete type.
type patientDeleterLink struct {
	engine *hierarchy.Engine
}

func (l *patientDeleterLink) DeletePatientSubtree(ctx context.Context, tx storage.WriteTx, patientPublicID string) (int64, error) {
	return l.engine.DeletePatientSubtree(ctx, tx, patientPublicID)
}

// ServerIndex is the single entry point a caller constructs and holds for
// the lifetime of the process.
type ServerIndex struct {
	mu sync.Mutex // one coarse lock serializes every mutating call

	cfg       config.Config
	mgr       *txn.Manager
	bus       *eventbus.Bus
	registry  *tagregistry.Registry
	quota     *quota.Engine
	tracker   *stability.Tracker
	hierarchy *hierarchy.Engine
	keeper    *housekeeping.Housekeeper
	changes   *changelog.Journal
}

// New constructs a ServerIndex over store, wires every component together,
// registers cfg.Listeners, and starts the event bus and housekeeping
// threads. Call Close to stop them.
func New(ctx context.Context, store storage.Storage, cfg config.Config) (*ServerIndex, error) {
	cfg = config.WithDefaults(cfg)
	if cfg.Area == nil {
		return nil, fmt.Errorf("serverindex: Config.Area is required")
	}

	mgr := txn.NewManager(store, txn.WithMaxRetries(cfg.MaxRetries), txn.WithMaxBackoff(cfg.MaxBackoff), txn.WithLogger(cfg.Log))
	bus := eventbus.New(cfg.Log)
	for _, l := range cfg.Listeners {
		bus.Register(l)
	}

	registry := tagregistry.New()

	deleterLink := &patientDeleterLink{}
	quotaEngine := quota.New(cfg.MaxTotalCompressedBytes, cfg.MaxPatients, deleterLink)

	idx := &ServerIndex{
		cfg:      cfg,
		mgr:      mgr,
		bus:      bus,
		registry: registry,
		quota:    quotaEngine,
	}

	tracker := stability.New(cfg.StabilityCapacity, cfg.QuiescenceWindow, idx.onPromote)
	hierarchyEngine := hierarchy.New(registry, quotaEngine, tracker)
	deleterLink.engine = hierarchyEngine

	idx.tracker = tracker
	idx.hierarchy = hierarchyEngine
	idx.keeper = housekeeping.New(store, tracker, cfg.FlushInterval, cfg.Log)
	idx.changes = changelog.New(mgr)

	bus.Start(ctx)
	idx.keeper.Start(ctx)

	return idx, nil
}

// onPromote is the Stability Tracker's PromoteFunc: it appends the
// resource's Stable{Patient,Study,Series} change inside its own
// transaction and hands it to the event bus, exactly as if a normal write
// had produced it. Runs on the tracker's own call path
// (MarkUnstable, PromoteExpired), never under idx.mu.
func (idx *ServerIndex) onPromote(e stability.Entry) {
	kind, ok := stableChangeKind[e.Kind]
	if !ok {
		return
	}
	ctx := context.Background()
	var change types.Change
	err := idx.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		lookup, err := tx.LookupResource(ctx, e.PublicID)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil // resource was deleted before it could settle
			}
			return err
		}
		change, err = tx.AppendChange(ctx, kind, lookup.Kind, e.PublicID)
		return err
	})
	if err != nil {
		idx.cfg.Log.Error("serverindex: failed to record stability promotion", "public_id", e.PublicID, "error", err)
		return
	}
	if change.Sequence != 0 {
		idx.bus.Enqueue(change)
	}
}

// Close stops the housekeeping threads and the event bus, and shuts down
// the transaction manager so no further operation is admitted.
func (idx *ServerIndex) Close() error {
	err := idx.keeper.Stop()
	idx.bus.Stop()
	idx.mgr.Shutdown()
	return err
}

// --- Store / Delete -------------------------------------------------------

// AttachmentInput is raw attachment content supplied to Store; ServerIndex
// writes it to the storage area and computes its sizes and hash.
type AttachmentInput struct {
	Kind    types.ContentKind
	Content []byte
}

// StoreInput is the parsed-DICOM-summary input to Store, with attachments
// expressed as raw content rather than pre-hashed blobs.
type StoreInput struct {
	Patient  hierarchy.LevelTags
	Study    hierarchy.LevelTags
	Series   hierarchy.LevelTags
	Instance hierarchy.LevelTags

	Attachments []AttachmentInput
	Metadata    map[types.MetadataKind]string
	Overwrite   bool
}

// Store writes a single DICOM instance (and any missing ancestors) into the
// hierarchy, recycling under quota pressure if necessary.
func (idx *ServerIndex) Store(ctx context.Context, input StoreInput) (*hierarchy.StoreResult, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	attachments, err := idx.writeAttachments(ctx, input.Attachments)
	if err != nil {
		return nil, err
	}

	var result *hierarchy.StoreResult
	err = idx.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		var err error
		result, err = idx.hierarchy.Store(ctx, tx, hierarchy.StoreInput{
			Patient:     input.Patient,
			Study:       input.Study,
			Series:      input.Series,
			Instance:    input.Instance,
			Attachments: attachments,
			Metadata:    input.Metadata,
			Overwrite:   input.Overwrite,
		})
		return err
	})
	if err != nil {
		idx.removeAttachments(ctx, attachments)
		return nil, err
	}
	return result, nil
}

// writeAttachments persists each attachment's content to the storage area
// ahead of the transaction (the index only ever remembers uuids) and
// returns the types.Attachment rows ready to hand to hierarchy.Store.
func (idx *ServerIndex) writeAttachments(ctx context.Context, inputs []AttachmentInput) ([]types.Attachment, error) {
	out := make([]types.Attachment, 0, len(inputs))
	for _, in := range inputs {
		uuid, err := idx.cfg.Area.Create(ctx, in.Content)
		if err != nil {
			idx.removeAttachments(ctx, out)
			return nil, fmt.Errorf("serverindex: write attachment: %w", err)
		}
		sum := sha256.Sum256(in.Content)
		hash := hex.EncodeToString(sum[:])
		out = append(out, types.Attachment{
			Kind:             in.Kind,
			UUID:             uuid,
			CompressedSize:   int64(len(in.Content)),
			UncompressedSize: int64(len(in.Content)),
			CompressedHash:   hash,
			UncompressedHash: hash,
			Compression:      types.CompressionNone,
		})
	}
	return out, nil
}

// removeAttachments best-effort deletes blobs already written to the
// storage area when the surrounding transaction did not ultimately commit.
func (idx *ServerIndex) removeAttachments(ctx context.Context, attachments []types.Attachment) {
	for _, a := range attachments {
		if err := idx.cfg.Area.Remove(ctx, a.UUID); err != nil {
			idx.cfg.Log.Error("serverindex: failed to remove orphaned attachment", "uuid", a.UUID, "error", err)
		}
	}
}

// DeleteResource deletes the subtree rooted at publicID (expected to be of
// kind expectedKind), cascading upward through any ancestor left childless
// and not a protected Patient.
func (idx *ServerIndex) DeleteResource(ctx context.Context, publicID string, expectedKind types.ResourceKind) (*hierarchy.DeleteResult, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var result *hierarchy.DeleteResult
	var removedAttachments []types.Attachment
	err := idx.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		removedAttachments = idx.collectAttachments(ctx, tx, lookup.InternalID)
		result, err = idx.hierarchy.DeleteResource(ctx, tx, publicID, expectedKind)
		return err
	})
	if err != nil {
		return nil, err
	}
	idx.removeAttachments(ctx, removedAttachments)
	return result, nil
}

// collectAttachments is a best-effort pre-delete snapshot of the root
// resource's own attachments, used only to clean up the storage area after
// a successful delete; a failure here never aborts the delete.
func (idx *ServerIndex) collectAttachments(ctx context.Context, tx storage.ReadTx, internalID int64) []types.Attachment {
	kinds, err := tx.ListAttachments(ctx, internalID)
	if err != nil {
		return nil
	}
	out := make([]types.Attachment, 0, len(kinds))
	for _, k := range kinds {
		a, err := tx.GetAttachment(ctx, internalID, k)
		if err == nil {
			out = append(out, *a)
		}
	}
	return out
}

// --- Change journal ---------------------------------------------------

// GetChanges returns up to maxResults change records starting at sequence
// since, and whether more remain.
func (idx *ServerIndex) GetChanges(ctx context.Context, since int64, maxResults int) ([]types.Change, bool, error) {
	return idx.changes.ReadChanges(ctx, since, maxResults)
}

// GetLastChange returns the highest-sequence change record, if any.
func (idx *ServerIndex) GetLastChange(ctx context.Context) (*types.Change, bool, error) {
	return idx.changes.LastChange(ctx)
}

// DeleteChanges purges the entire change journal and resets its sequence.
func (idx *ServerIndex) DeleteChanges(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.changes.PurgeChanges(ctx)
}

// LogExportedResource appends an entry to the exported-resource journal
// (e.g. after a successful outbound DICOM transfer).
func (idx *ServerIndex) LogExportedResource(ctx context.Context, kind types.ResourceKind, publicID, remoteModality string) (types.ExportedResource, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var row types.ExportedResource
	err := idx.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		var err error
		row, err = tx.AppendExportedResource(ctx, kind, publicID, remoteModality)
		return err
	})
	return row, err
}

// GetExportedResources returns up to maxResults exported-resource records
// starting at sequence since, and whether more remain.
func (idx *ServerIndex) GetExportedResources(ctx context.Context, since int64, maxResults int) ([]types.ExportedResource, bool, error) {
	return idx.changes.ReadExportedResources(ctx, since, maxResults)
}

// DeleteExportedResources purges the exported-resource journal and resets
// its sequence.
func (idx *ServerIndex) DeleteExportedResources(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.changes.PurgeExportedResources(ctx)
}

// --- Protection ---------------------------------------------------------

// IsProtectedPatient reports whether the given Patient is in the
// protected set (exempt from quota recycling).
func (idx *ServerIndex) IsProtectedPatient(ctx context.Context, patientPublicID string) (bool, error) {
	var protected bool
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		lookup, err := tx.LookupResource(ctx, patientPublicID)
		if err != nil {
			return err
		}
		resource, err := tx.GetResource(ctx, lookup.InternalID)
		if err != nil {
			return err
		}
		protected = resource.Protected
		return nil
	})
	return protected, err
}

// SetProtectedPatient adds or removes patientPublicID from the protected
// set.
func (idx *ServerIndex) SetProtectedPatient(ctx context.Context, patientPublicID string, protected bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		lookup, err := tx.LookupResource(ctx, patientPublicID)
		if err != nil {
			return err
		}
		return tx.SetProtected(ctx, lookup.InternalID, protected)
	})
}

// --- Hierarchy navigation ------------------------------------------------

// GetChildren returns the direct children of publicID.
func (idx *ServerIndex) GetChildren(ctx context.Context, publicID string) ([]*types.Resource, error) {
	var out []*types.Resource
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		out, err = tx.GetChildren(ctx, lookup.InternalID)
		return err
	})
	return out, err
}

// GetChildInstances recurses from publicID down to every descendant
// Instance, regardless of publicID's own level.
func (idx *ServerIndex) GetChildInstances(ctx context.Context, publicID string) ([]*types.Resource, error) {
	var out []*types.Resource
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		root, err := tx.GetResource(ctx, lookup.InternalID)
		if err != nil {
			return err
		}
		return collectInstances(ctx, tx, root, &out)
	})
	return out, err
}

func collectInstances(ctx context.Context, tx storage.ReadTx, res *types.Resource, out *[]*types.Resource) error {
	if res.Kind == types.KindInstance {
		*out = append(*out, res)
		return nil
	}
	children, err := tx.GetChildren(ctx, res.InternalID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := collectInstances(ctx, tx, c, out); err != nil {
			return err
		}
	}
	return nil
}

// LookupParent returns publicID's immediate parent, if any.
func (idx *ServerIndex) LookupParent(ctx context.Context, publicID string) (*types.Resource, bool, error) {
	var parent *types.Resource
	var found bool
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		if lookup.ParentID == 0 {
			return nil
		}
		parent, err = tx.GetResource(ctx, lookup.ParentID)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return parent, found, err
}

// LookupParentOfKind returns publicID's nearest ancestor of kind, or
// found=false if none exists above it (e.g. asking for a Study's Patient
// when publicID is itself a Patient).
func (idx *ServerIndex) LookupParentOfKind(ctx context.Context, publicID string, kind types.ResourceKind) (*types.Resource, bool, error) {
	var result *types.Resource
	var found bool
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		current, err := tx.GetResource(ctx, lookup.InternalID)
		if err != nil {
			return err
		}
		for current.ParentID != 0 {
			current, err = tx.GetResource(ctx, current.ParentID)
			if err != nil {
				return err
			}
			if current.Kind == kind {
				result, found = current, true
				return nil
			}
		}
		return nil
	})
	return result, found, err
}

// LookupResourceType resolves publicID's kind.
func (idx *ServerIndex) LookupResourceType(ctx context.Context, publicID string) (types.ResourceKind, error) {
	var kind types.ResourceKind
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		kind = lookup.Kind
		return nil
	})
	return kind, err
}

// --- Metadata -------------------------------------------------------------

// SetMetadata attaches or overwrites one metadata slot on publicID.
func (idx *ServerIndex) SetMetadata(ctx context.Context, publicID string, kind types.MetadataKind, value string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		if err := tx.SetMetadata(ctx, lookup.InternalID, kind, value); err != nil {
			return err
		}
		change, err := tx.AppendChange(ctx, types.ChangeUpdatedMetadata, lookup.Kind, publicID)
		if err != nil {
			return err
		}
		idx.bus.Enqueue(change)
		return nil
	})
}

// DeleteMetadata removes one metadata slot from publicID.
func (idx *ServerIndex) DeleteMetadata(ctx context.Context, publicID string, kind types.MetadataKind) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		return tx.DeleteMetadata(ctx, lookup.InternalID, kind)
	})
}

// LookupMetadata returns one metadata slot's value, if set.
func (idx *ServerIndex) LookupMetadata(ctx context.Context, publicID string, kind types.MetadataKind) (string, bool, error) {
	var value string
	var found bool
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		value, found, err = tx.GetMetadata(ctx, lookup.InternalID, kind)
		return err
	})
	return value, found, err
}

// --- Attachments -----------------------------------------------------------

// AddAttachment attaches content to an existing resource outside of Store
// (e.g. a derived preview image added after ingest).
func (idx *ServerIndex) AddAttachment(ctx context.Context, publicID string, kind types.ContentKind, content []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	uuid, err := idx.cfg.Area.Create(ctx, content)
	if err != nil {
		return fmt.Errorf("serverindex: write attachment: %w", err)
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	err = idx.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		if err := tx.PutAttachment(ctx, types.Attachment{
			ResourceID:       lookup.InternalID,
			Kind:             kind,
			UUID:             uuid,
			CompressedSize:   int64(len(content)),
			UncompressedSize: int64(len(content)),
			CompressedHash:   hash,
			UncompressedHash: hash,
			Compression:      types.CompressionNone,
		}); err != nil {
			return err
		}
		change, err := tx.AppendChange(ctx, types.ChangeUpdatedAttachment, lookup.Kind, publicID)
		if err != nil {
			return err
		}
		idx.bus.Enqueue(change)
		return nil
	})
	if err != nil {
		if rmErr := idx.cfg.Area.Remove(ctx, uuid); rmErr != nil {
			idx.cfg.Log.Error("serverindex: failed to remove orphaned attachment", "uuid", uuid, "error", rmErr)
		}
		return err
	}
	return nil
}

// DeleteAttachment removes one attachment from publicID, in both the
// database and the storage area.
func (idx *ServerIndex) DeleteAttachment(ctx context.Context, publicID string, kind types.ContentKind) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var uuid string
	err := idx.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		a, err := tx.GetAttachment(ctx, lookup.InternalID, kind)
		if err != nil {
			return err
		}
		uuid = a.UUID
		return tx.DeleteAttachment(ctx, lookup.InternalID, kind)
	})
	if err != nil {
		return err
	}
	return idx.cfg.Area.Remove(ctx, uuid)
}

// ListAvailableAttachments returns the content kinds stored for publicID.
func (idx *ServerIndex) ListAvailableAttachments(ctx context.Context, publicID string) ([]types.ContentKind, error) {
	var kinds []types.ContentKind
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		kinds, err = tx.ListAttachments(ctx, lookup.InternalID)
		return err
	})
	return kinds, err
}

// --- Global properties -----------------------------------------------------

// SetGlobalProperty writes a process-wide key/value property.
func (idx *ServerIndex) SetGlobalProperty(ctx context.Context, key types.GlobalPropertyKey, value string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		return tx.SetGlobalProperty(ctx, key, value)
	})
}

// LookupGlobalProperty returns a property's value, if set.
func (idx *ServerIndex) LookupGlobalProperty(ctx context.Context, key types.GlobalPropertyKey) (string, bool, error) {
	var value string
	var found bool
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		var err error
		value, found, err = tx.GetGlobalProperty(ctx, key)
		return err
	})
	return value, found, err
}

// GetGlobalProperty is LookupGlobalProperty with a caller-supplied default
// for the not-found case, matching ServerIndex.h's two-arg overload.
func (idx *ServerIndex) GetGlobalProperty(ctx context.Context, key types.GlobalPropertyKey, defaultValue string) (string, error) {
	value, found, err := idx.LookupGlobalProperty(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return defaultValue, nil
	}
	return value, nil
}

// IncrementGlobalSequence atomically increments and returns a sequence
// counter stored as a global property (e.g. for caller-side numbering
// schemes distinct from the change journal's own sequence).
func (idx *ServerIndex) IncrementGlobalSequence(ctx context.Context, key types.GlobalPropertyKey) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var next int64
	err := idx.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		var err error
		next, err = tx.IncrementGlobalSequence(ctx, key)
		return err
	})
	return next, err
}

// GetDatabaseVersion returns the schema version recorded in the database's
// global properties.
func (idx *ServerIndex) GetDatabaseVersion(ctx context.Context) (string, error) {
	return idx.GetGlobalProperty(ctx, types.PropertySchemaVersion, "")
}

// --- Tags -------------------------------------------------------------

// LookupIdentifierExact returns the public ids of every resource of kind
// whose identifier tag exactly matches the normalized form of value.
func (idx *ServerIndex) LookupIdentifierExact(ctx context.Context, kind types.ResourceKind, tag, value string) ([]string, error) {
	normalized := tagregistry.Normalize(value)
	var ids []string
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		var err error
		ids, err = tx.LookupIdentifierExact(ctx, kind, tag, normalized)
		return err
	})
	return ids, err
}

// GetMainDicomTags returns the main tags persisted directly on publicID
// (its own level only, not ancestors).
func (idx *ServerIndex) GetMainDicomTags(ctx context.Context, publicID string) ([]types.MainTag, error) {
	var tags []types.MainTag
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		tags, err = tx.GetMainTags(ctx, lookup.InternalID)
		return err
	})
	return tags, err
}

// GetAllMainDicomTags returns publicID's own main tags plus every ancestor
// level's, up to Patient, mirroring the original's whole-instance tag
// retrieval used when expanding a resource for REST/DICOM clients.
func (idx *ServerIndex) GetAllMainDicomTags(ctx context.Context, publicID string) (map[types.ResourceKind][]types.MainTag, error) {
	out := make(map[types.ResourceKind][]types.MainTag)
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		current, err := tx.GetResource(ctx, lookup.InternalID)
		if err != nil {
			return err
		}
		for {
			tags, err := tx.GetMainTags(ctx, current.InternalID)
			if err != nil {
				return err
			}
			out[current.Kind] = tags
			if current.ParentID == 0 {
				return nil
			}
			current, err = tx.GetResource(ctx, current.ParentID)
			if err != nil {
				return err
			}
		}
	})
	return out, err
}

// --- Statistics -------------------------------------------------------------

// ResourceStatistics is the per-resource disk-usage summary returned by
// GetResourceStatistics.
type ResourceStatistics struct {
	DiskSize         int64
	UncompressedSize int64
	CountStudies     int64
	CountSeries      int64
	CountInstances   int64
}

// GetResourceStatistics aggregates disk usage and descendant counts rooted
// at publicID.
func (idx *ServerIndex) GetResourceStatistics(ctx context.Context, publicID string) (ResourceStatistics, error) {
	var stats ResourceStatistics
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		lookup, err := tx.LookupResource(ctx, publicID)
		if err != nil {
			return err
		}
		root, err := tx.GetResource(ctx, lookup.InternalID)
		if err != nil {
			return err
		}
		return accumulateStatistics(ctx, tx, root, &stats)
	})
	return stats, err
}

func accumulateStatistics(ctx context.Context, tx storage.ReadTx, res *types.Resource, stats *ResourceStatistics) error {
	switch res.Kind {
	case types.KindStudy:
		stats.CountStudies++
	case types.KindSeries:
		stats.CountSeries++
	case types.KindInstance:
		stats.CountInstances++
	}

	kinds, err := tx.ListAttachments(ctx, res.InternalID)
	if err != nil {
		return err
	}
	for _, k := range kinds {
		a, err := tx.GetAttachment(ctx, res.InternalID, k)
		if err != nil {
			return err
		}
		stats.DiskSize += a.CompressedSize
		stats.UncompressedSize += a.UncompressedSize
	}

	children, err := tx.GetChildren(ctx, res.InternalID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := accumulateStatistics(ctx, tx, c, stats); err != nil {
			return err
		}
	}
	return nil
}

// GlobalStatistics is the whole-database disk-usage and resource-count
// summary returned by GetGlobalStatistics.
type GlobalStatistics struct {
	DiskSize         int64
	UncompressedSize int64
	CountPatients    int64
	CountStudies     int64
	CountSeries      int64
	CountInstances   int64
}

// GetGlobalStatistics aggregates disk usage and resource counts across the
// whole database.
func (idx *ServerIndex) GetGlobalStatistics(ctx context.Context) (GlobalStatistics, error) {
	var stats GlobalStatistics
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		var err error
		if stats.DiskSize, err = tx.TotalCompressedSize(ctx); err != nil {
			return err
		}
		if stats.UncompressedSize, err = tx.TotalUncompressedSize(ctx); err != nil {
			return err
		}
		if stats.CountPatients, err = tx.CountPatients(ctx); err != nil {
			return err
		}
		if stats.CountStudies, err = tx.CountResources(ctx, types.KindStudy); err != nil {
			return err
		}
		if stats.CountSeries, err = tx.CountResources(ctx, types.KindSeries); err != nil {
			return err
		}
		stats.CountInstances, err = tx.CountResources(ctx, types.KindInstance)
		return err
	})
	return stats, err
}

// ApplyLookupResources resolves each of publicIDs to its ResourceLookup (or
// skips ones not found), in a single read-only transaction — the batched
// counterpart to repeated LookupResourceType calls.
func (idx *ServerIndex) ApplyLookupResources(ctx context.Context, publicIDs []string) (map[string]storage.ResourceLookup, error) {
	out := make(map[string]storage.ResourceLookup, len(publicIDs))
	err := idx.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		for _, id := range publicIDs {
			lookup, err := tx.LookupResource(ctx, id)
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return err
			}
			out[id] = *lookup
		}
		return nil
	})
	return out, err
}

// --- Generic transactional escape hatch --------------------------------

// ApplyReadOnly runs fn inside a read-only transaction, the idiomatic-Go
// replacement for ServerIndex::Apply(IReadOnlyOperations&) — fn's
// storage.ReadTx parameter exposes no mutating method, so the compiler
// rejects any attempt to write from a read-only operation.
func (idx *ServerIndex) ApplyReadOnly(ctx context.Context, fn func(storage.ReadTx) error) error {
	return idx.mgr.RunReadOnly(ctx, fn)
}

// ApplyReadWrite runs fn inside a read-write transaction, the idiomatic-Go
// replacement for ServerIndex::Apply(IReadWriteOperations&). Any change
// fn appends via tx.AppendChange is not automatically enqueued on the
// event bus; callers needing that should use the dedicated methods above.
func (idx *ServerIndex) ApplyReadWrite(ctx context.Context, fn func(storage.WriteTx) error) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.mgr.RunReadWrite(ctx, fn)
}
