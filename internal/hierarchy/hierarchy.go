// Package hierarchy implements the Resource Hierarchy Engine: the
// Store and DeleteResource operations that maintain the strict
// Patient->Study->Series->Instance tree.
package hierarchy

import (
	"context"
	"fmt"

	"github.com/j3soon/orthanc/internal/idgen"
	"github.com/j3soon/orthanc/internal/storage"
	"github.com/j3soon/orthanc/internal/tagregistry"
	"github.com/j3soon/orthanc/internal/types"
)

// Admitter is the Quota & Recycling Engine's admission check,
// consumed here so the hierarchy engine can ask "is there room" before it
// commits to writing a new instance. Implementations may delete victim
// subtrees against tx as part of admission.
type Admitter interface {
	Admit(ctx context.Context, tx storage.WriteTx, incomingBytes int64, newPatientPublicID string) error
}

// UnstableMarker is the subset of the Stability Tracker the hierarchy
// engine touches directly.
type UnstableMarker interface {
	MarkUnstable(internalID int64, kind types.ResourceKind, publicID string)
	Remove(internalID int64)
}

// LevelTags is the set of DICOM tag values observed at one hierarchy level
// for a single Store call, keyed by tag ("group,element").
type LevelTags map[string]string

// StoreInput is the parsed-DICOM-summary input to Store.
type StoreInput struct {
	Patient  LevelTags
	Study    LevelTags
	Series   LevelTags
	Instance LevelTags

	Attachments []types.Attachment // ResourceID is filled in by Store
	Metadata    map[types.MetadataKind]string
	Overwrite   bool
}

// StoreResult is the outcome of a successful or already-stored Store call.
type StoreResult struct {
	Status StoreStatus

	PatientID, StudyID, SeriesID, InstanceID       string
	NewPatient, NewStudy, NewSeries, NewInstance bool
}

// StoreStatus mirrors types.StoreStatus but is kept local so callers that
// only need hierarchy don't have to reason about the wider enum.
type StoreStatus = types.StoreStatus

const (
	StatusSuccess      = types.StoreSuccess
	StatusAlreadyStored = types.StoreAlreadyStored
)

// DeleteResult aggregates the effect of a DeleteResource call, including
// any ancestors deleted by the childless-cascade.
type DeleteResult struct {
	DeletedPublicIDs      []string
	CompressedBytesFreed   int64
	UncompressedBytesFreed int64
}

// Engine implements the hierarchy operations over a Main Tag Registry, an
// admission checker and a stability tracker, all supplied at construction
// (no package-level state).
type Engine struct {
	registry  *tagregistry.Registry
	admitter  Admitter
	stability UnstableMarker
}

// New builds a Resource Hierarchy Engine.
func New(registry *tagregistry.Registry, admitter Admitter, stability UnstableMarker) *Engine {
	return &Engine{registry: registry, admitter: admitter, stability: stability}
}

// levelOrder is the fixed top-down traversal order of the hierarchy.
var levelOrder = []types.ResourceKind{types.KindPatient, types.KindStudy, types.KindSeries, types.KindInstance}

func tagsFor(input StoreInput, kind types.ResourceKind) LevelTags {
	switch kind {
	case types.KindPatient:
		return input.Patient
	case types.KindStudy:
		return input.Study
	case types.KindSeries:
		return input.Series
	default:
		return input.Instance
	}
}

// identifierValues extracts, in registry order, the values of kind's own
// identifier tags from tags. Missing identifier tags are an input error.
func (e *Engine) identifierValues(kind types.ResourceKind, tags LevelTags) ([]string, error) {
	var out []string
	for _, tag := range e.registry.IdentifierTags(kind) {
		v, ok := tags[tag]
		if !ok || v == "" {
			return nil, fmt.Errorf("%s: missing required identifier tag %s", kind, tag)
		}
		out = append(out, v)
	}
	return out, nil
}

// computeIDs derives the four cumulative public ids: each level's id hashes
// its own identifier tuple concatenated onto every ancestor's identifier
// tuple.
func (e *Engine) computeIDs(input StoreInput) (ids map[types.ResourceKind]string, err error) {
	ids = make(map[types.ResourceKind]string, 4)
	var cumulative []string
	for _, kind := range levelOrder {
		vals, err := e.identifierValues(kind, tagsFor(input, kind))
		if err != nil {
			return nil, err
		}
		cumulative = append(cumulative, vals...)
		ids[kind] = idgen.PublicID(cumulative...)
	}
	return ids, nil
}

// findOrCreateAncestor locates the resource for publicID at level kind
// under parentID, creating it (with all registered main tags for kind) if
// absent. A pre-existing resource's main tags are never rewritten; a
// mismatch between a stored tag value and the value just observed is a
// Conflict (ancestor tags are immutable once written).
func (e *Engine) findOrCreateAncestor(ctx context.Context, tx storage.WriteTx, publicID string, kind types.ResourceKind, parentID int64, tags LevelTags) (internalID int64, created bool, err error) {
	existing, err := tx.LookupResource(ctx, publicID)
	if err != nil && !storage.IsNotFound(err) {
		return 0, false, err
	}
	if existing != nil {
		if err := e.checkNoRetag(ctx, tx, existing.InternalID, tags); err != nil {
			return 0, false, err
		}
		return existing.InternalID, false, nil
	}

	internalID, err = tx.CreateResource(ctx, publicID, kind, parentID)
	if err != nil {
		return 0, false, err
	}
	if err := e.writeMainTags(ctx, tx, internalID, kind, tags); err != nil {
		return 0, false, err
	}
	return internalID, true, nil
}

// checkNoRetag compares tags against the resource's already-persisted main
// tags, failing with storage.ErrConflict on any value mismatch.
func (e *Engine) checkNoRetag(ctx context.Context, tx storage.WriteTx, resourceID int64, tags LevelTags) error {
	existing, err := tx.GetMainTags(ctx, resourceID)
	if err != nil {
		return err
	}
	byTag := make(map[string]string, len(existing))
	for _, mt := range existing {
		byTag[mt.Tag] = mt.Value
	}
	for tag, value := range tags {
		if old, ok := byTag[tag]; ok && old != value {
			return fmt.Errorf("tag %s on existing ancestor: %w", tag, storage.ErrConflict)
		}
	}
	return nil
}

// writeMainTags inserts every tag registered for kind that is present in
// tags, routing identifier tags through PutIdentifierTag (normalized) and
// the rest through PutMainTag.
func (e *Engine) writeMainTags(ctx context.Context, tx storage.WriteTx, resourceID int64, kind types.ResourceKind, tags LevelTags) error {
	for _, entry := range e.registry.TagsForLevel(kind) {
		value, ok := tags[entry.Tag]
		if !ok {
			continue
		}
		if entry.Identifier {
			normalized := tagregistry.Normalize(value)
			if err := tx.PutIdentifierTag(ctx, resourceID, entry.Tag, value, normalized); err != nil {
				return err
			}
			continue
		}
		if err := tx.PutMainTag(ctx, resourceID, entry.Tag, value); err != nil {
			return err
		}
	}
	return nil
}

// Store admits a single DICOM instance into the hierarchy, creating any
// missing Patient/Study/Series/Instance ancestors along the way.
func (e *Engine) Store(ctx context.Context, tx storage.WriteTx, input StoreInput) (*StoreResult, error) {
	ids, err := e.computeIDs(input)
	if err != nil {
		return nil, err
	}

	var patientInternalID, studyInternalID, seriesInternalID int64
	var newPatient, newStudy, newSeries bool

	patientInternalID, newPatient, err = e.findOrCreateAncestor(ctx, tx, ids[types.KindPatient], types.KindPatient, 0, input.Patient)
	if err != nil {
		return nil, err
	}
	studyInternalID, newStudy, err = e.findOrCreateAncestor(ctx, tx, ids[types.KindStudy], types.KindStudy, patientInternalID, input.Study)
	if err != nil {
		return nil, err
	}
	seriesInternalID, newSeries, err = e.findOrCreateAncestor(ctx, tx, ids[types.KindSeries], types.KindSeries, studyInternalID, input.Series)
	if err != nil {
		return nil, err
	}

	if err := tx.TouchPatient(ctx, patientInternalID); err != nil {
		return nil, err
	}

	instancePublicID := ids[types.KindInstance]
	existingInstance, err := tx.LookupResource(ctx, instancePublicID)
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}
	if existingInstance != nil {
		if !input.Overwrite {
			return &StoreResult{
				Status:     StatusAlreadyStored,
				PatientID:  ids[types.KindPatient],
				StudyID:    ids[types.KindStudy],
				SeriesID:   ids[types.KindSeries],
				InstanceID: instancePublicID,
			}, nil
		}
		if err := tx.DeleteResource(ctx, existingInstance.InternalID); err != nil {
			return nil, err
		}
		if _, err := tx.AppendChange(ctx, types.ChangeDeleted, types.KindInstance, instancePublicID); err != nil {
			return nil, err
		}
	}

	var incomingBytes int64
	for _, a := range input.Attachments {
		incomingBytes += a.CompressedSize
	}
	if e.admitter != nil {
		if err := e.admitter.Admit(ctx, tx, incomingBytes, ids[types.KindPatient]); err != nil {
			return nil, err
		}
	}

	instanceInternalID, err := tx.CreateResource(ctx, instancePublicID, types.KindInstance, seriesInternalID)
	if err != nil {
		return nil, err
	}
	if err := e.writeMainTags(ctx, tx, instanceInternalID, types.KindInstance, input.Instance); err != nil {
		return nil, err
	}
	for _, a := range input.Attachments {
		a.ResourceID = instanceInternalID
		if err := tx.PutAttachment(ctx, a); err != nil {
			return nil, err
		}
	}
	for kind, value := range input.Metadata {
		if err := tx.SetMetadata(ctx, instanceInternalID, kind, value); err != nil {
			return nil, err
		}
	}

	if newPatient {
		if _, err := tx.AppendChange(ctx, types.ChangeNewPatient, types.KindPatient, ids[types.KindPatient]); err != nil {
			return nil, err
		}
	}
	if newStudy {
		if _, err := tx.AppendChange(ctx, types.ChangeNewStudy, types.KindStudy, ids[types.KindStudy]); err != nil {
			return nil, err
		}
	}
	if newSeries {
		if _, err := tx.AppendChange(ctx, types.ChangeNewSeries, types.KindSeries, ids[types.KindSeries]); err != nil {
			return nil, err
		}
	}
	if _, err := tx.AppendChange(ctx, types.ChangeNewInstance, types.KindInstance, instancePublicID); err != nil {
		return nil, err
	}

	// Patient/Study/Series are the stability-tracked ancestors; the
	// Instance level has no Stable{...} change kind of its own.
	if e.stability != nil {
		e.stability.MarkUnstable(patientInternalID, types.KindPatient, ids[types.KindPatient])
		e.stability.MarkUnstable(studyInternalID, types.KindStudy, ids[types.KindStudy])
		e.stability.MarkUnstable(seriesInternalID, types.KindSeries, ids[types.KindSeries])
	}

	return &StoreResult{
		Status:      StatusSuccess,
		PatientID:   ids[types.KindPatient],
		StudyID:     ids[types.KindStudy],
		SeriesID:    ids[types.KindSeries],
		InstanceID:  instancePublicID,
		NewPatient:  newPatient,
		NewStudy:    newStudy,
		NewSeries:   newSeries,
		NewInstance: true,
	}, nil
}

// DeleteResource cascade-deletes the subtree rooted at publicID (expected
// to be of kind expectedKind), then recurses upward through any ancestor
// left childless and not a protected Patient.
func (e *Engine) DeleteResource(ctx context.Context, tx storage.WriteTx, publicID string, expectedKind types.ResourceKind) (*DeleteResult, error) {
	lookup, err := tx.LookupResource(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if lookup.Kind != expectedKind {
		return nil, fmt.Errorf("resource %s is %s, not %s: %w", publicID, lookup.Kind, expectedKind, storage.ErrNotFound)
	}
	resource, err := tx.GetResource(ctx, lookup.InternalID)
	if err != nil {
		return nil, err
	}

	result := &DeleteResult{}
	if err := e.deleteSubtree(ctx, tx, resource, result); err != nil {
		return nil, err
	}

	_, hasParent := resource.Kind.Parent()
	parentID := resource.ParentID
	for hasParent && parentID != 0 {
		parent, err := tx.GetResource(ctx, parentID)
		if err != nil {
			if storage.IsNotFound(err) {
				break
			}
			return nil, err
		}
		count, err := tx.CountChildren(ctx, parent.InternalID)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			break
		}
		if parent.Kind == types.KindPatient && parent.Protected {
			break
		}
		if err := e.deleteSubtree(ctx, tx, parent, result); err != nil {
			return nil, err
		}
		_, hasParent = parent.Kind.Parent()
		parentID = parent.ParentID
	}

	return result, nil
}

// DeletePatientSubtree is the narrow view of DeleteResource the Quota &
// Recycling Engine depends on to evict a victim Patient: it never
// cascades upward (a Patient has no parent) and reports only freed bytes.
func (e *Engine) DeletePatientSubtree(ctx context.Context, tx storage.WriteTx, patientPublicID string) (freedBytes int64, err error) {
	result, err := e.DeleteResource(ctx, tx, patientPublicID, types.KindPatient)
	if err != nil {
		return 0, err
	}
	return result.CompressedBytesFreed, nil
}

// deleteSubtree deletes res and all of its descendants depth-first,
// appending a Deleted change for each in post-order (children before
// their parent).
func (e *Engine) deleteSubtree(ctx context.Context, tx storage.WriteTx, res *types.Resource, result *DeleteResult) error {
	children, err := tx.GetChildren(ctx, res.InternalID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := e.deleteSubtree(ctx, tx, child, result); err != nil {
			return err
		}
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
		result.CompressedBytesFreed += a.CompressedSize
		result.UncompressedBytesFreed += a.UncompressedSize
	}

	if err := tx.DeleteResource(ctx, res.InternalID); err != nil {
		return err
	}
	if _, err := tx.AppendChange(ctx, types.ChangeDeleted, res.Kind, res.PublicID); err != nil {
		return err
	}
	if e.stability != nil {
		e.stability.Remove(res.InternalID)
	}
	result.DeletedPublicIDs = append(result.DeletedPublicIDs, res.PublicID)
	return nil
}
