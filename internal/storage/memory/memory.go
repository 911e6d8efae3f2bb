// Package memory provides an in-memory Database Wrapper implementation.
// It is used by unit tests of the hierarchy/quota/stability engines that
// want real storage semantics (including LRU touch order and change
// sequencing) without standing up SQLite.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/j3soon/orthanc/internal/storage"
	"github.com/j3soon/orthanc/internal/types"
)

type resourceRow struct {
	internalID int64
	publicID   string
	kind       types.ResourceKind
	parentID   int64
	protected  bool
	lastTouch  int64 // monotonic counter, smaller = less recently used
}

// Store is the in-memory Database Wrapper. All state lives behind mu; a
// single global lock models the "one coarse mutex" SQLite-style backend
// (callers are expected to also hold their own
// transaction-manager mutex, so this is deliberately simple).
type Store struct {
	mu sync.Mutex

	nextInternalID int64
	touchCounter   int64

	resourcesByInternal map[int64]*resourceRow
	resourcesByPublic   map[string]int64
	childrenOf          map[int64][]int64

	mainTags       map[int64]map[string]string
	identifierTags map[int64]map[string]types.IdentifierTag
	metadata       map[int64]map[types.MetadataKind]string
	attachments    map[int64]map[types.ContentKind]types.Attachment

	changes         []types.Change
	changeSeq       int64
	exported        []types.ExportedResource
	exportedSeq     int64
	globalProps     map[types.GlobalPropertyKey]string
	totalCompressed int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		resourcesByInternal: make(map[int64]*resourceRow),
		resourcesByPublic:   make(map[string]int64),
		childrenOf:          make(map[int64][]int64),
		mainTags:            make(map[int64]map[string]string),
		identifierTags:      make(map[int64]map[string]types.IdentifierTag),
		metadata:            make(map[int64]map[types.MetadataKind]string),
		attachments:         make(map[int64]map[types.ContentKind]types.Attachment),
		globalProps:         make(map[types.GlobalPropertyKey]string),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Flush(ctx context.Context) error { return nil }

func (s *Store) IsProtected(ctx context.Context, patientPublicID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.resourcesByPublic[patientPublicID]
	if !ok {
		return false, storage.ErrNotFound
	}
	return s.resourcesByInternal[id].protected, nil
}

// tx implements both storage.ReadTx and storage.WriteTx over the shared
// store mutex, held for the whole lifetime of the transaction -- matching
// the "SQLite-style stores require the outer mutex held for the entire
// transaction" mode.
type tx struct {
	s        *Store
	writable bool
	done     bool
}

func (s *Store) BeginReadOnly(ctx context.Context) (storage.ReadTx, error) {
	s.mu.Lock()
	return &tx{s: s, writable: false}, nil
}

func (s *Store) BeginReadWrite(ctx context.Context) (storage.WriteTx, error) {
	s.mu.Lock()
	return &tx{s: s, writable: true}, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func (t *tx) requireWritable(op string) error {
	if !t.writable {
		return fmt.Errorf("%s: %w", op, storage.ErrIO)
	}
	return nil
}

func (t *tx) LookupResource(ctx context.Context, publicID string) (*storage.ResourceLookup, error) {
	id, ok := t.s.resourcesByPublic[publicID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	r := t.s.resourcesByInternal[id]
	return &storage.ResourceLookup{InternalID: r.internalID, Kind: r.kind, ParentID: r.parentID}, nil
}

func (t *tx) GetResource(ctx context.Context, internalID int64) (*types.Resource, error) {
	r, ok := t.s.resourcesByInternal[internalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &types.Resource{
		InternalID: r.internalID,
		PublicID:   r.publicID,
		Kind:       r.kind,
		ParentID:   r.parentID,
		Protected:  r.protected,
	}, nil
}

func (t *tx) GetChildren(ctx context.Context, parentID int64) ([]*types.Resource, error) {
	ids := t.s.childrenOf[parentID]
	out := make([]*types.Resource, 0, len(ids))
	for _, id := range ids {
		r := t.s.resourcesByInternal[id]
		out = append(out, &types.Resource{
			InternalID: r.internalID,
			PublicID:   r.publicID,
			Kind:       r.kind,
			ParentID:   r.parentID,
			Protected:  r.protected,
		})
	}
	return out, nil
}

func (t *tx) CountChildren(ctx context.Context, parentID int64) (int, error) {
	return len(t.s.childrenOf[parentID]), nil
}

func (t *tx) CreateResource(ctx context.Context, publicID string, kind types.ResourceKind, parentID int64) (int64, error) {
	if err := t.requireWritable("create resource"); err != nil {
		return 0, err
	}
	if _, exists := t.s.resourcesByPublic[publicID]; exists {
		return 0, fmt.Errorf("create resource %s: %w", publicID, storage.ErrConflict)
	}
	t.s.nextInternalID++
	id := t.s.nextInternalID
	t.s.touchCounter++
	t.s.resourcesByInternal[id] = &resourceRow{
		internalID: id,
		publicID:   publicID,
		kind:       kind,
		parentID:   parentID,
		lastTouch:  t.s.touchCounter,
	}
	t.s.resourcesByPublic[publicID] = id
	if parentID != 0 {
		t.s.childrenOf[parentID] = append(t.s.childrenOf[parentID], id)
	}
	return id, nil
}

func (t *tx) DeleteResource(ctx context.Context, internalID int64) error {
	if err := t.requireWritable("delete resource"); err != nil {
		return err
	}
	r, ok := t.s.resourcesByInternal[internalID]
	if !ok {
		return fmt.Errorf("delete resource: %w", storage.ErrNotFound)
	}
	delete(t.s.resourcesByInternal, internalID)
	delete(t.s.resourcesByPublic, r.publicID)
	delete(t.s.mainTags, internalID)
	delete(t.s.identifierTags, internalID)
	delete(t.s.metadata, internalID)
	if atts, ok := t.s.attachments[internalID]; ok {
		for _, a := range atts {
			t.s.totalCompressed -= a.CompressedSize
		}
	}
	delete(t.s.attachments, internalID)
	delete(t.s.childrenOf, internalID)
	if r.parentID != 0 {
		siblings := t.s.childrenOf[r.parentID]
		for i, id := range siblings {
			if id == internalID {
				t.s.childrenOf[r.parentID] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (t *tx) TouchPatient(ctx context.Context, patientInternalID int64) error {
	if err := t.requireWritable("touch patient"); err != nil {
		return err
	}
	r, ok := t.s.resourcesByInternal[patientInternalID]
	if !ok {
		return fmt.Errorf("touch patient: %w", storage.ErrNotFound)
	}
	t.s.touchCounter++
	r.lastTouch = t.s.touchCounter
	return nil
}

func (t *tx) PutMainTag(ctx context.Context, resourceID int64, tag, value string) error {
	if err := t.requireWritable("put main tag"); err != nil {
		return err
	}
	m, ok := t.s.mainTags[resourceID]
	if !ok {
		m = make(map[string]string)
		t.s.mainTags[resourceID] = m
	}
	m[tag] = value
	return nil
}

func (t *tx) PutIdentifierTag(ctx context.Context, resourceID int64, tag, rawValue, normalizedValue string) error {
	if err := t.requireWritable("put identifier tag"); err != nil {
		return err
	}
	if err := t.PutMainTag(ctx, resourceID, tag, rawValue); err != nil {
		return err
	}
	m, ok := t.s.identifierTags[resourceID]
	if !ok {
		m = make(map[string]types.IdentifierTag)
		t.s.identifierTags[resourceID] = m
	}
	m[tag] = types.IdentifierTag{ResourceID: resourceID, Tag: tag, NormalizedValue: normalizedValue}
	return nil
}

func (t *tx) GetMainTags(ctx context.Context, resourceID int64) ([]types.MainTag, error) {
	out := make([]types.MainTag, 0, len(t.s.mainTags[resourceID]))
	for tag, val := range t.s.mainTags[resourceID] {
		out = append(out, types.MainTag{ResourceID: resourceID, Tag: tag, Value: val})
	}
	return out, nil
}

func (t *tx) GetIdentifierTags(ctx context.Context, resourceID int64) ([]types.IdentifierTag, error) {
	out := make([]types.IdentifierTag, 0, len(t.s.identifierTags[resourceID]))
	for _, it := range t.s.identifierTags[resourceID] {
		out = append(out, it)
	}
	return out, nil
}

func (t *tx) LookupIdentifierExact(ctx context.Context, kind types.ResourceKind, tag, normalizedValue string) ([]string, error) {
	var out []string
	for id, m := range t.s.identifierTags {
		it, ok := m[tag]
		if !ok || it.NormalizedValue != normalizedValue {
			continue
		}
		r := t.s.resourcesByInternal[id]
		if r == nil || r.kind != kind {
			continue
		}
		out = append(out, r.publicID)
	}
	return out, nil
}

func (t *tx) SetMetadata(ctx context.Context, resourceID int64, kind types.MetadataKind, value string) error {
	if err := t.requireWritable("set metadata"); err != nil {
		return err
	}
	m, ok := t.s.metadata[resourceID]
	if !ok {
		m = make(map[types.MetadataKind]string)
		t.s.metadata[resourceID] = m
	}
	m[kind] = value
	return nil
}

func (t *tx) DeleteMetadata(ctx context.Context, resourceID int64, kind types.MetadataKind) error {
	if err := t.requireWritable("delete metadata"); err != nil {
		return err
	}
	delete(t.s.metadata[resourceID], kind)
	return nil
}

func (t *tx) GetMetadata(ctx context.Context, resourceID int64, kind types.MetadataKind) (string, bool, error) {
	v, ok := t.s.metadata[resourceID][kind]
	return v, ok, nil
}

func (t *tx) GetAllMetadata(ctx context.Context, resourceID int64) (map[types.MetadataKind]string, error) {
	out := make(map[types.MetadataKind]string, len(t.s.metadata[resourceID]))
	for k, v := range t.s.metadata[resourceID] {
		out[k] = v
	}
	return out, nil
}

func (t *tx) PutAttachment(ctx context.Context, a types.Attachment) error {
	if err := t.requireWritable("put attachment"); err != nil {
		return err
	}
	m, ok := t.s.attachments[a.ResourceID]
	if !ok {
		m = make(map[types.ContentKind]types.Attachment)
		t.s.attachments[a.ResourceID] = m
	}
	if old, exists := m[a.Kind]; exists {
		t.s.totalCompressed -= old.CompressedSize
	}
	m[a.Kind] = a
	t.s.totalCompressed += a.CompressedSize
	return nil
}

func (t *tx) DeleteAttachment(ctx context.Context, resourceID int64, kind types.ContentKind) error {
	if err := t.requireWritable("delete attachment"); err != nil {
		return err
	}
	if old, exists := t.s.attachments[resourceID][kind]; exists {
		t.s.totalCompressed -= old.CompressedSize
		delete(t.s.attachments[resourceID], kind)
	}
	return nil
}

func (t *tx) GetAttachment(ctx context.Context, resourceID int64, kind types.ContentKind) (*types.Attachment, error) {
	a, ok := t.s.attachments[resourceID][kind]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := a
	return &cp, nil
}

func (t *tx) ListAttachments(ctx context.Context, resourceID int64) ([]types.ContentKind, error) {
	out := make([]types.ContentKind, 0, len(t.s.attachments[resourceID]))
	for k := range t.s.attachments[resourceID] {
		out = append(out, k)
	}
	return out, nil
}

func (t *tx) TotalCompressedSize(ctx context.Context) (int64, error) {
	return t.s.totalCompressed, nil
}

func (t *tx) TotalUncompressedSize(ctx context.Context) (int64, error) {
	var total int64
	for _, m := range t.s.attachments {
		for _, a := range m {
			total += a.UncompressedSize
		}
	}
	return total, nil
}

func (t *tx) CountPatients(ctx context.Context) (int64, error) {
	return t.CountResources(ctx, types.KindPatient)
}

func (t *tx) CountResources(ctx context.Context, kind types.ResourceKind) (int64, error) {
	var n int64
	for _, r := range t.s.resourcesByInternal {
		if r.kind == kind {
			n++
		}
	}
	return n, nil
}

func (t *tx) AppendChange(ctx context.Context, kind types.ChangeKind, resourceKind types.ResourceKind, publicID string) (types.Change, error) {
	var zero types.Change
	if err := t.requireWritable("append change"); err != nil {
		return zero, err
	}
	t.s.changeSeq++
	c := types.Change{
		Sequence:     t.s.changeSeq,
		Kind:         kind,
		ResourceKind: resourceKind,
		PublicID:     publicID,
		Timestamp:    time.Now().UTC(),
	}
	t.s.changes = append(t.s.changes, c)
	return c, nil
}

func (t *tx) PurgeChanges(ctx context.Context) error {
	if err := t.requireWritable("purge changes"); err != nil {
		return err
	}
	t.s.changes = nil
	t.s.changeSeq = 0
	return nil
}

func (t *tx) ReadChanges(ctx context.Context, since int64, maxResults int) ([]types.Change, bool, error) {
	var out []types.Change
	for _, c := range t.s.changes {
		if c.Sequence > since {
			out = append(out, c)
			if len(out) == maxResults {
				return out, len(t.s.changes) > 0 && t.s.changes[len(t.s.changes)-1].Sequence > c.Sequence, nil
			}
		}
	}
	return out, false, nil
}

func (t *tx) LastChange(ctx context.Context) (*types.Change, bool, error) {
	if len(t.s.changes) == 0 {
		return nil, false, nil
	}
	c := t.s.changes[len(t.s.changes)-1]
	return &c, true, nil
}

func (t *tx) AppendExportedResource(ctx context.Context, resourceKind types.ResourceKind, publicID, remoteModality string) (types.ExportedResource, error) {
	var zero types.ExportedResource
	if err := t.requireWritable("append exported resource"); err != nil {
		return zero, err
	}
	t.s.exportedSeq++
	e := types.ExportedResource{
		Sequence:       t.s.exportedSeq,
		ResourceKind:   resourceKind,
		PublicID:       publicID,
		RemoteModality: remoteModality,
		Timestamp:      time.Now().UTC(),
	}
	t.s.exported = append(t.s.exported, e)
	return e, nil
}

func (t *tx) PurgeExportedResources(ctx context.Context) error {
	if err := t.requireWritable("purge exported resources"); err != nil {
		return err
	}
	t.s.exported = nil
	t.s.exportedSeq = 0
	return nil
}

func (t *tx) ReadExportedResources(ctx context.Context, since int64, maxResults int) ([]types.ExportedResource, bool, error) {
	var out []types.ExportedResource
	for _, e := range t.s.exported {
		if e.Sequence > since {
			out = append(out, e)
			if len(out) == maxResults {
				return out, len(t.s.exported) > 0 && t.s.exported[len(t.s.exported)-1].Sequence > e.Sequence, nil
			}
		}
	}
	return out, false, nil
}

func (t *tx) LastExportedResource(ctx context.Context) (*types.ExportedResource, bool, error) {
	if len(t.s.exported) == 0 {
		return nil, false, nil
	}
	e := t.s.exported[len(t.s.exported)-1]
	return &e, true, nil
}

func (t *tx) SetGlobalProperty(ctx context.Context, key types.GlobalPropertyKey, value string) error {
	if err := t.requireWritable("set global property"); err != nil {
		return err
	}
	t.s.globalProps[key] = value
	return nil
}

func (t *tx) GetGlobalProperty(ctx context.Context, key types.GlobalPropertyKey) (string, bool, error) {
	v, ok := t.s.globalProps[key]
	return v, ok, nil
}

func (t *tx) IncrementGlobalSequence(ctx context.Context, key types.GlobalPropertyKey) (int64, error) {
	if err := t.requireWritable("increment global sequence"); err != nil {
		return 0, err
	}
	var n int64
	if v, ok := t.s.globalProps[key]; ok {
		fmt.Sscanf(v, "%d", &n)
	}
	n++
	t.s.globalProps[key] = fmt.Sprintf("%d", n)
	return n, nil
}

func (t *tx) SetProtected(ctx context.Context, patientInternalID int64, protected bool) error {
	if err := t.requireWritable("set protected"); err != nil {
		return err
	}
	r, ok := t.s.resourcesByInternal[patientInternalID]
	if !ok {
		return fmt.Errorf("set protected: %w", storage.ErrNotFound)
	}
	r.protected = protected
	return nil
}

// LeastRecentlyUsedPatient returns the least-recently-touched Patient that is
// not in protectedIDs and is not excludePublicID, matching the quota
// selection rule.
func (t *tx) LeastRecentlyUsedPatient(ctx context.Context, excludePublicID string, protectedIDs map[string]bool) (string, int64, bool, error) {
	var best *resourceRow
	for _, r := range t.s.resourcesByInternal {
		if r.kind != types.KindPatient {
			continue
		}
		if r.publicID == excludePublicID || r.protected || protectedIDs[r.publicID] {
			continue
		}
		if best == nil || r.lastTouch < best.lastTouch {
			best = r
		}
	}
	if best == nil {
		return "", 0, false, nil
	}
	return best.publicID, best.internalID, true, nil
}

var _ storage.Storage = (*Store)(nil)
