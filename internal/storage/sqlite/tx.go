package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/j3soon/orthanc/internal/storage"
	"github.com/j3soon/orthanc/internal/types"
)

// tx wraps a single *sql.Tx. The same struct backs both storage.ReadTx and
// storage.WriteTx; which interface a caller receives is decided by Store at
// Begin time, and writable guards against accidental misuse if the
// concrete type escapes its interface (defense in depth — the primary
// enforcement is the Go type system).
type tx struct {
	sqlTx    *sql.Tx
	writable bool
}

func (t *tx) requireWritable(op string) error {
	if !t.writable {
		return fmt.Errorf("%s: %w", op, storage.ErrIO)
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	return classify("commit", t.sqlTx.Commit())
}

func (t *tx) Rollback(ctx context.Context) error {
	return classify("rollback", t.sqlTx.Rollback())
}

func (t *tx) LookupResource(ctx context.Context, publicID string) (*storage.ResourceLookup, error) {
	var internalID, parentID int64
	var kind int
	err := t.sqlTx.QueryRowContext(ctx,
		`SELECT internal_id, kind, parent_id FROM resources WHERE public_id = ?`, publicID,
	).Scan(&internalID, &kind, &parentID)
	if err != nil {
		return nil, classify("lookup resource", err)
	}
	return &storage.ResourceLookup{InternalID: internalID, Kind: types.ResourceKind(kind), ParentID: parentID}, nil
}

func (t *tx) GetResource(ctx context.Context, internalID int64) (*types.Resource, error) {
	var r types.Resource
	var kind int
	err := t.sqlTx.QueryRowContext(ctx,
		`SELECT internal_id, public_id, kind, parent_id, protected FROM resources WHERE internal_id = ?`, internalID,
	).Scan(&r.InternalID, &r.PublicID, &kind, &r.ParentID, &r.Protected)
	if err != nil {
		return nil, classify("get resource", err)
	}
	r.Kind = types.ResourceKind(kind)
	return &r, nil
}

func (t *tx) GetChildren(ctx context.Context, parentID int64) ([]*types.Resource, error) {
	rows, err := t.sqlTx.QueryContext(ctx,
		`SELECT internal_id, public_id, kind, parent_id, protected FROM resources WHERE parent_id = ? ORDER BY internal_id`, parentID,
	)
	if err != nil {
		return nil, classify("get children", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Resource
	for rows.Next() {
		var r types.Resource
		var kind int
		if err := rows.Scan(&r.InternalID, &r.PublicID, &kind, &r.ParentID, &r.Protected); err != nil {
			return nil, classify("scan child", err)
		}
		r.Kind = types.ResourceKind(kind)
		out = append(out, &r)
	}
	return out, classify("get children", rows.Err())
}

func (t *tx) CountChildren(ctx context.Context, parentID int64) (int, error) {
	var n int
	err := t.sqlTx.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE parent_id = ?`, parentID).Scan(&n)
	return n, classify("count children", err)
}

func (t *tx) GetMainTags(ctx context.Context, resourceID int64) ([]types.MainTag, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `SELECT tag, value FROM main_tags WHERE resource_id = ?`, resourceID)
	if err != nil {
		return nil, classify("get main tags", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.MainTag
	for rows.Next() {
		mt := types.MainTag{ResourceID: resourceID}
		if err := rows.Scan(&mt.Tag, &mt.Value); err != nil {
			return nil, classify("scan main tag", err)
		}
		out = append(out, mt)
	}
	return out, classify("get main tags", rows.Err())
}

func (t *tx) GetIdentifierTags(ctx context.Context, resourceID int64) ([]types.IdentifierTag, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `SELECT tag, normalized_value FROM identifier_tags WHERE resource_id = ?`, resourceID)
	if err != nil {
		return nil, classify("get identifier tags", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.IdentifierTag
	for rows.Next() {
		it := types.IdentifierTag{ResourceID: resourceID}
		if err := rows.Scan(&it.Tag, &it.NormalizedValue); err != nil {
			return nil, classify("scan identifier tag", err)
		}
		out = append(out, it)
	}
	return out, classify("get identifier tags", rows.Err())
}

func (t *tx) LookupIdentifierExact(ctx context.Context, kind types.ResourceKind, tag, normalizedValue string) ([]string, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT r.public_id FROM identifier_tags it
		JOIN resources r ON r.internal_id = it.resource_id
		WHERE it.tag = ? AND it.normalized_value = ? AND r.kind = ?`,
		tag, normalizedValue, int(kind),
	)
	if err != nil {
		return nil, classify("lookup identifier exact", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var publicID string
		if err := rows.Scan(&publicID); err != nil {
			return nil, classify("scan identifier match", err)
		}
		out = append(out, publicID)
	}
	return out, classify("lookup identifier exact", rows.Err())
}

func (t *tx) GetMetadata(ctx context.Context, resourceID int64, kind types.MetadataKind) (string, bool, error) {
	var value string
	err := t.sqlTx.QueryRowContext(ctx, `SELECT value FROM metadata WHERE resource_id = ? AND kind = ?`, resourceID, int(kind)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("get metadata", err)
	}
	return value, true, nil
}

func (t *tx) GetAllMetadata(ctx context.Context, resourceID int64) (map[types.MetadataKind]string, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `SELECT kind, value FROM metadata WHERE resource_id = ?`, resourceID)
	if err != nil {
		return nil, classify("get all metadata", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[types.MetadataKind]string)
	for rows.Next() {
		var kind int
		var value string
		if err := rows.Scan(&kind, &value); err != nil {
			return nil, classify("scan metadata", err)
		}
		out[types.MetadataKind(kind)] = value
	}
	return out, classify("get all metadata", rows.Err())
}

func (t *tx) GetAttachment(ctx context.Context, resourceID int64, kind types.ContentKind) (*types.Attachment, error) {
	var a types.Attachment
	var dbKind, compression int
	err := t.sqlTx.QueryRowContext(ctx, `
		SELECT resource_id, kind, uuid, compressed_size, uncompressed_size, compressed_hash, uncompressed_hash, compression
		FROM attachments WHERE resource_id = ? AND kind = ?`, resourceID, int(kind),
	).Scan(&a.ResourceID, &dbKind, &a.UUID, &a.CompressedSize, &a.UncompressedSize, &a.CompressedHash, &a.UncompressedHash, &compression)
	if err != nil {
		return nil, classify("get attachment", err)
	}
	a.Kind = types.ContentKind(dbKind)
	a.Compression = types.CompressionKind(compression)
	return &a, nil
}

func (t *tx) ListAttachments(ctx context.Context, resourceID int64) ([]types.ContentKind, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `SELECT kind FROM attachments WHERE resource_id = ?`, resourceID)
	if err != nil {
		return nil, classify("list attachments", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.ContentKind
	for rows.Next() {
		var kind int
		if err := rows.Scan(&kind); err != nil {
			return nil, classify("scan attachment kind", err)
		}
		out = append(out, types.ContentKind(kind))
	}
	return out, classify("list attachments", rows.Err())
}

func (t *tx) TotalCompressedSize(ctx context.Context) (int64, error) {
	var total int64
	err := t.sqlTx.QueryRowContext(ctx, `SELECT COALESCE(SUM(compressed_size), 0) FROM attachments`).Scan(&total)
	return total, classify("total compressed size", err)
}

func (t *tx) TotalUncompressedSize(ctx context.Context) (int64, error) {
	var total int64
	err := t.sqlTx.QueryRowContext(ctx, `SELECT COALESCE(SUM(uncompressed_size), 0) FROM attachments`).Scan(&total)
	return total, classify("total uncompressed size", err)
}

func (t *tx) CountPatients(ctx context.Context) (int64, error) {
	return t.CountResources(ctx, types.KindPatient)
}

func (t *tx) CountResources(ctx context.Context, kind types.ResourceKind) (int64, error) {
	var n int64
	err := t.sqlTx.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE kind = ?`, int(kind)).Scan(&n)
	return n, classify("count resources", err)
}

func (t *tx) ReadChanges(ctx context.Context, since int64, maxResults int) ([]types.Change, bool, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT sequence, kind, resource_kind, public_id, timestamp FROM changes
		WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`, since, maxResults+1,
	)
	if err != nil {
		return nil, false, classify("read changes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, classify("read changes", err)
	}
	more := len(out) > maxResults
	if more {
		out = out[:maxResults]
	}
	return out, more, nil
}

func scanChange(rows *sql.Rows) (types.Change, error) {
	var c types.Change
	var kind, resourceKind int
	var ts int64
	if err := rows.Scan(&c.Sequence, &kind, &resourceKind, &c.PublicID, &ts); err != nil {
		return types.Change{}, classify("scan change", err)
	}
	c.Kind = types.ChangeKind(kind)
	c.ResourceKind = types.ResourceKind(resourceKind)
	c.Timestamp = time.Unix(0, ts)
	return c, nil
}

func (t *tx) LastChange(ctx context.Context) (*types.Change, bool, error) {
	row := t.sqlTx.QueryRowContext(ctx, `SELECT sequence, kind, resource_kind, public_id, timestamp FROM changes ORDER BY sequence DESC LIMIT 1`)
	var c types.Change
	var kind, resourceKind int
	var ts int64
	err := row.Scan(&c.Sequence, &kind, &resourceKind, &c.PublicID, &ts)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("last change", err)
	}
	c.Kind = types.ChangeKind(kind)
	c.ResourceKind = types.ResourceKind(resourceKind)
	c.Timestamp = time.Unix(0, ts)
	return &c, true, nil
}

func (t *tx) ReadExportedResources(ctx context.Context, since int64, maxResults int) ([]types.ExportedResource, bool, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT sequence, resource_kind, public_id, remote_modality, timestamp FROM exported_resources
		WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`, since, maxResults+1,
	)
	if err != nil {
		return nil, false, classify("read exported resources", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.ExportedResource
	for rows.Next() {
		var e types.ExportedResource
		var resourceKind int
		var ts int64
		if err := rows.Scan(&e.Sequence, &resourceKind, &e.PublicID, &e.RemoteModality, &ts); err != nil {
			return nil, false, classify("scan exported resource", err)
		}
		e.ResourceKind = types.ResourceKind(resourceKind)
		e.Timestamp = time.Unix(0, ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, classify("read exported resources", err)
	}
	more := len(out) > maxResults
	if more {
		out = out[:maxResults]
	}
	return out, more, nil
}

func (t *tx) LastExportedResource(ctx context.Context) (*types.ExportedResource, bool, error) {
	row := t.sqlTx.QueryRowContext(ctx, `SELECT sequence, resource_kind, public_id, remote_modality, timestamp FROM exported_resources ORDER BY sequence DESC LIMIT 1`)
	var e types.ExportedResource
	var resourceKind int
	var ts int64
	err := row.Scan(&e.Sequence, &resourceKind, &e.PublicID, &e.RemoteModality, &ts)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("last exported resource", err)
	}
	e.ResourceKind = types.ResourceKind(resourceKind)
	e.Timestamp = time.Unix(0, ts)
	return &e, true, nil
}

func (t *tx) GetGlobalProperty(ctx context.Context, key types.GlobalPropertyKey) (string, bool, error) {
	var value string
	err := t.sqlTx.QueryRowContext(ctx, `SELECT value FROM global_properties WHERE key = ?`, int(key)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("get global property", err)
	}
	return value, true, nil
}

func (t *tx) LeastRecentlyUsedPatient(ctx context.Context, excludePublicID string, protectedIDs map[string]bool) (string, int64, bool, error) {
	query := `SELECT public_id, internal_id FROM resources WHERE kind = 0 AND protected = 0 AND public_id != ?`
	args := []interface{}{excludePublicID}
	for id := range protectedIDs {
		query += " AND public_id != ?"
		args = append(args, id)
	}
	query += " ORDER BY last_touch ASC LIMIT 1"

	var publicID string
	var internalID int64
	err := t.sqlTx.QueryRowContext(ctx, query, args...).Scan(&publicID, &internalID)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, classify("least recently used patient", err)
	}
	return publicID, internalID, true, nil
}

func (t *tx) CreateResource(ctx context.Context, publicID string, kind types.ResourceKind, parentID int64) (int64, error) {
	if err := t.requireWritable("create resource"); err != nil {
		return 0, err
	}
	res, err := t.sqlTx.ExecContext(ctx, `INSERT INTO resources (public_id, kind, parent_id, protected, last_touch) VALUES (?, ?, ?, 0, 0)`, publicID, int(kind), parentID)
	if err != nil {
		return 0, classify("create resource", err)
	}
	id, err := res.LastInsertId()
	return id, classify("create resource", err)
}

func (t *tx) DeleteResource(ctx context.Context, internalID int64) error {
	if err := t.requireWritable("delete resource"); err != nil {
		return err
	}
	stmts := []string{
		`DELETE FROM main_tags WHERE resource_id = ?`,
		`DELETE FROM identifier_tags WHERE resource_id = ?`,
		`DELETE FROM metadata WHERE resource_id = ?`,
		`DELETE FROM attachments WHERE resource_id = ?`,
		`DELETE FROM resources WHERE internal_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := t.sqlTx.ExecContext(ctx, stmt, internalID); err != nil {
			return classify("delete resource", err)
		}
	}
	return nil
}

func (t *tx) TouchPatient(ctx context.Context, patientInternalID int64) error {
	if err := t.requireWritable("touch patient"); err != nil {
		return err
	}
	_, err := t.sqlTx.ExecContext(ctx, `UPDATE resources SET last_touch = ? WHERE internal_id = ?`, time.Now().UnixNano(), patientInternalID)
	return classify("touch patient", err)
}

func (t *tx) PutMainTag(ctx context.Context, resourceID int64, tag, value string) error {
	if err := t.requireWritable("put main tag"); err != nil {
		return err
	}
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO main_tags (resource_id, tag, value) VALUES (?, ?, ?)
		ON CONFLICT (resource_id, tag) DO UPDATE SET value = excluded.value`, resourceID, tag, value)
	return classify("put main tag", err)
}

func (t *tx) PutIdentifierTag(ctx context.Context, resourceID int64, tag, rawValue, normalizedValue string) error {
	if err := t.requireWritable("put identifier tag"); err != nil {
		return err
	}
	if err := t.PutMainTag(ctx, resourceID, tag, rawValue); err != nil {
		return err
	}
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO identifier_tags (resource_id, tag, normalized_value) VALUES (?, ?, ?)
		ON CONFLICT (resource_id, tag) DO UPDATE SET normalized_value = excluded.normalized_value`, resourceID, tag, normalizedValue)
	return classify("put identifier tag", err)
}

func (t *tx) SetMetadata(ctx context.Context, resourceID int64, kind types.MetadataKind, value string) error {
	if err := t.requireWritable("set metadata"); err != nil {
		return err
	}
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO metadata (resource_id, kind, value) VALUES (?, ?, ?)
		ON CONFLICT (resource_id, kind) DO UPDATE SET value = excluded.value`, resourceID, int(kind), value)
	return classify("set metadata", err)
}

func (t *tx) DeleteMetadata(ctx context.Context, resourceID int64, kind types.MetadataKind) error {
	if err := t.requireWritable("delete metadata"); err != nil {
		return err
	}
	_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM metadata WHERE resource_id = ? AND kind = ?`, resourceID, int(kind))
	return classify("delete metadata", err)
}

func (t *tx) PutAttachment(ctx context.Context, a types.Attachment) error {
	if err := t.requireWritable("put attachment"); err != nil {
		return err
	}
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO attachments (resource_id, kind, uuid, compressed_size, uncompressed_size, compressed_hash, uncompressed_hash, compression)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_id, kind) DO UPDATE SET
			uuid = excluded.uuid,
			compressed_size = excluded.compressed_size,
			uncompressed_size = excluded.uncompressed_size,
			compressed_hash = excluded.compressed_hash,
			uncompressed_hash = excluded.uncompressed_hash,
			compression = excluded.compression`,
		a.ResourceID, int(a.Kind), a.UUID, a.CompressedSize, a.UncompressedSize, a.CompressedHash, a.UncompressedHash, int(a.Compression))
	return classify("put attachment", err)
}

func (t *tx) DeleteAttachment(ctx context.Context, resourceID int64, kind types.ContentKind) error {
	if err := t.requireWritable("delete attachment"); err != nil {
		return err
	}
	_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM attachments WHERE resource_id = ? AND kind = ?`, resourceID, int(kind))
	return classify("delete attachment", err)
}

func (t *tx) AppendChange(ctx context.Context, kind types.ChangeKind, resourceKind types.ResourceKind, publicID string) (types.Change, error) {
	if err := t.requireWritable("append change"); err != nil {
		return types.Change{}, err
	}
	now := time.Now()
	res, err := t.sqlTx.ExecContext(ctx, `INSERT INTO changes (kind, resource_kind, public_id, timestamp) VALUES (?, ?, ?, ?)`,
		int(kind), int(resourceKind), publicID, now.UnixNano())
	if err != nil {
		return types.Change{}, classify("append change", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return types.Change{}, classify("append change", err)
	}
	return types.Change{Sequence: seq, Kind: kind, ResourceKind: resourceKind, PublicID: publicID, Timestamp: now}, nil
}

func (t *tx) PurgeChanges(ctx context.Context) error {
	if err := t.requireWritable("purge changes"); err != nil {
		return err
	}
	if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM changes`); err != nil {
		return classify("purge changes", err)
	}
	if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = 'changes'`); err != nil {
		return classify("purge changes", err)
	}
	return t.SetGlobalProperty(ctx, types.PropertyChangeSequence, "0")
}

func (t *tx) AppendExportedResource(ctx context.Context, resourceKind types.ResourceKind, publicID, remoteModality string) (types.ExportedResource, error) {
	if err := t.requireWritable("append exported resource"); err != nil {
		return types.ExportedResource{}, err
	}
	now := time.Now()
	res, err := t.sqlTx.ExecContext(ctx, `INSERT INTO exported_resources (resource_kind, public_id, remote_modality, timestamp) VALUES (?, ?, ?, ?)`,
		int(resourceKind), publicID, remoteModality, now.UnixNano())
	if err != nil {
		return types.ExportedResource{}, classify("append exported resource", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return types.ExportedResource{}, classify("append exported resource", err)
	}
	return types.ExportedResource{Sequence: seq, ResourceKind: resourceKind, PublicID: publicID, RemoteModality: remoteModality, Timestamp: now}, nil
}

func (t *tx) PurgeExportedResources(ctx context.Context) error {
	if err := t.requireWritable("purge exported resources"); err != nil {
		return err
	}
	if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM exported_resources`); err != nil {
		return classify("purge exported resources", err)
	}
	if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = 'exported_resources'`); err != nil {
		return classify("purge exported resources", err)
	}
	return t.SetGlobalProperty(ctx, types.PropertyExportedSequence, "0")
}

func (t *tx) SetGlobalProperty(ctx context.Context, key types.GlobalPropertyKey, value string) error {
	if err := t.requireWritable("set global property"); err != nil {
		return err
	}
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO global_properties (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, int(key), value)
	return classify("set global property", err)
}

func (t *tx) IncrementGlobalSequence(ctx context.Context, key types.GlobalPropertyKey) (int64, error) {
	if err := t.requireWritable("increment global sequence"); err != nil {
		return 0, err
	}
	current, _, err := t.GetGlobalProperty(ctx, key)
	if err != nil {
		return 0, err
	}
	var n int64
	if current != "" {
		n, err = strconv.ParseInt(current, 10, 64)
		if err != nil {
			return 0, classify("increment global sequence", err)
		}
	}
	n++
	if err := t.SetGlobalProperty(ctx, key, strconv.FormatInt(n, 10)); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *tx) SetProtected(ctx context.Context, patientInternalID int64, protected bool) error {
	if err := t.requireWritable("set protected"); err != nil {
		return err
	}
	_, err := t.sqlTx.ExecContext(ctx, `UPDATE resources SET protected = ? WHERE internal_id = ? AND kind = 0`, protected, patientInternalID)
	return classify("set protected", err)
}

var _ storage.ReadTx = (*tx)(nil)
var _ storage.WriteTx = (*tx)(nil)
