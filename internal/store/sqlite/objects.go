package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

const objectSelect = `
	SELECT o.project_id, o.object_id, o.digest, o.kind, o.base_object_class, o.leaf_object_class,
	       o.val, o.version_index, o.created_at, COALESCE(a.digest = o.digest, 0)
	FROM objects o
	LEFT JOIN object_aliases a
	  ON a.project_id = o.project_id AND a.object_id = o.object_id AND a.alias = 'latest'
`

func (c *Client) PutObject(ctx context.Context, o store.Object) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, mapErr(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `
	SELECT 1 FROM objects WHERE project_id = ? AND object_id = ? AND digest = ?
	`, o.ProjectID, o.ObjectID, o.Digest).Scan(&exists)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, mapErr(fmt.Errorf("checking object %s:%s: %w", o.ObjectID, o.Digest, err))
	}

	var next int
	if err := tx.QueryRowContext(ctx, `
	SELECT COALESCE(MAX(version_index) + 1, 0) FROM objects WHERE project_id = ? AND object_id = ?
	`, o.ProjectID, o.ObjectID).Scan(&next); err != nil {
		return false, mapErr(fmt.Errorf("reading next version of %s: %w", o.ObjectID, err))
	}

	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now().UTC()
	}
	val := string(o.Val)
	if val == "" {
		val = "null"
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO objects (project_id, object_id, digest, kind, base_object_class, leaf_object_class, val, version_index, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ProjectID, o.ObjectID, o.Digest, o.Kind, o.BaseObjectClass, o.LeafObjectClass, val, next, createdAt.UnixNano()); err != nil {
		return false, mapErr(fmt.Errorf("inserting object %s:%s: %w", o.ObjectID, o.Digest, err))
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO object_aliases (project_id, object_id, alias, digest) VALUES (?, ?, 'latest', ?)
	ON CONFLICT (project_id, object_id, alias) DO UPDATE SET digest = excluded.digest
	`, o.ProjectID, o.ObjectID, o.Digest); err != nil {
		return false, mapErr(fmt.Errorf("moving latest of %s: %w", o.ObjectID, err))
	}

	if err := tx.Commit(); err != nil {
		return false, mapErr(fmt.Errorf("committing object: %w", err))
	}
	return true, nil
}

func (c *Client) GetObject(ctx context.Context, projectID, objectID, digest string) (*store.Object, error) {
	row := c.db.QueryRowContext(ctx, objectSelect+`
	WHERE o.project_id = ? AND o.object_id = ? AND o.digest = ?
	`, projectID, objectID, digest)

	o, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, traceerr.NotFoundf("object %s:%s", objectID, digest)
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("reading object %s:%s: %w", objectID, digest, err))
	}
	return &o, nil
}

func (c *Client) ResolveAlias(ctx context.Context, projectID, objectID, alias string) (string, error) {
	var row *sql.Row
	if n, ok := store.VersionAlias(alias); ok {
		row = c.db.QueryRowContext(ctx, `
		SELECT digest FROM objects WHERE project_id = ? AND object_id = ? AND version_index = ?
		`, projectID, objectID, n)
	} else {
		row = c.db.QueryRowContext(ctx, `
		SELECT digest FROM object_aliases WHERE project_id = ? AND object_id = ? AND alias = ?
		`, projectID, objectID, alias)
	}

	var digest string
	err := row.Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", traceerr.NotFoundf("object %s:%s", objectID, alias)
	}
	if err != nil {
		return "", mapErr(fmt.Errorf("resolving %s:%s: %w", objectID, alias, err))
	}
	return digest, nil
}

func (c *Client) SetAlias(ctx context.Context, projectID, objectID, alias, digest string) error {
	result, err := c.db.ExecContext(ctx, `
	INSERT INTO object_aliases (project_id, object_id, alias, digest)
	SELECT project_id, object_id, ?, digest FROM objects
	WHERE project_id = ? AND object_id = ? AND digest = ?
	ON CONFLICT (project_id, object_id, alias) DO UPDATE SET digest = excluded.digest
	`, alias, projectID, objectID, digest)
	if err != nil {
		return mapErr(fmt.Errorf("setting alias %s on %s: %w", alias, objectID, err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return traceerr.NotFoundf("object %s:%s", objectID, digest)
	}
	return nil
}

func (c *Client) QueryObjects(ctx context.Context, q store.ObjectQuery) ([]store.Object, error) {
	where := []string{"o.project_id = ?"}
	args := []any{q.ProjectID}
	in := func(col string, vals []string) {
		if len(vals) == 0 {
			return
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", col, placeholders(len(vals))))
		args = append(args, anyArgs(vals)...)
	}
	in("o.object_id", q.ObjectIDs)
	in("o.base_object_class", q.BaseObjectClasses)
	in("o.leaf_object_class", q.LeafObjectClasses)
	in("o.digest", q.Digests)
	if q.ObjectIDPrefix != "" {
		where = append(where, "substr(o.object_id, 1, length(?)) = ?")
		args = append(args, q.ObjectIDPrefix, q.ObjectIDPrefix)
	}
	if q.Kind != "" {
		where = append(where, "o.kind = ?")
		args = append(args, q.Kind)
	}
	if q.LatestOnly {
		where = append(where, "a.digest = o.digest")
	}

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	order := "o.seq " + dir
	if q.SortBy == store.SortObjectID {
		order = fmt.Sprintf("o.object_id %s, o.seq %s", dir, dir)
	}

	query := fmt.Sprintf("%s WHERE %s ORDER BY %s LIMIT ? OFFSET ?", objectSelect, strings.Join(where, " AND "), order)
	args = append(args, limitArgs(q.Limit, q.Offset)...)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("querying objects: %w", err))
	}
	defer rows.Close()

	out := []store.Object{}
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning object: %w", err)
		}
		if q.MetadataOnly {
			o.Val = nil
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(fmt.Errorf("iterating objects: %w", err))
	}
	return out, nil
}

func (c *Client) DeleteObjects(ctx context.Context, projectID, objectID string, digests []string) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapErr(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	query := "DELETE FROM objects WHERE project_id = ? AND object_id = ?"
	args := []any{projectID, objectID}
	if len(digests) > 0 {
		query += fmt.Sprintf(" AND digest IN (%s)", placeholders(len(digests)))
		args = append(args, anyArgs(digests)...)
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapErr(fmt.Errorf("deleting objects of %s: %w", objectID, err))
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if deleted == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `
	DELETE FROM object_aliases
	WHERE project_id = ? AND object_id = ?
	  AND digest NOT IN (SELECT digest FROM objects WHERE project_id = ? AND object_id = ?)
	`, projectID, objectID, projectID, objectID); err != nil {
		return 0, mapErr(fmt.Errorf("dropping aliases of %s: %w", objectID, err))
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO object_aliases (project_id, object_id, alias, digest)
	SELECT project_id, object_id, 'latest', digest FROM objects
	WHERE project_id = ? AND object_id = ?
	ORDER BY version_index DESC LIMIT 1
	ON CONFLICT (project_id, object_id, alias) DO NOTHING
	`, projectID, objectID); err != nil {
		return 0, mapErr(fmt.Errorf("repointing latest of %s: %w", objectID, err))
	}

	if err := tx.Commit(); err != nil {
		return 0, mapErr(fmt.Errorf("committing delete: %w", err))
	}
	return deleted, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(s scanner) (store.Object, error) {
	var (
		o         store.Object
		val       string
		createdAt int64
	)
	err := s.Scan(&o.ProjectID, &o.ObjectID, &o.Digest, &o.Kind, &o.BaseObjectClass, &o.LeafObjectClass,
		&val, &o.VersionIndex, &createdAt, &o.IsLatest)
	if err != nil {
		return store.Object{}, err
	}
	o.Val = []byte(val)
	o.CreatedAt = fromNanos(sql.NullInt64{Int64: createdAt, Valid: true})
	return o, nil
}
