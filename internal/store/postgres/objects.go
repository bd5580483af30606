package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

const objectSelect = `
SELECT o.project_id, o.object_id, o.digest, o.kind, o.base_object_class, o.leaf_object_class,
       o.val, o.version_index, o.created_at, COALESCE(a.digest = o.digest, false)
FROM objects o
LEFT JOIN object_aliases a
  ON a.project_id = o.project_id AND a.object_id = o.object_id AND a.alias = 'latest'
`

// lockObject serializes version assignment for one object id until the
// transaction ends.
func lockObject(ctx context.Context, tx pgx.Tx, projectID, objectID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, projectID+"/"+objectID); err != nil {
		return mapErr(fmt.Errorf("locking object %s: %w", objectID, err))
	}
	return nil
}

func (c *Client) PutObject(ctx context.Context, o store.Object) (bool, error) {
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now().UTC()
	}
	val := string(o.Val)
	if val == "" {
		val = "null"
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return false, mapErr(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := lockObject(ctx, tx, o.ProjectID, o.ObjectID); err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, `
	INSERT INTO objects (project_id, object_id, digest, kind, base_object_class, leaf_object_class, val, version_index, created_at)
	SELECT $1, $2, $3, $4, $5, $6, $7, COALESCE(MAX(version_index) + 1, 0), $8
	FROM objects WHERE project_id = $1 AND object_id = $2
	ON CONFLICT (project_id, object_id, digest) DO NOTHING
	`, o.ProjectID, o.ObjectID, o.Digest, o.Kind, o.BaseObjectClass, o.LeafObjectClass, val, createdAt)
	if err != nil {
		return false, mapErr(fmt.Errorf("inserting object %s:%s: %w", o.ObjectID, o.Digest, err))
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
	INSERT INTO object_aliases (project_id, object_id, alias, digest) VALUES ($1, $2, 'latest', $3)
	ON CONFLICT (project_id, object_id, alias) DO UPDATE SET digest = EXCLUDED.digest
	`, o.ProjectID, o.ObjectID, o.Digest); err != nil {
		return false, mapErr(fmt.Errorf("moving latest of %s: %w", o.ObjectID, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return false, mapErr(fmt.Errorf("committing object: %w", err))
	}
	return true, nil
}

func (c *Client) GetObject(ctx context.Context, projectID, objectID, digest string) (*store.Object, error) {
	row := c.pool.QueryRow(ctx, objectSelect+`
	WHERE o.project_id = $1 AND o.object_id = $2 AND o.digest = $3
	`, projectID, objectID, digest)

	o, err := scanObject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, traceerr.NotFoundf("object %s:%s", objectID, digest)
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("reading object %s:%s: %w", objectID, digest, err))
	}
	return &o, nil
}

func (c *Client) ResolveAlias(ctx context.Context, projectID, objectID, alias string) (string, error) {
	var row pgx.Row
	if n, ok := store.VersionAlias(alias); ok {
		row = c.pool.QueryRow(ctx, `
		SELECT digest FROM objects WHERE project_id = $1 AND object_id = $2 AND version_index = $3
		`, projectID, objectID, n)
	} else {
		row = c.pool.QueryRow(ctx, `
		SELECT digest FROM object_aliases WHERE project_id = $1 AND object_id = $2 AND alias = $3
		`, projectID, objectID, alias)
	}

	var digest string
	err := row.Scan(&digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", traceerr.NotFoundf("object %s:%s", objectID, alias)
	}
	if err != nil {
		return "", mapErr(fmt.Errorf("resolving %s:%s: %w", objectID, alias, err))
	}
	return digest, nil
}

func (c *Client) SetAlias(ctx context.Context, projectID, objectID, alias, digest string) error {
	tag, err := c.pool.Exec(ctx, `
	INSERT INTO object_aliases (project_id, object_id, alias, digest)
	SELECT project_id, object_id, $3, digest FROM objects
	WHERE project_id = $1 AND object_id = $2 AND digest = $4
	ON CONFLICT (project_id, object_id, alias) DO UPDATE SET digest = EXCLUDED.digest
	`, projectID, objectID, alias, digest)
	if err != nil {
		return mapErr(fmt.Errorf("setting alias %s on %s: %w", alias, objectID, err))
	}
	if tag.RowsAffected() == 0 {
		return traceerr.NotFoundf("object %s:%s", objectID, digest)
	}
	return nil
}

func (c *Client) QueryObjects(ctx context.Context, q store.ObjectQuery) ([]store.Object, error) {
	var p params
	where := []string{"o.project_id = " + p.add(q.ProjectID)}
	in := func(col string, vals []string) {
		if len(vals) > 0 {
			where = append(where, fmt.Sprintf("%s = ANY(%s)", col, p.add(vals)))
		}
	}
	in("o.object_id", q.ObjectIDs)
	in("o.base_object_class", q.BaseObjectClasses)
	in("o.leaf_object_class", q.LeafObjectClasses)
	in("o.digest", q.Digests)
	if q.ObjectIDPrefix != "" {
		where = append(where, fmt.Sprintf("starts_with(o.object_id, %s)", p.add(q.ObjectIDPrefix)))
	}
	if q.Kind != "" {
		where = append(where, "o.kind = "+p.add(q.Kind))
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

	query := fmt.Sprintf("%s WHERE %s ORDER BY %s", objectSelect, strings.Join(where, " AND "), order) + p.page(q.Limit, q.Offset)
	rows, err := c.pool.Query(ctx, query, p...)
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
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, mapErr(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := lockObject(ctx, tx, projectID, objectID); err != nil {
		return 0, err
	}

	query := "DELETE FROM objects WHERE project_id = $1 AND object_id = $2"
	args := []any{projectID, objectID}
	if len(digests) > 0 {
		query += " AND digest = ANY($3)"
		args = append(args, digests)
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, mapErr(fmt.Errorf("deleting objects of %s: %w", objectID, err))
	}
	deleted := tag.RowsAffected()
	if deleted == 0 {
		return 0, nil
	}

	if _, err := tx.Exec(ctx, `
	DELETE FROM object_aliases a
	WHERE a.project_id = $1 AND a.object_id = $2
	  AND NOT EXISTS (
	      SELECT 1 FROM objects o
	      WHERE o.project_id = a.project_id AND o.object_id = a.object_id AND o.digest = a.digest)
	`, projectID, objectID); err != nil {
		return 0, mapErr(fmt.Errorf("dropping aliases of %s: %w", objectID, err))
	}
	if _, err := tx.Exec(ctx, `
	INSERT INTO object_aliases (project_id, object_id, alias, digest)
	SELECT project_id, object_id, 'latest', digest FROM objects
	WHERE project_id = $1 AND object_id = $2
	ORDER BY version_index DESC LIMIT 1
	ON CONFLICT (project_id, object_id, alias) DO NOTHING
	`, projectID, objectID); err != nil {
		return 0, mapErr(fmt.Errorf("repointing latest of %s: %w", objectID, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, mapErr(fmt.Errorf("committing delete: %w", err))
	}
	return deleted, nil
}

func scanObject(row pgx.Row) (store.Object, error) {
	var (
		o   store.Object
		val string
	)
	err := row.Scan(&o.ProjectID, &o.ObjectID, &o.Digest, &o.Kind, &o.BaseObjectClass, &o.LeafObjectClass,
		&val, &o.VersionIndex, &o.CreatedAt, &o.IsLatest)
	if err != nil {
		return store.Object{}, err
	}
	o.Val = []byte(val)
	o.CreatedAt = o.CreatedAt.UTC()
	return o, nil
}
