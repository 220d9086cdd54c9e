package docstore

import (
	"context"
	"encoding/json"
	"errors"

	"artless-topics/internal/db"

	"github.com/jackc/pgx/v5"
)

// PGStore keeps every document as a JSONB row of the documents table.
type PGStore struct {
	db db.Querier
}

var _ Store = (*PGStore)(nil)

func NewPGStore(q db.Querier) *PGStore {
	return &PGStore{db: q}
}

func (s *PGStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	r, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	var raw []byte
	if r.field == "" {
		err = s.db.QueryRow(ctx, `
			SELECT doc FROM documents WHERE collection=$1 AND key=$2
		`, r.collection, r.key).Scan(&raw)
	} else {
		err = s.db.QueryRow(ctx, `
			SELECT doc -> $3::text FROM documents WHERE collection=$1 AND key=$2
		`, r.collection, r.key, r.field).Scan(&raw)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreReadError{Path: path, Err: err}
	}
	if raw == nil || string(raw) == "null" {
		return nil, ErrNotFound
	}
	return raw, nil
}

func (s *PGStore) Set(ctx context.Context, path string, value any) error {
	r, err := parsePath(path)
	if err != nil {
		return err
	}
	if value == nil && r.field == "" {
		return s.Delete(ctx, path)
	}
	if r.field != "" {
		return s.Update(ctx, map[string]any{path: value})
	}

	raw, err := encode(value)
	if err != nil {
		return &StoreWriteError{Path: path, Err: err}
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO documents (collection, key, doc, updated_at)
		VALUES ($1,$2,$3::jsonb,NOW())
		ON CONFLICT (collection, key) DO UPDATE SET doc=EXCLUDED.doc, updated_at=NOW()
	`, r.collection, r.key, string(raw)); err != nil {
		return &StoreWriteError{Path: path, Err: err}
	}
	return nil
}

func (s *PGStore) Create(ctx context.Context, path string, value any) (bool, error) {
	r, err := parsePath(path)
	if err != nil {
		return false, err
	}
	if r.field != "" || value == nil {
		return false, ErrInvalidPath
	}
	raw, err := encode(value)
	if err != nil {
		return false, &StoreWriteError{Path: path, Err: err}
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO documents (collection, key, doc, updated_at)
		VALUES ($1,$2,$3::jsonb,NOW())
		ON CONFLICT (collection, key) DO NOTHING
	`, r.collection, r.key, string(raw))
	if err != nil {
		return false, &StoreWriteError{Path: path, Err: err}
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Update(ctx context.Context, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	p, err := buildPlan(updates)
	if err != nil {
		return err
	}

	if len(p.deletes) > 0 {
		collections, keys := splitDocKeys(p.deletes)
		if _, err := s.db.Exec(ctx, `
			DELETE FROM documents AS d
			USING unnest($1::text[], $2::text[]) AS u(collection, key)
			WHERE d.collection = u.collection AND d.key = u.key
		`, collections, keys); err != nil {
			return &StoreWriteError{Path: describe(p.deletes), Err: err}
		}
	}

	for _, dk := range sortedDocKeys(p.overwrites) {
		if err := s.Set(ctx, Path(dk.collection, dk.key), p.overwrites[dk]); err != nil {
			return err
		}
	}

	if len(p.patches) > 0 {
		targets := sortedDocKeys(p.patches)
		collections, keys := splitDocKeys(targets)
		patches := make([]string, 0, len(targets))
		for _, dk := range targets {
			raw, err := json.Marshal(p.patches[dk])
			if err != nil {
				return &StoreWriteError{Path: Path(dk.collection, dk.key), Err: err}
			}
			patches = append(patches, string(raw))
		}
		if _, err := s.db.Exec(ctx, `
			UPDATE documents AS d
			SET doc = (d.doc || u.patch::jsonb)
			        - ARRAY(SELECT f.key FROM jsonb_each(u.patch::jsonb) AS f WHERE f.value = 'null'::jsonb),
			    updated_at = NOW()
			FROM unnest($1::text[], $2::text[], $3::text[]) AS u(collection, key, patch)
			WHERE d.collection = u.collection AND d.key = u.key
		`, collections, keys, patches); err != nil {
			return &StoreWriteError{Path: describe(targets), Err: err}
		}
	}
	return nil
}

func (s *PGStore) Push(_ context.Context, collection string) (string, error) {
	if err := validCollection(collection); err != nil {
		return "", err
	}
	key, err := newKey()
	if err != nil {
		return "", &StoreWriteError{Path: collection, Err: err}
	}
	return key, nil
}

func (s *PGStore) Delete(ctx context.Context, path string) error {
	r, err := parsePath(path)
	if err != nil {
		return err
	}
	if r.field != "" {
		return s.Update(ctx, map[string]any{path: nil})
	}
	if _, err := s.db.Exec(ctx, `
		DELETE FROM documents WHERE collection=$1 AND key=$2
	`, r.collection, r.key); err != nil {
		return &StoreWriteError{Path: path, Err: err}
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, collection string) ([]Document, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT key, doc FROM documents WHERE collection=$1 ORDER BY key
	`, collection)
	if err != nil {
		return nil, &StoreReadError{Path: collection, Err: err}
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var raw []byte
		if err := rows.Scan(&d.Key, &raw); err != nil {
			return nil, &StoreReadError{Path: collection, Err: err}
		}
		d.Value = raw
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreReadError{Path: collection, Err: err}
	}
	return docs, nil
}

func (s *PGStore) Increment(ctx context.Context, path string, delta int64) (int64, error) {
	r, err := parsePath(path)
	if err != nil {
		return 0, err
	}
	if r.field == "" {
		return 0, ErrInvalidPath
	}

	var next int64
	err = s.db.QueryRow(ctx, `
		UPDATE documents
		SET doc = jsonb_set(doc, ARRAY[$3::text],
		        to_jsonb(GREATEST(COALESCE((doc ->> $3::text)::bigint, 0) + $4::bigint, 0))),
		    updated_at = NOW()
		WHERE collection=$1 AND key=$2
		RETURNING (doc ->> $3::text)::bigint
	`, r.collection, r.key, r.field, delta).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, &StoreWriteError{Path: path, Err: err}
	}
	return next, nil
}

func splitDocKeys(keys []docKey) ([]string, []string) {
	collections := make([]string, 0, len(keys))
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		collections = append(collections, k.collection)
		names = append(names, k.key)
	}
	return collections, names
}

func describe(keys []docKey) string {
	if len(keys) == 1 {
		return Path(keys[0].collection, keys[0].key)
	}
	return keys[0].collection + "/*"
}
