package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"orchard-mapper/internal/model"
)

// SQLite is the single-node persistent Store. Entities are stored as JSON
// documents keyed by their identity columns; the matching engine's access
// patterns are by-ID and by-field, which the indexes below cover. A
// relational schema would buy nothing here since the core never queries
// inside the documents.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fields (
	id TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS rasters (
	id TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS point_clouds (
	id TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS detection_runs (
	id TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS matching_runs (
	id TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS detections (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_detections_run ON detections(run_id);
CREATE TABLE IF NOT EXISTS trees (
	id TEXT PRIMARY KEY,
	field_id TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trees_field ON trees(field_id);
CREATE TABLE IF NOT EXISTS observations (
	id TEXT PRIMARY KEY,
	tree_id TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_tree ON observations(tree_id);
`

// OpenSQLite opens (and migrates) a SQLite store at path. ":memory:" works.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store %s: %w", path, err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) put(ctx context.Context, table, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", table, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO "+table+" (id, doc) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET doc = excluded.doc",
		id, string(raw))
	if err != nil {
		return fmt.Errorf("save %s %s: %w", table, id, err)
	}
	return nil
}

func (s *SQLite) get(ctx context.Context, table, id string, doc any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM "+table+" WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load %s %s: %w", table, id, err)
	}
	return json.Unmarshal([]byte(raw), doc)
}

func (s *SQLite) SaveField(ctx context.Context, f model.Field) error {
	return s.put(ctx, "fields", f.ID, f)
}

func (s *SQLite) Field(ctx context.Context, id string) (model.Field, error) {
	var f model.Field
	err := s.get(ctx, "fields", id, &f)
	return f, err
}

func (s *SQLite) SaveRaster(ctx context.Context, r model.RasterSource) error {
	return s.put(ctx, "rasters", r.ID, r)
}

func (s *SQLite) Raster(ctx context.Context, id string) (model.RasterSource, error) {
	var r model.RasterSource
	err := s.get(ctx, "rasters", id, &r)
	return r, err
}

func (s *SQLite) SavePointCloud(ctx context.Context, c model.PointCloudSource) error {
	return s.put(ctx, "point_clouds", c.ID, c)
}

func (s *SQLite) PointCloud(ctx context.Context, id string) (model.PointCloudSource, error) {
	var c model.PointCloudSource
	err := s.get(ctx, "point_clouds", id, &c)
	return c, err
}

func (s *SQLite) SaveDetectionRun(ctx context.Context, r model.DetectionRun) error {
	return s.put(ctx, "detection_runs", r.ID, r)
}

func (s *SQLite) DetectionRun(ctx context.Context, id string) (model.DetectionRun, error) {
	var r model.DetectionRun
	err := s.get(ctx, "detection_runs", id, &r)
	return r, err
}

func (s *SQLite) SaveMatchingRun(ctx context.Context, r model.MatchingRun) error {
	return s.put(ctx, "matching_runs", r.ID, r)
}

func (s *SQLite) MatchingRun(ctx context.Context, id string) (model.MatchingRun, error) {
	var r model.MatchingRun
	err := s.get(ctx, "matching_runs", id, &r)
	return r, err
}

func (s *SQLite) SaveDetections(ctx context.Context, dets []model.CandidateDetection) error {
	if len(dets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin detections tx: %w", err)
	}
	defer tx.Rollback()
	for _, d := range dets {
		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode detection %s: %w", d.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO detections (id, run_id, doc) VALUES (?, ?, ?)",
			d.ID, d.RunID, string(raw)); err != nil {
			return fmt.Errorf("save detection %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) DetectionsByRun(ctx context.Context, runID string) ([]model.CandidateDetection, error) {
	return queryDocs[model.CandidateDetection](ctx, s.db,
		"SELECT doc FROM detections WHERE run_id = ? ORDER BY id", runID)
}

func (s *SQLite) UpsertTrees(ctx context.Context, trees []model.CanonicalTree) error {
	if len(trees) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trees tx: %w", err)
	}
	defer tx.Rollback()
	if err := txUpsertTrees(ctx, tx, trees); err != nil {
		return err
	}
	return tx.Commit()
}

func txUpsertTrees(ctx context.Context, tx *sql.Tx, trees []model.CanonicalTree) error {
	for _, t := range trees {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode tree %s: %w", t.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO trees (id, field_id, doc) VALUES (?, ?, ?)",
			t.ID, t.FieldID, string(raw)); err != nil {
			return fmt.Errorf("save tree %s: %w", t.ID, err)
		}
	}
	return nil
}

func (s *SQLite) Tree(ctx context.Context, id string) (model.CanonicalTree, error) {
	var t model.CanonicalTree
	err := s.get(ctx, "trees", id, &t)
	return t, err
}

func (s *SQLite) TreesByField(ctx context.Context, fieldID string) ([]model.CanonicalTree, error) {
	return queryDocs[model.CanonicalTree](ctx, s.db,
		"SELECT doc FROM trees WHERE field_id = ? ORDER BY id", fieldID)
}

func (s *SQLite) DeleteTree(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM trees WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete tree %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) AppendObservations(ctx context.Context, obs []model.TreeObservation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin observations tx: %w", err)
	}
	defer tx.Rollback()
	if err := txInsertObservations(ctx, tx, obs); err != nil {
		return err
	}
	return tx.Commit()
}

func txInsertObservations(ctx context.Context, tx *sql.Tx, obs []model.TreeObservation) error {
	for _, o := range obs {
		raw, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode observation %s: %w", o.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO observations (id, tree_id, doc) VALUES (?, ?, ?)",
			o.ID, o.TreeID, string(raw)); err != nil {
			return fmt.Errorf("save observation %s: %w", o.ID, err)
		}
	}
	return nil
}

// ApplyMatchResult commits a matching run's trees and observations in one
// transaction so a failure cannot leave the inventory half-updated.
func (s *SQLite) ApplyMatchResult(ctx context.Context, trees []model.CanonicalTree, obs []model.TreeObservation) error {
	if len(trees) == 0 && len(obs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin match result tx: %w", err)
	}
	defer tx.Rollback()
	if err := txUpsertTrees(ctx, tx, trees); err != nil {
		return err
	}
	if err := txInsertObservations(ctx, tx, obs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) ObservationsByTree(ctx context.Context, treeID string) ([]model.TreeObservation, error) {
	return queryDocs[model.TreeObservation](ctx, s.db,
		"SELECT doc FROM observations WHERE tree_id = ? ORDER BY id", treeID)
}

func (s *SQLite) ReassignObservations(ctx context.Context, fromTreeID, toTreeID string) error {
	obs, err := s.ObservationsByTree(ctx, fromTreeID)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reassign tx: %w", err)
	}
	defer tx.Rollback()
	for _, o := range obs {
		o.TreeID = toTreeID
		raw, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode observation %s: %w", o.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE observations SET tree_id = ?, doc = ? WHERE id = ?",
			toTreeID, string(raw), o.ID); err != nil {
			return fmt.Errorf("reassign observation %s: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

func queryDocs[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc T
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
