// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package logsink records training metrics (scalars and images) in a log directory, for later visualization.
//
// Scalars are stored in a SQLite database (metrics.db), images are saved as PNG files under images/, and when
// the Sink is closed one line plot per scalar tag is rendered to <tag>.png.
package logsink

import (
	"database/sql"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "modernc.org/sqlite"
)

const (
	// DatabaseFile is the name of the SQLite database in the log directory.
	DatabaseFile = "metrics.db"

	// ImagesDir is the sub-directory of the log directory where images are saved.
	ImagesDir = "images"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scalars (
		run_id TEXT NOT NULL REFERENCES runs(id),
		tag TEXT NOT NULL,
		name TEXT NOT NULL,
		step INTEGER NOT NULL,
		value REAL NOT NULL,
		wall_time TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS scalars_by_tag ON scalars (run_id, tag, name, step)`,
	`CREATE TABLE IF NOT EXISTS images (
		run_id TEXT NOT NULL REFERENCES runs(id),
		tag TEXT NOT NULL,
		step INTEGER NOT NULL,
		path TEXT NOT NULL,
		wall_time TEXT NOT NULL
	)`,
}

// Point is one value of a scalar series.
type Point struct {
	Step  int
	Value float64
}

// Sink writes metrics of one training run. It is safe for concurrent use.
type Sink struct {
	dir   string
	runID string

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// Open creates the log directory if needed, and starts a new run in its metrics database.
func Open(dir string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Join(dir, ImagesDir), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create log directory %q", dir)
	}
	dbPath := filepath.Join(dir, DatabaseFile)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", dbPath)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, stmt := range append(pragmas, schema...) {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to initialize %q with %q", dbPath, stmt)
		}
	}
	s := &Sink{dir: dir, runID: uuid.NewString(), db: db}
	if _, err := db.Exec(`INSERT INTO runs (id, started_at) VALUES (?, ?)`, s.runID, now()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to register run")
	}
	klog.V(1).Infof("Logging metrics of run %s to %s", s.runID, dir)
	return s, nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Dir returns the log directory.
func (s *Sink) Dir() string { return s.dir }

// RunID returns the unique identifier of the run.
func (s *Sink) RunID() string { return s.runID }

func (s *Sink) checkOpen() error {
	if s.closed {
		return errors.Errorf("logsink for %q already closed", s.dir)
	}
	return nil
}

// AddScalar records value for the series tag at the given step.
func (s *Sink) AddScalar(tag string, value float64, step int) error {
	return s.AddScalars(tag, map[string]float64{tag: value}, step)
}

// AddScalars records several named series grouped under tag (they are plotted together) at the given step.
func (s *Sink) AddScalars(tag string, values map[string]float64, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}
	wallTime := now()
	for name, value := range values {
		_, err = tx.Exec(`INSERT INTO scalars (run_id, tag, name, step, value, wall_time) VALUES (?, ?, ?, ?, ?, ?)`,
			s.runID, tag, name, step, value, wallTime)
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "failed to insert scalar %s/%s", tag, name)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit scalars")
}

// AddImage saves img as images/<tag>-<step>.png in the log directory and records it.
func (s *Sink) AddImage(tag string, img image.Image, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	relPath := filepath.Join(ImagesDir, sanitizeTag(tag)+"-"+strconv.Itoa(step)+".png")
	if err := imaging.Save(img, filepath.Join(s.dir, relPath)); err != nil {
		return errors.Wrapf(err, "failed to save image %q", relPath)
	}
	_, err := s.db.Exec(`INSERT INTO images (run_id, tag, step, path, wall_time) VALUES (?, ?, ?, ?, ?)`,
		s.runID, tag, step, relPath, now())
	return errors.Wrapf(err, "failed to record image %q", relPath)
}

// Scalars returns the series recorded under tag in this run, indexed by name and sorted by step.
func (s *Sink) Scalars(tag string) (map[string][]Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.scalarsLocked(tag)
}

func (s *Sink) scalarsLocked(tag string) (map[string][]Point, error) {
	rows, err := s.db.Query(`SELECT name, step, value FROM scalars WHERE run_id = ? AND tag = ? ORDER BY name, step`,
		s.runID, tag)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query scalars %q", tag)
	}
	defer func() { _ = rows.Close() }()
	series := make(map[string][]Point)
	for rows.Next() {
		var name string
		var p Point
		if err := rows.Scan(&name, &p.Step, &p.Value); err != nil {
			return nil, errors.Wrapf(err, "failed to read scalars %q", tag)
		}
		series[name] = append(series[name], p)
	}
	return series, errors.Wrapf(rows.Err(), "failed to read scalars %q", tag)
}

// Tags returns the scalar tags recorded in this run, sorted.
func (s *Sink) Tags() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.tagsLocked()
}

func (s *Sink) tagsLocked() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT tag FROM scalars WHERE run_id = ?`, s.runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query tags")
	}
	defer func() { _ = rows.Close() }()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errors.Wrap(err, "failed to read tags")
		}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, errors.Wrap(rows.Err(), "failed to read tags")
}

// Close renders the plots of every scalar tag and closes the database.
// It can be called more than once, only the first call has an effect.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	plotErr := s.renderPlotsLocked()
	if err := s.db.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", DatabaseFile)
	}
	return plotErr
}

func (s *Sink) renderPlotsLocked() error {
	tags, err := s.tagsLocked()
	if err != nil {
		return err
	}
	for _, tag := range tags {
		series, err := s.scalarsLocked(tag)
		if err != nil {
			return err
		}
		plotPath := filepath.Join(s.dir, sanitizeTag(tag)+".png")
		if err := RenderPlot(plotPath, tag, series); err != nil {
			return err
		}
	}
	return nil
}

func sanitizeTag(tag string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		}
		return r
	}, tag)
}
