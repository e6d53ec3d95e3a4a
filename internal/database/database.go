// Package database is the SQLite catalog of puzzle molecules per module and
// the verification audit log.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"chemcaptcha/internal/captcha"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

var ErrMoleculeNotFound = errors.New("molecule not found")

type Database struct {
	db *sql.DB
}

// Molecule is one catalog row: a molecule record accepted by a module.
type Molecule struct {
	ID          int64
	Module      string
	Path        string
	CID         string
	AtomCount   int
	TargetCount int
	ProcessedAt time.Time
}

// Verification is one audit row.
type Verification struct {
	Token      string
	Module     string
	Success    bool
	Points     int
	RemoteAddr string
	At         time.Time
}

func NewDatabase(databasePath string) (*Database, error) {
	if dir := filepath.Dir(databasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// modernc applies _pragma on every new connection
	db, err := sql.Open("sqlite", databasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// writers queue on the single connection
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS molecules(
	  id           INTEGER PRIMARY KEY,
	  module       TEXT    NOT NULL,
	  path         TEXT    NOT NULL,
	  cid          TEXT    NOT NULL,
	  atom_count   INTEGER NOT NULL,
	  target_count INTEGER NOT NULL,
	  processed_at INTEGER NOT NULL,
	  UNIQUE(module, cid)
	);
	CREATE INDEX IF NOT EXISTS idx_molecules_module ON molecules(module, id);
	CREATE INDEX IF NOT EXISTS idx_molecules_path   ON molecules(module, path);

	CREATE TABLE IF NOT EXISTS verifications(
	  id          INTEGER PRIMARY KEY,
	  token       TEXT    NOT NULL,
	  module      TEXT    NOT NULL,
	  success     INTEGER NOT NULL,
	  points      INTEGER NOT NULL,
	  remote_addr TEXT,
	  ts_utc      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_verifications_ts ON verifications(ts_utc);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// InsertMolecules adds rows in one transaction. Rows whose (module, cid)
// already exists are skipped; the number actually inserted is returned.
func (d *Database) InsertMolecules(ctx context.Context, mols []Molecule) (int, error) {
	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.PrepareContext(ctx, `INSERT OR IGNORE INTO molecules(module, path, cid, atom_count, target_count, processed_at) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		_ = transaction.Rollback()
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	inserted := 0
	for _, m := range mols {
		if m.Module == "" || m.Path == "" || m.CID == "" {
			_ = transaction.Rollback()
			return 0, fmt.Errorf("invalid molecule row %+v", m)
		}
		at := m.ProcessedAt
		if at.IsZero() {
			at = time.Now()
		}
		res, err := statement.ExecContext(ctx, m.Module, m.Path, m.CID, m.AtomCount, m.TargetCount, at.UTC().Unix())
		if err != nil {
			_ = transaction.Rollback()
			return 0, fmt.Errorf("failed to execute statement: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := transaction.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

// Page returns one page (1-based) of a module's catalog plus the module total.
func (d *Database) Page(ctx context.Context, module string, page, limit int) ([]captcha.CatalogItem, int, error) {
	var total int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM molecules WHERE module = ?`, module).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count molecules: %w", err)
	}
	if page < 1 || limit < 1 {
		return nil, 0, fmt.Errorf("invalid page %d limit %d", page, limit)
	}
	// past the end; also keeps (page-1)*limit from overflowing
	if page-1 > total/limit {
		return []captcha.CatalogItem{}, total, nil
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, path FROM molecules WHERE module = ? ORDER BY id LIMIT ? OFFSET ?`,
		module, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query molecules: %w", err)
	}
	defer rows.Close()

	items := []captcha.CatalogItem{}
	for rows.Next() {
		var it captcha.CatalogItem
		if err := rows.Scan(&it.ID, &it.Path); err != nil {
			return nil, 0, fmt.Errorf("failed to scan molecule: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// RandomMolecule picks one molecule of module uniformly.
func (d *Database) RandomMolecule(ctx context.Context, module string) (*Molecule, error) {
	var total int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM molecules WHERE module = ?`, module).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count molecules: %w", err)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: module %s is empty", ErrMoleculeNotFound, module)
	}
	return d.scanOne(ctx,
		`SELECT id, module, path, cid, atom_count, target_count, processed_at FROM molecules WHERE module = ? ORDER BY id LIMIT 1 OFFSET ?`,
		module, rand.Intn(total))
}

// MoleculeByPath looks a catalog path up within module.
func (d *Database) MoleculeByPath(ctx context.Context, module, path string) (*Molecule, error) {
	return d.scanOne(ctx,
		`SELECT id, module, path, cid, atom_count, target_count, processed_at FROM molecules WHERE module = ? AND path = ? LIMIT 1`,
		module, path)
}

func (d *Database) scanOne(ctx context.Context, query string, args ...any) (*Molecule, error) {
	var (
		m  Molecule
		ts int64
	)
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&m.ID, &m.Module, &m.Path, &m.CID, &m.AtomCount, &m.TargetCount, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMoleculeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query molecule: %w", err)
	}
	m.ProcessedAt = time.Unix(ts, 0).UTC()
	return &m, nil
}

// Counts returns the catalog size of every module that has entries.
func (d *Database) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT module, COUNT(*) FROM molecules GROUP BY module`)
	if err != nil {
		return nil, fmt.Errorf("failed to count molecules: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			module string
			n      int
		)
		if err := rows.Scan(&module, &n); err != nil {
			return nil, err
		}
		out[module] = n
	}
	return out, rows.Err()
}

func (d *Database) RecordVerification(ctx context.Context, v Verification) error {
	at := v.At
	if at.IsZero() {
		at = time.Now()
	}
	success := 0
	if v.Success {
		success = 1
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO verifications(token, module, success, points, remote_addr, ts_utc) VALUES(?,?,?,?,?,?)`,
		v.Token, v.Module, success, v.Points, v.RemoteAddr, at.UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to record verification: %w", err)
	}
	return nil
}

// Verifications returns the newest audit rows first.
func (d *Database) Verifications(ctx context.Context, limit int) ([]Verification, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT token, module, success, points, COALESCE(remote_addr, ''), ts_utc FROM verifications ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query verifications: %w", err)
	}
	defer rows.Close()

	var out []Verification
	for rows.Next() {
		var (
			v       Verification
			success int
			ts      int64
		)
		if err := rows.Scan(&v.Token, &v.Module, &success, &v.Points, &v.RemoteAddr, &ts); err != nil {
			return nil, err
		}
		v.Success = success == 1
		v.At = time.Unix(ts, 0).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}
