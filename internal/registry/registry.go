// Package registry remembers printers seen on the network.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mzyy94/saturnlink/internal/sdcp"
)

// Record is a known printer.
type Record struct {
	Address     string    `json:"address"`
	Name        string    `json:"name"`
	Model       string    `json:"model"`
	Identity    string    `json:"identity"`
	MainboardID string    `json:"mainboardId"`
	Firmware    string    `json:"firmware"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Registry stores printers in SQLite keyed by address.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS printers (
	address      TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	model        TEXT NOT NULL DEFAULT '',
	identity     TEXT NOT NULL DEFAULT '',
	mainboard_id TEXT NOT NULL DEFAULT '',
	firmware     TEXT NOT NULL DEFAULT '',
	last_seen    INTEGER NOT NULL
);`

// Open opens or creates the registry database at path.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	// A single connection serializes writers without busy retries.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init registry: %w", err)
	}
	return &Registry{db: db, now: time.Now}, nil
}

// Close closes the database.
func (r *Registry) Close() error { return r.db.Close() }

// SaveDevice upserts d. Empty fields never overwrite stored values, so a
// discovery reply without an identity keeps the identity learned earlier.
func (r *Registry) SaveDevice(d sdcp.Device) error {
	if d.Address == "" {
		return errors.New("save device: empty address")
	}
	_, err := r.db.Exec(`
		INSERT INTO printers (address, name, model, identity, mainboard_id, firmware, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name         = COALESCE(NULLIF(excluded.name, ''), printers.name),
			model        = COALESCE(NULLIF(excluded.model, ''), printers.model),
			identity     = COALESCE(NULLIF(excluded.identity, ''), printers.identity),
			mainboard_id = COALESCE(NULLIF(excluded.mainboard_id, ''), printers.mainboard_id),
			firmware     = COALESCE(NULLIF(excluded.firmware, ''), printers.firmware),
			last_seen    = excluded.last_seen`,
		d.Address, d.Name, d.Model, d.Identity, d.MainboardID, d.Firmware, r.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save device %s: %w", d.Address, err)
	}
	return nil
}

// Lookup returns the record for address.
func (r *Registry) Lookup(address string) (Record, bool, error) {
	row := r.db.QueryRow(`
		SELECT address, name, model, identity, mainboard_id, firmware, last_seen
		FROM printers WHERE address = ?`, address)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup %s: %w", address, err)
	}
	return rec, true, nil
}

// LookupIdentity returns the stored identity for address, if any.
func (r *Registry) LookupIdentity(address string) (string, bool) {
	rec, ok, err := r.Lookup(address)
	if err != nil || !ok || rec.Identity == "" {
		return "", false
	}
	return rec.Identity, true
}

// List returns all printers, most recently seen first.
func (r *Registry) List() ([]Record, error) {
	rows, err := r.db.Query(`
		SELECT address, name, model, identity, mainboard_id, firmware, last_seen
		FROM printers ORDER BY last_seen DESC, address`)
	if err != nil {
		return nil, fmt.Errorf("list printers: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list printers: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var rec Record
	var seen int64
	err := s.Scan(&rec.Address, &rec.Name, &rec.Model, &rec.Identity, &rec.MainboardID, &rec.Firmware, &seen)
	rec.LastSeen = time.UnixMilli(seen)
	return rec, err
}
