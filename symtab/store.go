// Package symtab keeps a host-side record of the words uploaded to each
// device, so tools can show names for the indices a device reports.
package symtab

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("v4link.symtab")

// ErrSymbolNotFound indicates no word with the requested name or index.
var ErrSymbolNotFound = errors.New("symbol not found")

// Symbol is one word a device reported registering.
type Symbol struct {
	Device   string    `json:"device" yaml:"device"`
	Index    uint16    `json:"index" yaml:"index"`
	Name     string    `json:"name" yaml:"name"`
	Size     int       `json:"size" yaml:"size"`
	Recorded time.Time `json:"recorded" yaml:"recorded"`
}

// Store handles SQLite storage for symbols.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the symbol database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS symbols (
		device   TEXT    NOT NULL,
		idx      INTEGER NOT NULL,
		name     TEXT    NOT NULL,
		size     INTEGER NOT NULL,
		recorded INTEGER NOT NULL,
		PRIMARY KEY (device, idx)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("opened symbol table %s", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores syms in one transaction. A symbol at an index the device
// already has replaces the old one.
func (s *Store) Record(syms ...Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO symbols (device, idx, name, size, recorded) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, sym := range syms {
		at := sym.Recorded
		if at.IsZero() {
			at = now
		}
		if _, err := stmt.Exec(sym.Device, int(sym.Index), sym.Name, sym.Size, at.UnixNano()); err != nil {
			return fmt.Errorf("recording %s/%d: %w", sym.Device, sym.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing symbols: %w", err)
	}
	log.Debugf("recorded %d symbols", len(syms))
	return nil
}

// List returns a device's symbols in index order.
func (s *Store) List(device string) ([]Symbol, error) {
	rows, err := s.db.Query(
		"SELECT device, idx, name, size, recorded FROM symbols WHERE device = ? ORDER BY idx", device)
	if err != nil {
		return nil, fmt.Errorf("listing symbols: %w", err)
	}
	defer rows.Close()

	var out []Symbol
	for rows.Next() {
		sym, err := scanSymbol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// Lookup finds the word a device resolves name to: the one registered
// last, since later definitions shadow earlier ones.
func (s *Store) Lookup(device, name string) (Symbol, error) {
	row := s.db.QueryRow(
		"SELECT device, idx, name, size, recorded FROM symbols WHERE device = ? AND name = ? ORDER BY idx DESC LIMIT 1",
		device, name)
	sym, err := scanSymbol(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Symbol{}, fmt.Errorf("%w: %s on %s", ErrSymbolNotFound, name, device)
	}
	return sym, err
}

// Name returns the name recorded for a device's word index.
func (s *Store) Name(device string, idx uint16) (string, error) {
	var name string
	err := s.db.QueryRow("SELECT name FROM symbols WHERE device = ? AND idx = ?", device, int(idx)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: index %d on %s", ErrSymbolNotFound, idx, device)
	}
	if err != nil {
		return "", fmt.Errorf("querying symbol: %w", err)
	}
	return name, nil
}

// Clear forgets every symbol of a device, as a RESET does on the device.
func (s *Store) Clear(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM symbols WHERE device = ?", device)
	if err != nil {
		return fmt.Errorf("clearing %s: %w", device, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		log.Debugf("cleared %d symbols for %s", n, device)
	}
	return nil
}

// Devices returns every device with recorded symbols.
func (s *Store) Devices() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT device FROM symbols ORDER BY device")
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSymbol(r scanner) (Symbol, error) {
	var (
		sym      Symbol
		idx      int
		recorded int64
	)
	if err := r.Scan(&sym.Device, &idx, &sym.Name, &sym.Size, &recorded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Symbol{}, err
		}
		return Symbol{}, fmt.Errorf("scanning symbol: %w", err)
	}
	sym.Index = uint16(idx)
	sym.Recorded = time.Unix(0, recorded)
	return sym, nil
}
