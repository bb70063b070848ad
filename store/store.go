// Package store keeps every neighbor node discovery has reported in a
// SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver

	"xbeectl/device/xbee"
)

// Sighting is a stored neighbor with its discovery history
type Sighting struct {
	xbee.Neighbor
	FirstSeen time.Time
	LastSeen  time.Time
	Count     int
}

// Store is the neighbor database
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS neighbors (
			address64       INTEGER PRIMARY KEY,
			address16       INTEGER NOT NULL,
			node_id         TEXT NOT NULL DEFAULT '',
			parent_address  INTEGER NOT NULL DEFAULT 0,
			device_type     INTEGER NOT NULL DEFAULT 0,
			status          INTEGER NOT NULL DEFAULT 0,
			profile_id      INTEGER NOT NULL DEFAULT 0,
			manufacturer_id INTEGER NOT NULL DEFAULT 0,
			first_seen_at   INTEGER NOT NULL,
			last_seen_at    INTEGER NOT NULL,
			seen_count      INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS neighbors_last_seen ON neighbors(last_seen_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate neighbors: %w", err)
	}
	return nil
}

// UpsertNeighbor records that n was seen at seenAt. The 64-bit address is
// the key; everything else is overwritten with the latest report.
func (s *Store) UpsertNeighbor(ctx context.Context, n xbee.Neighbor, seenAt time.Time) error {
	ms := seenAt.UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO neighbors(address64, address16, node_id, parent_address, device_type, status, profile_id, manufacturer_id, first_seen_at, last_seen_at, seen_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(address64) DO UPDATE SET
			address16 = excluded.address16,
			node_id = excluded.node_id,
			parent_address = excluded.parent_address,
			device_type = excluded.device_type,
			status = excluded.status,
			profile_id = excluded.profile_id,
			manufacturer_id = excluded.manufacturer_id,
			last_seen_at = excluded.last_seen_at,
			seen_count = neighbors.seen_count + 1
	`, int64(n.Address64()), int64(n.Address16), n.NodeID, int64(n.ParentAddress), int64(n.DeviceType),
		int64(n.Status), int64(n.ProfileID), int64(n.ManufacturerID), ms, ms)
	if err != nil {
		return fmt.Errorf("upsert neighbor %016X: %w", n.Address64(), err)
	}
	return nil
}

// ListNeighbors returns every stored neighbor, most recently seen first
func (s *Store) ListNeighbors(ctx context.Context) ([]Sighting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address64, address16, node_id, parent_address, device_type, status, profile_id, manufacturer_id, first_seen_at, last_seen_at, seen_count
		FROM neighbors
		ORDER BY last_seen_at DESC, address64
	`)
	if err != nil {
		return nil, fmt.Errorf("list neighbors: %w", err)
	}
	defer rows.Close()

	var out []Sighting
	for rows.Next() {
		var (
			rec                             Sighting
			addr64, addr16, parent          int64
			devType, status, profile, manuf int64
			firstMs, lastMs                 int64
		)
		if err := rows.Scan(&addr64, &addr16, &rec.NodeID, &parent, &devType, &status, &profile, &manuf, &firstMs, &lastMs, &rec.Count); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		rec.SerialHigh = uint32(uint64(addr64) >> 32)
		rec.SerialLow = uint32(addr64)
		rec.Address16 = uint16(addr16)
		rec.ParentAddress = uint16(parent)
		rec.DeviceType = byte(devType)
		rec.Status = byte(status)
		rec.ProfileID = uint16(profile)
		rec.ManufacturerID = uint16(manuf)
		rec.FirstSeen = time.UnixMilli(firstMs)
		rec.LastSeen = time.UnixMilli(lastMs)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate neighbors: %w", err)
	}
	return out, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
