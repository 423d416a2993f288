// Package registrystore provides a concrete, sqlite-backed implementation
// of the device/vehicle registry's load/save contract. It is one legal
// implementation of Store, not the only one — the orchestrator depends on
// the interface and hydrates from whatever is injected at startup.
package registrystore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("registrystore: not found")

// Store is the narrow persistence contract the orchestrator hydrates from
// and saves to. Implementations need not be sqlite-backed; this package
// gives the repo one working reference.
type Store interface {
	LoadDevices() ([]battery.DeviceRecord, error)
	SaveDevice(record battery.DeviceRecord) error
	DeleteDevice(address battery.Address) error

	LoadVehicles() ([]battery.VehicleRecord, error)
	SaveVehicle(record battery.VehicleRecord) error
	DeleteVehicle(vehicleID string) error

	Close() error
}

// NoopStore is a Store that persists nothing, for deployments that run
// with storage.enabled: false — the orchestrator still has a registry to
// hydrate from (empty) and save to (discarded).
type NoopStore struct{}

func (NoopStore) LoadDevices() ([]battery.DeviceRecord, error)   { return nil, nil }
func (NoopStore) SaveDevice(battery.DeviceRecord) error          { return nil }
func (NoopStore) DeleteDevice(battery.Address) error             { return nil }
func (NoopStore) LoadVehicles() ([]battery.VehicleRecord, error) { return nil, nil }
func (NoopStore) SaveVehicle(battery.VehicleRecord) error        { return nil }
func (NoopStore) DeleteVehicle(string) error                     { return nil }
func (NoopStore) Close() error                                   { return nil }

var _ Store = NoopStore{}

// SQLiteStore implements Store over a local sqlite file via the pure-Go
// modernc.org/sqlite driver.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (or opens) the registry database at path and ensures its
// schema exists.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registrystore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registrystore: ping %s: %w", path, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS devices (
		address TEXT PRIMARY KEY,
		protocol TEXT NOT NULL,
		friendly_name TEXT,
		vehicle_id TEXT,
		status TEXT NOT NULL,
		discovered_at DATETIME,
		configured_at DATETIME,
		poll_cadence_ns INTEGER,
		retry_attempts INTEGER,
		retry_interval_ns INTEGER,
		post_drop_reconnect_delay_ns INTEGER,
		script_path TEXT
	);
	CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		name TEXT,
		created_at DATETIME,
		device_count INTEGER
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("registrystore: init schema: %w", err)
	}
	return nil
}

// LoadDevices returns every persisted device record.
func (s *SQLiteStore) LoadDevices() ([]battery.DeviceRecord, error) {
	rows, err := s.db.Query(`
		SELECT address, protocol, friendly_name, vehicle_id, status,
		       discovered_at, configured_at, poll_cadence_ns,
		       retry_attempts, retry_interval_ns, post_drop_reconnect_delay_ns,
		       script_path
		FROM devices
	`)
	if err != nil {
		return nil, fmt.Errorf("registrystore: load devices: %w", err)
	}
	defer rows.Close()

	var records []battery.DeviceRecord
	for rows.Next() {
		var (
			address, protocol, status string
			friendlyName, vehicleID   sql.NullString
			discoveredAt              sql.NullTime
			configuredAt              sql.NullTime
			pollCadenceNs             sql.NullInt64
			retryAttempts             sql.NullInt64
			retryIntervalNs           sql.NullInt64
			postDropDelayNs           sql.NullInt64
			scriptPath                sql.NullString
		)
		if err := rows.Scan(&address, &protocol, &friendlyName, &vehicleID, &status,
			&discoveredAt, &configuredAt, &pollCadenceNs,
			&retryAttempts, &retryIntervalNs, &postDropDelayNs, &scriptPath); err != nil {
			return nil, fmt.Errorf("registrystore: scan device row: %w", err)
		}

		record := battery.DeviceRecord{
			Address:  battery.Address(address),
			Protocol: battery.ProtocolFamily(protocol),
			Status:   battery.DeviceStatus(status),
			Policy:   battery.DefaultConnectionPolicy(),
		}
		if friendlyName.Valid {
			record.FriendlyName = friendlyName.String
		}
		if vehicleID.Valid {
			record.VehicleID = vehicleID.String
		}
		if discoveredAt.Valid {
			record.DiscoveredAt = discoveredAt.Time
		}
		if configuredAt.Valid {
			t := configuredAt.Time
			record.ConfiguredAt = &t
		}
		if pollCadenceNs.Valid {
			record.PollCadence = time.Duration(pollCadenceNs.Int64)
		}
		if retryAttempts.Valid {
			record.Policy.RetryAttempts = int(retryAttempts.Int64)
		}
		if retryIntervalNs.Valid {
			record.Policy.RetryInterval = time.Duration(retryIntervalNs.Int64)
		}
		if postDropDelayNs.Valid {
			record.Policy.PostDropReconnectDelay = time.Duration(postDropDelayNs.Int64)
		}
		if scriptPath.Valid {
			record.ScriptPath = scriptPath.String
		}

		records = append(records, record)
	}
	return records, rows.Err()
}

// SaveDevice upserts one device record.
func (s *SQLiteStore) SaveDevice(record battery.DeviceRecord) error {
	var configuredAt any
	if record.ConfiguredAt != nil {
		configuredAt = *record.ConfiguredAt
	}

	_, err := s.db.Exec(`
		INSERT INTO devices (
			address, protocol, friendly_name, vehicle_id, status,
			discovered_at, configured_at, poll_cadence_ns,
			retry_attempts, retry_interval_ns, post_drop_reconnect_delay_ns,
			script_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			protocol = excluded.protocol,
			friendly_name = excluded.friendly_name,
			vehicle_id = excluded.vehicle_id,
			status = excluded.status,
			discovered_at = excluded.discovered_at,
			configured_at = excluded.configured_at,
			poll_cadence_ns = excluded.poll_cadence_ns,
			retry_attempts = excluded.retry_attempts,
			retry_interval_ns = excluded.retry_interval_ns,
			post_drop_reconnect_delay_ns = excluded.post_drop_reconnect_delay_ns,
			script_path = excluded.script_path
	`,
		string(record.Address), string(record.Protocol), record.FriendlyName, record.VehicleID, string(record.Status),
		record.DiscoveredAt, configuredAt, int64(record.PollCadence),
		record.Policy.RetryAttempts, int64(record.Policy.RetryInterval), int64(record.Policy.PostDropReconnectDelay),
		record.ScriptPath,
	)
	if err != nil {
		return fmt.Errorf("registrystore: save device %s: %w", record.Address, err)
	}
	return nil
}

// DeleteDevice removes one device record.
func (s *SQLiteStore) DeleteDevice(address battery.Address) error {
	res, err := s.db.Exec(`DELETE FROM devices WHERE address = ?`, string(address))
	if err != nil {
		return fmt.Errorf("registrystore: delete device %s: %w", address, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadVehicles returns every persisted vehicle record.
func (s *SQLiteStore) LoadVehicles() ([]battery.VehicleRecord, error) {
	rows, err := s.db.Query(`SELECT id, name, created_at, device_count FROM vehicles`)
	if err != nil {
		return nil, fmt.Errorf("registrystore: load vehicles: %w", err)
	}
	defer rows.Close()

	var records []battery.VehicleRecord
	for rows.Next() {
		var id, name string
		var createdAt sql.NullTime
		var deviceCount sql.NullInt64
		if err := rows.Scan(&id, &name, &createdAt, &deviceCount); err != nil {
			return nil, fmt.Errorf("registrystore: scan vehicle row: %w", err)
		}

		record := battery.VehicleRecord{ID: id, Name: name}
		if createdAt.Valid {
			record.CreatedAt = createdAt.Time
		}
		if deviceCount.Valid {
			record.DeviceCount = int(deviceCount.Int64)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// SaveVehicle upserts one vehicle record.
func (s *SQLiteStore) SaveVehicle(record battery.VehicleRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO vehicles (id, name, created_at, device_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			created_at = excluded.created_at,
			device_count = excluded.device_count
	`, record.ID, record.Name, record.CreatedAt, record.DeviceCount)
	if err != nil {
		return fmt.Errorf("registrystore: save vehicle %s: %w", record.ID, err)
	}
	return nil
}

// DeleteVehicle removes one vehicle record.
func (s *SQLiteStore) DeleteVehicle(vehicleID string) error {
	res, err := s.db.Exec(`DELETE FROM vehicles WHERE id = ?`, vehicleID)
	if err != nil {
		return fmt.Errorf("registrystore: delete vehicle %s: %w", vehicleID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
