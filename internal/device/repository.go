package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines device persistence operations.
type Repository interface {
	// List returns all known devices.
	List(ctx context.Context) ([]Device, error)

	// Get returns a device by UUID. Returns ErrNotFound if absent.
	Get(ctx context.Context, uuid string) (*Device, error)

	// Create inserts a new device. Returns ErrAlreadyExists on UUID clash.
	Create(ctx context.Context, dev *Device) error

	// Update rewrites a device row. Returns ErrNotFound if absent.
	Update(ctx context.Context, dev *Device) error

	// Delete removes a device. Returns ErrNotFound if absent.
	Delete(ctx context.Context, uuid string) error
}

// SQLiteRepository persists devices in the bridge's SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open database handle.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `uuid, name, host, key, transport, poll_interval_seconds,
	model, firmware_version, hardware_version, mac_address, abilities,
	created_at, updated_at`

// List returns all known devices ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var devices []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Get returns a device by UUID.
func (r *SQLiteRepository) Get(ctx context.Context, uuid string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE uuid = ?`, uuid)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return dev, err
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, dev *Device) error {
	if err := validate(dev); err != nil {
		return err
	}
	abilities, err := marshalAbilities(dev.Abilities)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	dev.CreatedAt = now
	dev.UpdatedAt = now

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dev.UUID, dev.Name, dev.Host, dev.Key, string(dev.Transport),
		int(dev.PollInterval/time.Second),
		dev.Model, dev.FirmwareVersion, dev.HardwareVersion, dev.MACAddress,
		abilities, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, dev.UUID)
		}
		return fmt.Errorf("creating device: %w", err)
	}
	return nil
}

// Update rewrites a device row.
func (r *SQLiteRepository) Update(ctx context.Context, dev *Device) error {
	if err := validate(dev); err != nil {
		return err
	}
	abilities, err := marshalAbilities(dev.Abilities)
	if err != nil {
		return err
	}

	dev.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET name = ?, host = ?, key = ?, transport = ?,
		 poll_interval_seconds = ?, model = ?, firmware_version = ?,
		 hardware_version = ?, mac_address = ?, abilities = ?, updated_at = ?
		 WHERE uuid = ?`,
		dev.Name, dev.Host, dev.Key, string(dev.Transport),
		int(dev.PollInterval/time.Second),
		dev.Model, dev.FirmwareVersion, dev.HardwareVersion, dev.MACAddress,
		abilities, dev.UpdatedAt, dev.UUID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return requireRow(result, dev.UUID)
}

// Delete removes a device.
func (r *SQLiteRepository) Delete(ctx context.Context, uuid string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireRow(result, uuid)
}

// requireRow converts "zero rows affected" into ErrNotFound.
func requireRow(result sql.Result, uuid string) error {
	count, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return nil
}

func validate(dev *Device) error {
	if dev.UUID == "" {
		return fmt.Errorf("%w: uuid required", ErrInvalidDevice)
	}
	if !dev.Transport.Valid() {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidDevice, dev.Transport)
	}
	return nil
}

func marshalAbilities(catalog AbilityCatalog) (string, error) {
	if catalog == nil {
		return "", nil
	}
	data, err := json.Marshal(catalog)
	if err != nil {
		return "", fmt.Errorf("encoding abilities: %w", err)
	}
	return string(data), nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*Device, error) {
	var (
		dev          Device
		transport    string
		pollSeconds  int
		abilitiesRaw string
	)
	err := s.Scan(
		&dev.UUID, &dev.Name, &dev.Host, &dev.Key, &transport, &pollSeconds,
		&dev.Model, &dev.FirmwareVersion, &dev.HardwareVersion, &dev.MACAddress,
		&abilitiesRaw, &dev.CreatedAt, &dev.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	dev.Transport = TransportMode(transport)
	dev.PollInterval = time.Duration(pollSeconds) * time.Second
	if abilitiesRaw != "" {
		if err := json.Unmarshal([]byte(abilitiesRaw), &dev.Abilities); err != nil {
			return nil, fmt.Errorf("decoding abilities for %s: %w", dev.UUID, err)
		}
	}
	return &dev, nil
}
