package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Instance is one managed instance as recorded in the registry.
type Instance struct {
	Name        string
	PID         int
	APISocket   string
	JailPath    string
	ContainerID string
	IPAddress   string
	Gateway     string
	TapDevice   string
	VCPUCount   int
	MemSizeMiB  int
	Description string
	FloatingIP  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const instanceColumns = `name, pid, api_socket, jail_path, container_id, ip_address,
	gateway, tap_device, vcpu_count, mem_size_mib, description, floating_ip,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*Instance, error) {
	in := &Instance{}
	err := row.Scan(
		&in.Name, &in.PID, &in.APISocket, &in.JailPath, &in.ContainerID, &in.IPAddress,
		&in.Gateway, &in.TapDevice, &in.VCPUCount, &in.MemSizeMiB, &in.Description, &in.FloatingIP,
		&in.CreatedAt, &in.UpdatedAt,
	)
	return in, err
}

// GetInstance returns the instance called name.
func (s *Store) GetInstance(ctx context.Context, name string) (*Instance, error) {
	in, err := scanInstance(s.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM instances WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", name, err)
	}
	return in, nil
}

// ListInstances returns every instance ordered by creation time, then name.
func (s *Store) ListInstances(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+instanceColumns+" FROM instances ORDER BY created_at ASC, name ASC")
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

// PutInstance inserts or replaces an instance. CreatedAt is kept from the
// existing row on update and defaults to now on insert.
func (s *Store) PutInstance(ctx context.Context, in *Instance) error {
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			pid = excluded.pid,
			api_socket = excluded.api_socket,
			jail_path = excluded.jail_path,
			container_id = excluded.container_id,
			ip_address = excluded.ip_address,
			gateway = excluded.gateway,
			tap_device = excluded.tap_device,
			vcpu_count = excluded.vcpu_count,
			mem_size_mib = excluded.mem_size_mib,
			description = excluded.description,
			floating_ip = excluded.floating_ip,
			updated_at = excluded.updated_at
	`, in.Name, in.PID, in.APISocket, in.JailPath, in.ContainerID, in.IPAddress,
		in.Gateway, in.TapDevice, in.VCPUCount, in.MemSizeMiB, in.Description, in.FloatingIP,
		in.CreatedAt.UTC(), in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put instance %s: %w", in.Name, err)
	}
	return nil
}

// DeleteInstance removes an instance. It reports whether a row existed.
func (s *Store) DeleteInstance(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM instances WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("delete instance %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateDescription sets the free-text description of an instance.
func (s *Store) UpdateDescription(ctx context.Context, name, text string) error {
	return s.updateColumn(ctx, name, "description", text)
}

// SetFloatingIP records (or clears, with "") the floating IP of an instance.
func (s *Store) SetFloatingIP(ctx context.Context, name, ip string) error {
	return s.updateColumn(ctx, name, "floating_ip", ip)
}

// UpdatePID records the runtime process id; 0 means not running.
func (s *Store) UpdatePID(ctx context.Context, name string, pid int) error {
	return s.updateColumn(ctx, name, "pid", pid)
}

// UpdateResources records a new flavor.
func (s *Store) UpdateResources(ctx context.Context, name string, vcpus, memMiB int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET vcpu_count = ?, mem_size_mib = ?, updated_at = ?
		WHERE name = ?
	`, vcpus, memMiB, time.Now().UTC(), name)
	return checkUpdated(res, err, name, "resources")
}

// column is always one of the literals above, never user input.
func (s *Store) updateColumn(ctx context.Context, name, column string, value any) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE instances SET "+column+" = ?, updated_at = ? WHERE name = ?",
		value, time.Now().UTC(), name)
	return checkUpdated(res, err, name, column)
}

func checkUpdated(res sql.Result, err error, name, what string) error {
	if err != nil {
		return fmt.Errorf("update %s of %s: %w", what, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// InstanceCount returns the number of registered instances.
func (s *Store) InstanceCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM instances").Scan(&n); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}
