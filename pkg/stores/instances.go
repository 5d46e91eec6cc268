package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/instanced/pkg/engine"
)

const instanceColumns = `id, owner_id, name, kind, address, port, status, status_message, healthy,
	configuration_id, resource_handle, project, region, profile, sealed_token, version, created_at, updated_at`

// instanceArgs returns the insert arguments in instanceColumns order.
func (s *SQLiteStore) instanceArgs(inst *engine.Instance) ([]interface{}, error) {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	now := s.now()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	inst.Version = 1

	profile, err := encodeProfile(inst.Profile)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		inst.ID, inst.OwnerID, inst.Name, string(inst.Kind), inst.Address, inst.Port,
		string(inst.Status), inst.StatusMessage, boolToInt(inst.Healthy),
		nullString(inst.ConfigurationID), inst.ResourceHandle, inst.Project, inst.Region,
		profile, inst.SealedToken, inst.Version, toMillis(inst.CreatedAt), toMillis(inst.UpdatedAt),
	}, nil
}

func validateInstance(inst *engine.Instance) error {
	if inst.OwnerID == "" {
		return engine.NewValidationError("owner_id", "owner is required")
	}
	if err := inst.Kind.Validate(); err != nil {
		return engine.NewValidationError("kind", err.Error())
	}
	if err := inst.Status.Validate(); err != nil {
		return engine.NewValidationError("status", err.Error())
	}
	return nil
}

// ReserveInstance implements engine.InstanceStore. The count and the insert are a
// single statement, so two concurrent reservations can never both pass the check.
func (s *SQLiteStore) ReserveInstance(ctx context.Context, inst *engine.Instance, limit int) error {
	if err := validateInstance(inst); err != nil {
		return err
	}
	args, err := s.instanceArgs(inst)
	if err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	query := fmt.Sprintf(`INSERT INTO instances (%s)
		SELECT %s
		WHERE (SELECT COUNT(*) FROM instances WHERE owner_id = ? AND kind = ?) < ?`,
		instanceColumns, placeholders)

	args = append(args, inst.OwnerID, string(inst.Kind), limit)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to reserve instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reserve instance: %w", err)
	}
	if n == 0 {
		return engine.ErrLimitExceeded.
			WithResource(inst.OwnerID).
			WithDetail("kind", string(inst.Kind)).
			WithDetail("limit", limit)
	}
	return nil
}

// CreateInstance implements engine.InstanceStore.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *engine.Instance) error {
	if err := validateInstance(inst); err != nil {
		return err
	}
	args, err := s.instanceArgs(inst)
	if err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	query := fmt.Sprintf(`INSERT INTO instances (%s) VALUES (%s)`, instanceColumns, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetInstance implements engine.InstanceStore.
func (s *SQLiteStore) GetInstance(ctx context.Context, ownerID, id string) (*engine.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = ? AND owner_id = ?`
	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// ListInstances implements engine.InstanceStore.
func (s *SQLiteStore) ListInstances(ctx context.Context, filter engine.InstanceFilter) ([]*engine.Instance, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WithHandle {
		where = append(where, "resource_handle <> ''")
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*engine.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

// UpdateInstance implements engine.InstanceStore.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *engine.Instance) error {
	if err := validateInstance(inst); err != nil {
		return err
	}
	profile, err := encodeProfile(inst.Profile)
	if err != nil {
		return err
	}
	now := s.now()

	res, err := s.db.ExecContext(ctx, `UPDATE instances SET
			name = ?, address = ?, port = ?, status = ?, status_message = ?, healthy = ?,
			configuration_id = ?, resource_handle = ?, project = ?, region = ?, profile = ?,
			sealed_token = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND owner_id = ? AND version = ?`,
		inst.Name, inst.Address, inst.Port, string(inst.Status), inst.StatusMessage, boolToInt(inst.Healthy),
		nullString(inst.ConfigurationID), inst.ResourceHandle, inst.Project, inst.Region, profile,
		inst.SealedToken, toMillis(now),
		inst.ID, inst.OwnerID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM instances WHERE id = ? AND owner_id = ?`, inst.ID, inst.OwnerID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("instance", inst.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}
		return engine.ErrVersionConflict.WithResource(inst.ID).WithDetail("version", inst.Version)
	}

	inst.Version++
	inst.UpdatedAt = now
	return nil
}

// DeleteInstance implements engine.InstanceStore.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	if n == 0 {
		return notFound("instance", id)
	}
	return nil
}

// ListOwnersWithCloudInstances implements engine.InstanceStore.
func (s *SQLiteStore) ListOwnersWithCloudInstances(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner_id FROM instances
		WHERE kind = 'cloud' AND resource_handle <> '' ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*engine.Instance, error) {
	var (
		inst      engine.Instance
		kind      string
		status    string
		healthy   int
		configID  sql.NullString
		profile   string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&inst.ID, &inst.OwnerID, &inst.Name, &kind, &inst.Address, &inst.Port,
		&status, &inst.StatusMessage, &healthy,
		&configID, &inst.ResourceHandle, &inst.Project, &inst.Region, &profile,
		&inst.SealedToken, &inst.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.Kind = engine.Kind(kind)
	inst.Status = engine.Status(status)
	inst.Healthy = healthy != 0
	inst.ConfigurationID = configID.String
	inst.CreatedAt = fromMillis(createdAt)
	inst.UpdatedAt = fromMillis(updatedAt)

	if profile != "" {
		var snap profileSnapshot
		if err := json.Unmarshal([]byte(profile), &snap); err != nil {
			return nil, fmt.Errorf("failed to decode profile snapshot: %w", err)
		}
		p := snap.ServiceProfile
		p.SealedAuthToken = snap.SealedAuthToken
		inst.Profile = &p
	}
	return &inst, nil
}

// profileSnapshot is the stored form of a profile snapshot. It carries the sealed
// token, which the API form of ServiceProfile hides.
type profileSnapshot struct {
	engine.ServiceProfile
	SealedAuthToken string `json:"sealed_auth_token,omitempty"`
}

func encodeProfile(p *engine.ServiceProfile) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(profileSnapshot{ServiceProfile: *p, SealedAuthToken: p.SealedAuthToken})
	if err != nil {
		return "", fmt.Errorf("failed to encode profile snapshot: %w", err)
	}
	return string(data), nil
}
