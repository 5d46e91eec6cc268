package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/instanced/pkg/engine"
)

const profileColumns = `id, owner_id, name, image, memory_mib, cpu, concurrency, max_scale, port,
	region, sealed_auth_token, env, created_at, updated_at`

// SaveProfile implements engine.ProfileStore. Profiles are unique per owner and name;
// saving an existing name updates it in place and keeps its id.
func (s *SQLiteStore) SaveProfile(ctx context.Context, p *engine.ServiceProfile) error {
	if p.Name == "" {
		return engine.NewValidationError("name", "profile name is required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	env := []byte("{}")
	if len(p.Env) > 0 {
		var err error
		if env, err = json.Marshal(p.Env); err != nil {
			return fmt.Errorf("failed to encode env: %w", err)
		}
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	var id string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO service_profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, name) DO UPDATE SET
			image = excluded.image,
			memory_mib = excluded.memory_mib,
			cpu = excluded.cpu,
			concurrency = excluded.concurrency,
			max_scale = excluded.max_scale,
			port = excluded.port,
			region = excluded.region,
			sealed_auth_token = excluded.sealed_auth_token,
			env = excluded.env,
			updated_at = excluded.updated_at
		RETURNING id, created_at`,
		p.ID, p.OwnerID, p.Name, p.Image, p.MemoryMiB, p.CPU, p.Concurrency, p.MaxScale, p.Port,
		p.Region, p.SealedAuthToken, string(env), toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	).Scan(&id, &createdAt)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	p.ID = id
	p.CreatedAt = fromMillis(createdAt)
	return nil
}

// GetProfile implements engine.ProfileStore.
func (s *SQLiteStore) GetProfile(ctx context.Context, ownerID, idOrName string) (*engine.ServiceProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM service_profiles
		WHERE (id = ? OR name = ?) AND (owner_id = ? OR owner_id = '')
		ORDER BY id = ? DESC, owner_id = '' ASC
		LIMIT 1`, idOrName, idOrName, ownerID, idOrName)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("profile", idOrName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// ListProfiles implements engine.ProfileStore. It returns the owner's profiles and
// the shared catalog.
func (s *SQLiteStore) ListProfiles(ctx context.Context, ownerID string) ([]*engine.ServiceProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM service_profiles
		WHERE owner_id = ? OR owner_id = '' ORDER BY name, owner_id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*engine.ServiceProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func scanProfile(row rowScanner) (*engine.ServiceProfile, error) {
	var (
		p         engine.ServiceProfile
		env       string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Image, &p.MemoryMiB, &p.CPU, &p.Concurrency,
		&p.MaxScale, &p.Port, &p.Region, &p.SealedAuthToken, &env, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if env != "" && env != "{}" {
		if err := json.Unmarshal([]byte(env), &p.Env); err != nil {
			return nil, fmt.Errorf("failed to decode env: %w", err)
		}
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}
