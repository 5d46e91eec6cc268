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

// SaveConfiguration implements engine.ConfigurationStore. The configuration and its
// variables are replaced as a unit.
func (s *SQLiteStore) SaveConfiguration(ctx context.Context, cfg *engine.Configuration) error {
	if cfg.OwnerID == "" {
		return engine.NewValidationError("owner_id", "owner is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	ports, err := json.Marshal(cfg.Ports)
	if err != nil {
		return fmt.Errorf("failed to encode ports: %w", err)
	}
	if cfg.Ports == nil {
		ports = []byte("[]")
	}

	now := s.now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT owner_id FROM configurations WHERE id = ?`, cfg.ID).Scan(&owner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to look up configuration: %w", err)
		case owner != cfg.OwnerID:
			return notFound("configuration", cfg.ID)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO configurations
				(id, owner_id, name, source_url, sealed_credentials, reference, ports, preview_url, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				source_url = excluded.source_url,
				sealed_credentials = excluded.sealed_credentials,
				reference = excluded.reference,
				ports = excluded.ports,
				preview_url = excluded.preview_url,
				updated_at = excluded.updated_at`,
			cfg.ID, cfg.OwnerID, cfg.Name, cfg.SourceURL, cfg.SealedCredentials, cfg.Reference,
			string(ports), cfg.PreviewURL, toMillis(cfg.CreatedAt), toMillis(cfg.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM configuration_variables WHERE configuration_id = ?`, cfg.ID); err != nil {
			return fmt.Errorf("failed to clear variables: %w", err)
		}
		for i, v := range cfg.Variables {
			_, err := tx.ExecContext(ctx, `INSERT INTO configuration_variables
					(configuration_id, key, value, encrypted, position) VALUES (?, ?, ?, ?, ?)`,
				cfg.ID, v.Key, v.Value, boolToInt(v.Encrypted), i)
			if err != nil {
				return fmt.Errorf("failed to save variable %q: %w", v.Key, err)
			}
		}
		return nil
	})
}

// GetConfiguration implements engine.ConfigurationStore.
func (s *SQLiteStore) GetConfiguration(ctx context.Context, ownerID, id string) (*engine.Configuration, error) {
	var (
		cfg       engine.Configuration
		ports     string
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, owner_id, name, source_url, sealed_credentials, reference,
			ports, preview_url, created_at, updated_at
		FROM configurations WHERE id = ? AND owner_id = ?`, id, ownerID).Scan(
		&cfg.ID, &cfg.OwnerID, &cfg.Name, &cfg.SourceURL, &cfg.SealedCredentials, &cfg.Reference,
		&ports, &cfg.PreviewURL, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("configuration", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	if err := json.Unmarshal([]byte(ports), &cfg.Ports); err != nil {
		return nil, fmt.Errorf("failed to decode ports: %w", err)
	}
	cfg.CreatedAt = fromMillis(createdAt)
	cfg.UpdatedAt = fromMillis(updatedAt)

	rows, err := s.db.QueryContext(ctx, `SELECT key, value, encrypted FROM configuration_variables
		WHERE configuration_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load variables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			v         engine.Variable
			encrypted int
		)
		if err := rows.Scan(&v.Key, &v.Value, &encrypted); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		v.Encrypted = encrypted != 0
		cfg.Variables = append(cfg.Variables, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load variables: %w", err)
	}
	return &cfg, nil
}

// DeleteConfiguration implements engine.ConfigurationStore. Instances that had the
// configuration attached lose it, and active ones fall back to idle.
func (s *SQLiteStore) DeleteConfiguration(ctx context.Context, ownerID, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE instances
			SET status = CASE WHEN status = 'active' THEN 'idle' ELSE status END,
				configuration_id = NULL,
				version = version + 1,
				updated_at = ?
			WHERE configuration_id = ? AND owner_id = ?`, toMillis(s.now()), id, ownerID)
		if err != nil {
			return fmt.Errorf("failed to detach configuration: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM configurations WHERE id = ? AND owner_id = ?`, id, ownerID)
		if err != nil {
			return fmt.Errorf("failed to delete configuration: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to delete configuration: %w", err)
		}
		if n == 0 {
			return notFound("configuration", id)
		}
		return nil
	})
}
