package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openfroyo/instanced/pkg/engine"
)

// PutProviderCredentials implements engine.CredentialStore.
func (s *SQLiteStore) PutProviderCredentials(ctx context.Context, creds *engine.ProviderCredentials) error {
	if creds.OwnerID == "" {
		return engine.NewValidationError("owner_id", "owner is required")
	}
	if creds.Project == "" {
		return engine.NewValidationError("project", "project is required")
	}
	if creds.SealedKey == "" {
		return engine.NewValidationError("key", "credentials key is required")
	}
	creds.UpdatedAt = s.now()

	_, err := s.db.ExecContext(ctx, `INSERT INTO provider_credentials
			(owner_id, project, default_region, sealed_key, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, project) DO UPDATE SET
			default_region = excluded.default_region,
			sealed_key = excluded.sealed_key,
			updated_at = excluded.updated_at`,
		creds.OwnerID, creds.Project, creds.DefaultRegion, creds.SealedKey, toMillis(creds.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to store provider credentials: %w", err)
	}
	return nil
}

// GetProviderCredentials implements engine.CredentialStore.
func (s *SQLiteStore) GetProviderCredentials(ctx context.Context, ownerID, project string) (*engine.ProviderCredentials, error) {
	query := `SELECT owner_id, project, default_region, sealed_key, updated_at
		FROM provider_credentials WHERE owner_id = ?`
	args := []interface{}{ownerID}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	query += " ORDER BY updated_at DESC, project LIMIT 1"

	var (
		creds     engine.ProviderCredentials
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&creds.OwnerID, &creds.Project, &creds.DefaultRegion, &creds.SealedKey, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("provider credentials", ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider credentials: %w", err)
	}
	creds.UpdatedAt = fromMillis(updatedAt)
	return &creds, nil
}
