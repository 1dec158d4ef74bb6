package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/queryvault/queryvault/internal/auth"
	"github.com/queryvault/queryvault/internal/model"
)

// VerifyAPIKey authenticates a bearer credential against every workspace's
// Argon2id-hashed key and returns the matching workspace. Because the key
// is opaque and not namespaced by workspace, this scans all workspaces;
// QueryVault deployments are expected to have few enough tenants (per
// spec's multi-tenant-but-not-hyperscale scope) that this is acceptable.
// When there are no workspace rows at all, DummyVerify is invoked so that
// response timing does not reveal that no hash was checked.
func (db *DB) VerifyAPIKey(ctx context.Context, apiKey string) (model.Workspace, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, name, api_key_hash, created_at, retain_for_days FROM workspaces`)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("storage: verify api key: %w", err)
	}
	defer rows.Close()

	checked := false
	for rows.Next() {
		var ws model.Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.APIKeyHash, &ws.CreatedAt, &ws.RetainForDays); err != nil {
			return model.Workspace{}, fmt.Errorf("storage: scan workspace: %w", err)
		}
		checked = true
		ok, verr := auth.VerifyAPIKey(apiKey, ws.APIKeyHash)
		if verr != nil || !ok {
			continue
		}
		return ws, nil
	}
	if err := rows.Err(); err != nil {
		return model.Workspace{}, fmt.Errorf("storage: verify api key: %w", err)
	}
	if !checked {
		auth.DummyVerify()
	}
	return model.Workspace{}, fmt.Errorf("%w: no workspace matches api key", ErrUnauthorized)
}

// GetWorkspace fetches a workspace by ID.
func (db *DB) GetWorkspace(ctx context.Context, id uuid.UUID) (model.Workspace, error) {
	var ws model.Workspace
	err := db.pool.QueryRow(ctx, `SELECT id, name, api_key_hash, created_at, retain_for_days FROM workspaces WHERE id = $1`, id).
		Scan(&ws.ID, &ws.Name, &ws.APIKeyHash, &ws.CreatedAt, &ws.RetainForDays)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("%w: workspace %s: %v", ErrNotFound, id, err)
	}
	return ws, nil
}

// CreateWorkspace provisions a new tenant with a bearer API key, returning
// the stored workspace and the plaintext key, which is never persisted or
// retrievable again. Workspaces are externally provisioned per spec, but
// the core still needs a way to create them (admin tooling, tests).
func (db *DB) CreateWorkspace(ctx context.Context, name string, retainForDays int) (model.Workspace, string, error) {
	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		return model.Workspace{}, "", fmt.Errorf("storage: generate api key: %w", err)
	}
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return model.Workspace{}, "", fmt.Errorf("storage: hash api key: %w", err)
	}

	var ws model.Workspace
	err = db.pool.QueryRow(ctx, `
		INSERT INTO workspaces (name, api_key_hash, retain_for_days)
		VALUES ($1, $2, $3)
		RETURNING id, name, api_key_hash, created_at, retain_for_days`,
		name, hash, retainForDays,
	).Scan(&ws.ID, &ws.Name, &ws.APIKeyHash, &ws.CreatedAt, &ws.RetainForDays)
	if err != nil {
		return model.Workspace{}, "", fmt.Errorf("storage: create workspace: %w", err)
	}
	return ws, apiKey, nil
}
