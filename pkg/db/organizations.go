package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/computor/course-tools/pkg/api"
)

// Organizations persists api.Organization rows.
type Organizations struct {
	db *bun.DB
}

// Upsert creates the organization or, when its path already exists,
// adopts the existing row and refreshes name and description. The model
// is populated with the stored row either way, which is what makes the
// provisioning activity idempotent.
func (r *Organizations) Upsert(ctx context.Context, org *api.Organization) error {
	_, err := r.db.NewInsert().Model(org).
		On("CONFLICT (path) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("description = EXCLUDED.description").
		Set("updated_at = now()").
		Returning("*").
		Exec(ctx)
	return wrapError(err)
}

// Get returns the organization by id.
func (r *Organizations) Get(ctx context.Context, id uuid.UUID) (*api.Organization, error) {
	org := &api.Organization{}
	err := r.db.NewSelect().Model(org).Where("org.id = ?", id).Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return org, nil
}

// GetByPath returns the organization with the given root path.
func (r *Organizations) GetByPath(ctx context.Context, path api.Path) (*api.Organization, error) {
	org := &api.Organization{}
	err := r.db.NewSelect().Model(org).Where("org.path = ?::ltree", path).Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return org, nil
}

// SetGitLabProps writes back the provider identity cached on the
// organization.
func (r *Organizations) SetGitLabProps(ctx context.Context, id uuid.UUID, props *api.GitLabProps) error {
	_, err := r.db.NewUpdate().Model((*api.Organization)(nil)).
		Set("gitlab_properties = ?", props).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	return wrapError(err)
}

// Archive soft-deletes the organization.
func (r *Organizations) Archive(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.NewDelete().Model((*api.Organization)(nil)).Where("id = ?", id).Exec(ctx)
	return wrapError(err)
}
