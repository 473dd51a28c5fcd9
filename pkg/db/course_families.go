package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/computor/course-tools/pkg/api"
)

// CourseFamilies persists api.CourseFamily rows.
type CourseFamilies struct {
	db *bun.DB
}

// Upsert creates the course family or adopts the existing row with the
// same (organization, path) pair.
func (r *CourseFamilies) Upsert(ctx context.Context, family *api.CourseFamily) error {
	_, err := r.db.NewInsert().Model(family).
		On("CONFLICT (organization_id, path) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("description = EXCLUDED.description").
		Set("updated_at = now()").
		Returning("*").
		Exec(ctx)
	return wrapError(err)
}

// Get returns the course family by id, including its organization.
func (r *CourseFamilies) Get(ctx context.Context, id uuid.UUID) (*api.CourseFamily, error) {
	family := &api.CourseFamily{}
	err := r.db.NewSelect().Model(family).
		Relation("Organization").
		Where("cf.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return family, nil
}

// GetByPath returns the family with the given path inside an
// organization.
func (r *CourseFamilies) GetByPath(ctx context.Context, organizationID uuid.UUID, path api.Path) (*api.CourseFamily, error) {
	family := &api.CourseFamily{}
	err := r.db.NewSelect().Model(family).
		Where("cf.organization_id = ?", organizationID).
		Where("cf.path = ?::ltree", path).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return family, nil
}

// SetGitLabProps writes back the provider identity cached on the
// course family.
func (r *CourseFamilies) SetGitLabProps(ctx context.Context, id uuid.UUID, props *api.GitLabProps) error {
	_, err := r.db.NewUpdate().Model((*api.CourseFamily)(nil)).
		Set("gitlab_properties = ?", props).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	return wrapError(err)
}
