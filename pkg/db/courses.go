package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/computor/course-tools/pkg/api"
)

// Courses persists api.Course rows.
type Courses struct {
	db *bun.DB
}

// Upsert creates the course or adopts the existing row with the same
// (family, path) pair.
func (r *Courses) Upsert(ctx context.Context, course *api.Course) error {
	_, err := r.db.NewInsert().Model(course).
		On("CONFLICT (course_family_id, path) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("description = EXCLUDED.description").
		Set("settings = EXCLUDED.settings").
		Set("updated_at = now()").
		Returning("*").
		Exec(ctx)
	return wrapError(err)
}

// Get returns the course by id with its family and organization loaded,
// which callers need to render the full provider path.
func (r *Courses) Get(ctx context.Context, id uuid.UUID) (*api.Course, error) {
	course := &api.Course{}
	err := r.db.NewSelect().Model(course).
		Relation("CourseFamily").
		Relation("CourseFamily.Organization").
		Where("c.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return course, nil
}

// GetByPath returns the course with the given path inside a family.
func (r *Courses) GetByPath(ctx context.Context, familyID uuid.UUID, path api.Path) (*api.Course, error) {
	course := &api.Course{}
	err := r.db.NewSelect().Model(course).
		Where("c.course_family_id = ?", familyID).
		Where("c.path = ?::ltree", path).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return course, nil
}

// SetGitLabProps writes back the provider identity of the course group.
func (r *Courses) SetGitLabProps(ctx context.Context, id uuid.UUID, props *api.GitLabProps) error {
	_, err := r.db.NewUpdate().Model((*api.Course)(nil)).
		Set("gitlab_properties = ?", props).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	return wrapError(err)
}

// SetProjects records the three provisioned course projects.
func (r *Courses) SetProjects(ctx context.Context, id uuid.UUID, projects *api.CourseProjects) error {
	_, err := r.db.NewUpdate().Model((*api.Course)(nil)).
		Set("projects = ?", projects).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	return wrapError(err)
}

// SetMemberGroups records the provisioned members subgroups.
func (r *Courses) SetMemberGroups(ctx context.Context, id uuid.UUID, groups *api.CourseMemberGroups) error {
	_, err := r.db.NewUpdate().Model((*api.Course)(nil)).
		Set("member_groups = ?", groups).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	return wrapError(err)
}
