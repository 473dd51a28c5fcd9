package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/results"
)

// CourseContents persists the content tree of a course.
type CourseContents struct {
	db *bun.DB
}

// Create inserts a content node after checking the tree invariant:
// nodes below the root level require an existing parent.
func (r *CourseContents) Create(ctx context.Context, content *api.CourseContent) error {
	if content.Path.NLevel() > 1 {
		exists, err := r.db.NewSelect().Model((*api.CourseContent)(nil)).
			Where("course_id = ?", content.CourseID).
			Where("path = ?::ltree", content.Path.Parent()).
			Exists(ctx)
		if err != nil {
			return wrapError(err)
		}
		if !exists {
			return results.ForReason(results.ReasonValidation).
				ForError(fmt.Errorf("parent %s of content path %s does not exist", content.Path.Parent(), content.Path))
		}
	}
	_, err := r.db.NewInsert().Model(content).
		Returning("*").
		Exec(ctx)
	return wrapError(err)
}

// Get returns the content node by id with its example binding loaded.
func (r *CourseContents) Get(ctx context.Context, id uuid.UUID) (*api.CourseContent, error) {
	content := &api.CourseContent{}
	err := r.db.NewSelect().Model(content).
		Relation("Example").
		Relation("ExampleVersion").
		Where("cc.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return content, nil
}

// ListByCourse returns the whole content tree ordered by path.
func (r *CourseContents) ListByCourse(ctx context.Context, courseID uuid.UUID) ([]*api.CourseContent, error) {
	var contents []*api.CourseContent
	err := r.db.NewSelect().Model(&contents).
		Where("cc.course_id = ?", courseID).
		OrderExpr("cc.path").
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return contents, nil
}

// ListSubmittableByCourse returns the submittable leaves ordered by
// path, with example bindings loaded. This is the planner's input.
func (r *CourseContents) ListSubmittableByCourse(ctx context.Context, courseID uuid.UUID) ([]*api.CourseContent, error) {
	var contents []*api.CourseContent
	err := r.db.NewSelect().Model(&contents).
		Relation("Example").
		Relation("ExampleVersion").
		Where("cc.course_id = ?", courseID).
		Where("cc.submittable").
		OrderExpr("cc.path").
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return contents, nil
}

// BindExample records the example binding on the content node itself.
// The deployment record is maintained separately by Database.Assign.
func (r *CourseContents) BindExample(ctx context.Context, id uuid.UUID, exampleID, versionID *uuid.UUID) error {
	_, err := r.db.NewUpdate().Model((*api.CourseContent)(nil)).
		Set("example_id = ?", exampleID).
		Set("example_version_id = ?", versionID).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	return wrapError(err)
}
