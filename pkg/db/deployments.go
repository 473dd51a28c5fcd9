package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/results"
)

// Deployments persists the 1:1 deployment record of submittable
// content. The schema-level trigger rejects rows for non-submittable
// content; Assign checks the same invariant up front so the failure
// surfaces as a typed Validation error instead of a driver error.
type Deployments struct {
	db *bun.DB
}

// Get returns the deployment by id.
func (r *Deployments) Get(ctx context.Context, id uuid.UUID) (*api.CourseContentDeployment, error) {
	deployment := &api.CourseContentDeployment{}
	err := r.db.NewSelect().Model(deployment).
		Relation("CourseContent").
		Relation("ExampleVersion").
		Where("ccd.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return deployment, nil
}

// GetByContent returns the deployment of a content node.
func (r *Deployments) GetByContent(ctx context.Context, contentID uuid.UUID) (*api.CourseContentDeployment, error) {
	deployment := &api.CourseContentDeployment{}
	err := r.db.NewSelect().Model(deployment).
		Relation("CourseContent").
		Relation("ExampleVersion").
		Where("ccd.course_content_id = ?", contentID).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return deployment, nil
}

// ListByCourse returns every deployment of a course ordered by content
// path, the summary the API serves and the deployer records against.
func (r *Deployments) ListByCourse(ctx context.Context, courseID uuid.UUID) ([]*api.CourseContentDeployment, error) {
	var deployments []*api.CourseContentDeployment
	err := r.db.NewSelect().Model(&deployments).
		Relation("CourseContent").
		Relation("ExampleVersion").
		Relation("ExampleVersion.Example").
		Join("JOIN course_contents AS cc ON cc.id = ccd.course_content_id").
		Where("cc.course_id = ?", courseID).
		OrderExpr("cc.path").
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return deployments, nil
}

// ListActive returns deployments in states the status sweeper has to
// re-examine, with content and version loaded.
func (r *Deployments) ListActive(ctx context.Context) ([]*api.CourseContentDeployment, error) {
	var deployments []*api.CourseContentDeployment
	err := r.db.NewSelect().Model(&deployments).
		Relation("CourseContent").
		Relation("ExampleVersion").
		Where("ccd.status IN (?)", bun.In([]api.DeploymentStatus{
			api.DeploymentAssigned,
			api.DeploymentDeployed,
			api.DeploymentOutdated,
		})).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return deployments, nil
}

// SetStatus moves the deployment into the given status, optionally
// recording the driving workflow.
func (r *Deployments) SetStatus(ctx context.Context, id uuid.UUID, status api.DeploymentStatus, workflowID string) error {
	query := r.db.NewUpdate().Model((*api.CourseContentDeployment)(nil)).
		Set("status = ?", status).
		Set("updated_at = now()").
		Where("id = ?", id)
	if workflowID != "" {
		query = query.Set("workflow_id = ?", workflowID)
	}
	_, err := query.Exec(ctx)
	return wrapError(err)
}

// MarkDeployed records a successful deployment: status, timestamp, the
// deployed path and the attempt metadata.
func (r *Deployments) MarkDeployed(ctx context.Context, id uuid.UUID, deployedPath api.Path, metadata *api.DeploymentMetadata) error {
	now := time.Now()
	_, err := r.db.NewUpdate().Model((*api.CourseContentDeployment)(nil)).
		Set("status = ?", api.DeploymentDeployed).
		Set("deployed_at = ?", now).
		Set("deployed_path = ?::ltree", deployedPath).
		Set("last_deployment_metadata = ?", metadata).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	return wrapError(err)
}

// MarkFailed records a failed deployment attempt with its error
// metadata.
func (r *Deployments) MarkFailed(ctx context.Context, id uuid.UUID, metadata *api.DeploymentMetadata) error {
	_, err := r.db.NewUpdate().Model((*api.CourseContentDeployment)(nil)).
		Set("status = ?", api.DeploymentFailed).
		Set("last_deployment_metadata = ?", metadata).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	return wrapError(err)
}

// AssignExample creates or updates the deployment of a submittable
// content node, binds the version on the content row and appends the
// assigned history entry, all in one transaction.
func (d *Database) AssignExample(ctx context.Context, contentID, versionID uuid.UUID, actor string) (*api.CourseContentDeployment, error) {
	var deployment *api.CourseContentDeployment
	err := d.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		content := &api.CourseContent{}
		if err := tx.NewSelect().Model(content).Where("cc.id = ?", contentID).Scan(ctx); err != nil {
			return wrapError(err)
		}
		if !content.Submittable {
			return results.ForReason(results.ReasonValidation).
				ForError(fmt.Errorf("content %s at %s is not submittable", contentID, content.Path))
		}
		version := &api.ExampleVersion{}
		if err := tx.NewSelect().Model(version).Where("ev.id = ?", versionID).Scan(ctx); err != nil {
			return wrapError(err)
		}

		deployment = &api.CourseContentDeployment{
			CourseContentID:  contentID,
			ExampleVersionID: &versionID,
			Status:           api.DeploymentAssigned,
		}
		if _, err := tx.NewInsert().Model(deployment).
			On("CONFLICT (course_content_id) DO UPDATE").
			Set("example_version_id = EXCLUDED.example_version_id").
			Set("status = EXCLUDED.status").
			Set("updated_at = now()").
			Returning("*").
			Exec(ctx); err != nil {
			return wrapError(err)
		}
		if _, err := tx.NewUpdate().Model((*api.CourseContent)(nil)).
			Set("example_id = ?", version.ExampleID).
			Set("example_version_id = ?", versionID).
			Set("updated_at = now()").
			Where("id = ?", contentID).
			Exec(ctx); err != nil {
			return wrapError(err)
		}

		history := &api.DeploymentHistory{
			DeploymentID:     deployment.ID,
			Action:           api.ActionAssigned,
			ExampleVersionID: &versionID,
			Actor:            actor,
			Details:          map[string]interface{}{"version_tag": version.VersionTag},
		}
		if _, err := tx.NewInsert().Model(history).Exec(ctx); err != nil {
			return wrapError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deployment, nil
}

// UnassignExample clears the version binding of a content node, moves
// the deployment to unassigned and appends the matching history entry.
func (d *Database) UnassignExample(ctx context.Context, contentID uuid.UUID, actor string) (*api.CourseContentDeployment, error) {
	var deployment *api.CourseContentDeployment
	err := d.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		deployment = &api.CourseContentDeployment{}
		if err := tx.NewSelect().Model(deployment).
			Where("ccd.course_content_id = ?", contentID).
			Scan(ctx); err != nil {
			return wrapError(err)
		}
		previousVersion := deployment.ExampleVersionID
		if _, err := tx.NewUpdate().Model(deployment).
			Set("example_version_id = NULL").
			Set("status = ?", api.DeploymentUnassigned).
			Set("updated_at = now()").
			WherePK().
			Returning("*").
			Exec(ctx); err != nil {
			return wrapError(err)
		}
		if _, err := tx.NewUpdate().Model((*api.CourseContent)(nil)).
			Set("example_id = NULL").
			Set("example_version_id = NULL").
			Set("updated_at = now()").
			Where("id = ?", contentID).
			Exec(ctx); err != nil {
			return wrapError(err)
		}
		history := &api.DeploymentHistory{
			DeploymentID:     deployment.ID,
			Action:           api.ActionUnassigned,
			ExampleVersionID: previousVersion,
			Actor:            actor,
		}
		if _, err := tx.NewInsert().Model(history).Exec(ctx); err != nil {
			return wrapError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deployment, nil
}
