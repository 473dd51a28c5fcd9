package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/computor/course-tools/pkg/api"
)

// History persists the append-only deployment audit trail. The type
// deliberately has no update or delete methods.
type History struct {
	db *bun.DB
}

// Append inserts a history entry.
func (r *History) Append(ctx context.Context, entry *api.DeploymentHistory) error {
	_, err := r.db.NewInsert().Model(entry).Exec(ctx)
	return wrapError(err)
}

// ListByDeployment returns the trail of one deployment in insertion
// order.
func (r *History) ListByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]*api.DeploymentHistory, error) {
	var entries []*api.DeploymentHistory
	err := r.db.NewSelect().Model(&entries).
		Where("dh.deployment_id = ?", deploymentID).
		OrderExpr("dh.created_at, dh.id").
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return entries, nil
}
