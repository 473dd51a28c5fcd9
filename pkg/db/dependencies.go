package db

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/computor/course-tools/pkg/api"
)

// Dependencies persists the edges of the example dependency graph.
// Acyclicity is enforced by the catalog service before edges are
// written and re-checked at plan time.
type Dependencies struct {
	db *bun.DB
}

// ReplaceForExample swaps the outgoing edges of an example for the
// given set in one transaction, which is how ingestion reconciles
// testDependencies on every new version.
func (r *Dependencies) ReplaceForExample(ctx context.Context, exampleID uuid.UUID, edges []*api.ExampleDependency) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*api.ExampleDependency)(nil)).
			Where("example_id = ?", exampleID).
			Exec(ctx); err != nil {
			return wrapError(err)
		}
		if len(edges) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&edges).Exec(ctx)
		return wrapError(err)
	})
}

// ListByExample returns the outgoing edges of an example with the
// target examples loaded.
func (r *Dependencies) ListByExample(ctx context.Context, exampleID uuid.UUID) ([]*api.ExampleDependency, error) {
	var edges []*api.ExampleDependency
	err := r.db.NewSelect().Model(&edges).
		Relation("Depends").
		Where("ed.example_id = ?", exampleID).
		OrderExpr("ed.created_at").
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return edges, nil
}

// ListByRepository returns every edge between examples of one
// repository, the input for whole-graph cycle checks.
func (r *Dependencies) ListByRepository(ctx context.Context, repositoryID uuid.UUID) ([]*api.ExampleDependency, error) {
	var edges []*api.ExampleDependency
	err := r.db.NewSelect().Model(&edges).
		Join("JOIN examples AS e ON e.id = ed.example_id").
		Where("e.example_repository_id = ?", repositoryID).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return edges, nil
}
