package db

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/computor/course-tools/pkg/api"
)

// Versions persists example versions. version_number allocation happens
// here, inside a transaction, so numbers are strictly increasing per
// example no matter how many ingesters run.
type Versions struct {
	db *bun.DB
}

// Create allocates the next version_number for the example and inserts
// the version. A duplicate tag surfaces as Conflict.
func (r *Versions) Create(ctx context.Context, version *api.ExampleVersion) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var current sql.NullInt64
		if err := tx.NewSelect().Model((*api.ExampleVersion)(nil)).
			ColumnExpr("max(version_number)").
			Where("example_id = ?", version.ExampleID).
			Scan(ctx, &current); err != nil {
			return wrapError(err)
		}
		version.VersionNumber = int(current.Int64) + 1
		_, err := tx.NewInsert().Model(version).
			Returning("*").
			Exec(ctx)
		return wrapError(err)
	})
}

// Get returns the version by id with its example loaded.
func (r *Versions) Get(ctx context.Context, id uuid.UUID) (*api.ExampleVersion, error) {
	version := &api.ExampleVersion{}
	err := r.db.NewSelect().Model(version).
		Relation("Example").
		Where("ev.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return version, nil
}

// GetByTag returns the version of an example with the given tag.
func (r *Versions) GetByTag(ctx context.Context, exampleID uuid.UUID, tag string) (*api.ExampleVersion, error) {
	version := &api.ExampleVersion{}
	err := r.db.NewSelect().Model(version).
		Where("ev.example_id = ?", exampleID).
		Where("ev.version_tag = ?", tag).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return version, nil
}

// ListByExample returns all versions of an example in ascending
// version_number order.
func (r *Versions) ListByExample(ctx context.Context, exampleID uuid.UUID) ([]*api.ExampleVersion, error) {
	var versions []*api.ExampleVersion
	err := r.db.NewSelect().Model(&versions).
		Where("ev.example_id = ?", exampleID).
		OrderExpr("ev.version_number").
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return versions, nil
}

// Latest returns the version with the highest version_number, or
// NotFound when the example has no versions.
func (r *Versions) Latest(ctx context.Context, exampleID uuid.UUID) (*api.ExampleVersion, error) {
	version := &api.ExampleVersion{}
	err := r.db.NewSelect().Model(version).
		Where("ev.example_id = ?", exampleID).
		OrderExpr("ev.version_number DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return version, nil
}

// FindByContentHash returns the version of an example whose canonical
// content hash matches, letting ingestion skip unchanged uploads.
func (r *Versions) FindByContentHash(ctx context.Context, exampleID uuid.UUID, hash string) (*api.ExampleVersion, error) {
	version := &api.ExampleVersion{}
	err := r.db.NewSelect().Model(version).
		Where("ev.example_id = ?", exampleID).
		Where("ev.content_hash = ?", hash).
		OrderExpr("ev.version_number DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return version, nil
}
