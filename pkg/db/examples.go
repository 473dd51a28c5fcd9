package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/computor/course-tools/pkg/api"
)

// ExampleRepositories persists the named sources of examples.
type ExampleRepositories struct {
	db *bun.DB
}

// Create inserts a repository.
func (r *ExampleRepositories) Create(ctx context.Context, repository *api.ExampleRepository) error {
	_, err := r.db.NewInsert().Model(repository).
		Returning("*").
		Exec(ctx)
	return wrapError(err)
}

// Get returns the repository by id.
func (r *ExampleRepositories) Get(ctx context.Context, id uuid.UUID) (*api.ExampleRepository, error) {
	repository := &api.ExampleRepository{}
	err := r.db.NewSelect().Model(repository).Where("er.id = ?", id).Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return repository, nil
}

// List returns all repositories.
func (r *ExampleRepositories) List(ctx context.Context) ([]*api.ExampleRepository, error) {
	var repositories []*api.ExampleRepository
	err := r.db.NewSelect().Model(&repositories).OrderExpr("er.name").Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return repositories, nil
}

// Examples persists the example catalog entries.
type Examples struct {
	db *bun.DB
}

// Create inserts an example; a duplicate (repository, identifier) pair
// surfaces as Conflict.
func (r *Examples) Create(ctx context.Context, example *api.Example) error {
	_, err := r.db.NewInsert().Model(example).
		Returning("*").
		Exec(ctx)
	return wrapError(err)
}

// Update refreshes the descriptive fields of an example.
func (r *Examples) Update(ctx context.Context, example *api.Example) error {
	_, err := r.db.NewUpdate().Model(example).
		Column("title", "description", "subject", "tags").
		Set("updated_at = now()").
		WherePK().
		Exec(ctx)
	return wrapError(err)
}

// Get returns the example by id.
func (r *Examples) Get(ctx context.Context, id uuid.UUID) (*api.Example, error) {
	example := &api.Example{}
	err := r.db.NewSelect().Model(example).Where("e.id = ?", id).Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return example, nil
}

// GetByIdentifier resolves an example by its hierarchical identifier
// within one repository.
func (r *Examples) GetByIdentifier(ctx context.Context, repositoryID uuid.UUID, identifier api.Path) (*api.Example, error) {
	example := &api.Example{}
	err := r.db.NewSelect().Model(example).
		Where("e.example_repository_id = ?", repositoryID).
		Where("e.identifier = ?::ltree", identifier).
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return example, nil
}

// ListByRepository returns the examples of one repository ordered by
// identifier.
func (r *Examples) ListByRepository(ctx context.Context, repositoryID uuid.UUID) ([]*api.Example, error) {
	var examples []*api.Example
	err := r.db.NewSelect().Model(&examples).
		Where("e.example_repository_id = ?", repositoryID).
		OrderExpr("e.identifier").
		Scan(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return examples, nil
}

// Delete removes an example. Versions and dependency edges cascade;
// deployments keep their rows with a cleared version reference, which
// the sweeper later reports as orphaned.
func (r *Examples) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.NewDelete().Model((*api.Example)(nil)).Where("id = ?", id).Exec(ctx)
	return wrapError(err)
}
