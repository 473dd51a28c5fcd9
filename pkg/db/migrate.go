package db

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/computor/course-tools/pkg/api"
)

// tables lists every entity model in creation order. Referenced tables
// come first so foreign keys can be added right after creation.
var tables = []interface{}{
	(*api.Organization)(nil),
	(*api.CourseFamily)(nil),
	(*api.Course)(nil),
	(*api.CourseContent)(nil),
	(*api.CourseContentDeployment)(nil),
	(*api.DeploymentHistory)(nil),
	(*api.ExampleRepository)(nil),
	(*api.Example)(nil),
	(*api.ExampleVersion)(nil),
	(*api.ExampleDependency)(nil),
}

// constraints holds the pieces bun's table builder does not express:
// the ltree extension, foreign keys with their delete behavior, the
// trigger enforcing deployment exclusivity and the partial index that
// makes workflow ids unique while running. Everything is idempotent so
// Migrate can run on every startup.
var constraints = []string{
	`CREATE EXTENSION IF NOT EXISTS ltree`,

	addForeignKey("course_families", "course_families_organization_fk",
		"FOREIGN KEY (organization_id) REFERENCES organizations (id) ON DELETE CASCADE"),
	addForeignKey("courses", "courses_family_fk",
		"FOREIGN KEY (course_family_id) REFERENCES course_families (id) ON DELETE CASCADE"),
	addForeignKey("course_contents", "course_contents_course_fk",
		"FOREIGN KEY (course_id) REFERENCES courses (id) ON DELETE CASCADE"),
	addForeignKey("course_content_deployments", "course_content_deployments_content_fk",
		"FOREIGN KEY (course_content_id) REFERENCES course_contents (id) ON DELETE CASCADE"),
	// Deleting an example cascades into its versions; deployments keep
	// their row but lose the version reference, which is how the
	// sweeper observes orphaned content.
	addForeignKey("course_content_deployments", "course_content_deployments_version_fk",
		"FOREIGN KEY (example_version_id) REFERENCES example_versions (id) ON DELETE SET NULL"),
	addForeignKey("deployment_history", "deployment_history_deployment_fk",
		"FOREIGN KEY (deployment_id) REFERENCES course_content_deployments (id) ON DELETE CASCADE"),
	addForeignKey("examples", "examples_repository_fk",
		"FOREIGN KEY (example_repository_id) REFERENCES example_repositories (id) ON DELETE CASCADE"),
	addForeignKey("example_versions", "example_versions_example_fk",
		"FOREIGN KEY (example_id) REFERENCES examples (id) ON DELETE CASCADE"),
	addForeignKey("example_dependencies", "example_dependencies_example_fk",
		"FOREIGN KEY (example_id) REFERENCES examples (id) ON DELETE CASCADE"),
	addForeignKey("example_dependencies", "example_dependencies_depends_fk",
		"FOREIGN KEY (depends_id) REFERENCES examples (id) ON DELETE CASCADE"),

	`CREATE OR REPLACE FUNCTION enforce_submittable_deployment() RETURNS trigger AS $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM course_contents cc
        WHERE cc.id = NEW.course_content_id AND cc.submittable
    ) THEN
        RAISE EXCEPTION 'course content % is not submittable', NEW.course_content_id
            USING ERRCODE = '23514';
    END IF;
    RETURN NEW;
END $$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS course_content_deployments_submittable ON course_content_deployments`,
	`CREATE TRIGGER course_content_deployments_submittable
BEFORE INSERT OR UPDATE ON course_content_deployments
FOR EACH ROW EXECUTE FUNCTION enforce_submittable_deployment()`,

	`CREATE INDEX IF NOT EXISTS course_contents_path_gist ON course_contents USING gist (path)`,
	`CREATE INDEX IF NOT EXISTS examples_identifier_gist ON examples USING gist (identifier)`,
	`CREATE INDEX IF NOT EXISTS deployment_history_deployment_idx ON deployment_history (deployment_id, created_at)`,
}

// Migrate creates the entity tables and constraints when they do not
// exist yet. The workflow engine creates its own tables separately.
func Migrate(ctx context.Context, db *bun.DB) error {
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("could not create table for %T: %w", model, err)
		}
	}
	for _, statement := range constraints {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("could not apply schema statement: %w", err)
		}
	}
	return nil
}

// addForeignKey renders an idempotent ALTER TABLE: Postgres has no ADD
// CONSTRAINT IF NOT EXISTS, so duplicates are swallowed in a DO block.
func addForeignKey(table, name, definition string) string {
	return fmt.Sprintf(`DO $$ BEGIN
    ALTER TABLE %s ADD CONSTRAINT %s %s;
EXCEPTION WHEN duplicate_object THEN NULL;
END $$`, table, name, definition)
}
