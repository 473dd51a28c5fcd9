package deploy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/db"
	"github.com/computor/course-tools/pkg/metrics"
)

// sweeperActor attributes history entries the sweeper appends.
const sweeperActor = "sweeper"

type sweepStore interface {
	ListActive(ctx context.Context) ([]*api.CourseContentDeployment, error)
	SetStatus(ctx context.Context, id uuid.UUID, status api.DeploymentStatus, workflowID string) error
}

type latestFinder interface {
	Latest(ctx context.Context, exampleID uuid.UUID) (*api.ExampleVersion, error)
}

// Sweeper re-examines active deployments out of band: bindings whose
// version vanished from the catalog become orphaned, bindings whose
// example grew a newer version become outdated. Both are advisory
// states; they never undo a deployed tree.
type Sweeper struct {
	deployments sweepStore
	versions    latestFinder
	history     historyAppender
	metrics     *metrics.Metrics
	logger      *logrus.Entry
}

// NewSweeper wires the sweeper over the database.
func NewSweeper(database *db.Database, logger *logrus.Entry, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		deployments: database.Deployments,
		versions:    database.Versions,
		history:     database.History,
		metrics:     m,
		logger:      logger,
	}
}

// Sweep runs one pass over every active deployment. Failures on single
// deployments are collected so one broken row does not starve the
// rest; the aggregate is returned for the caller to log.
func (s *Sweeper) Sweep(ctx context.Context) error {
	deployments, err := s.deployments.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("could not list active deployments: %w", err)
	}
	var errs []error
	swept := 0
	for _, deployment := range deployments {
		changed, err := s.sweepOne(ctx, deployment)
		if err != nil {
			s.logger.WithError(err).WithField("deployment", deployment.ID).Error("Could not sweep deployment")
			errs = append(errs, fmt.Errorf("deployment %s: %w", deployment.ID, err))
			continue
		}
		if changed {
			swept++
		}
	}
	if swept > 0 {
		s.logger.WithField("transitions", swept).Info("Sweep moved deployments to advisory states")
	}
	return utilerrors.NewAggregate(errs)
}

func (s *Sweeper) sweepOne(ctx context.Context, deployment *api.CourseContentDeployment) (bool, error) {
	if deployment.ExampleVersionID == nil || deployment.ExampleVersion == nil {
		// Versions are deleted with SET NULL on the binding, so an
		// active deployment without one lost its version.
		err := s.transition(ctx, deployment, api.DeploymentOrphaned, api.ActionOrphaned, map[string]interface{}{
			"previous_status": string(deployment.Status),
		})
		return err == nil, err
	}
	latest, err := s.versions.Latest(ctx, deployment.ExampleVersion.ExampleID)
	if err != nil {
		return false, fmt.Errorf("could not determine the latest version: %w", err)
	}
	if latest.VersionNumber > deployment.ExampleVersion.VersionNumber && deployment.Status != api.DeploymentOutdated {
		err := s.transition(ctx, deployment, api.DeploymentOutdated, api.ActionOutdated, map[string]interface{}{
			"bound_version_tag":  deployment.ExampleVersion.VersionTag,
			"latest_version_tag": latest.VersionTag,
		})
		return err == nil, err
	}
	return false, nil
}

func (s *Sweeper) transition(ctx context.Context, deployment *api.CourseContentDeployment, status api.DeploymentStatus, action api.HistoryAction, details map[string]interface{}) error {
	if err := s.deployments.SetStatus(ctx, deployment.ID, status, ""); err != nil {
		return err
	}
	if err := s.history.Append(ctx, &api.DeploymentHistory{
		DeploymentID:     deployment.ID,
		Action:           action,
		ExampleVersionID: deployment.ExampleVersionID,
		Actor:            sweeperActor,
		Details:          details,
	}); err != nil {
		return err
	}
	s.metrics.RecordDeploymentTransition(string(status))
	return nil
}
