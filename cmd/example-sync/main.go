// The example-sync command ingests a source tree or zip archive of
// examples into the catalog: it scans for meta.yaml-marked
// directories, creates versions for changed content and uploads the
// files to the object store. It talks to the database and the object
// store directly, no running orchestrator required.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/prow/pkg/interrupts"
	"sigs.k8s.io/prow/pkg/logrusutil"
	"sigs.k8s.io/prow/pkg/version"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/catalog"
	"github.com/computor/course-tools/pkg/db"
	"github.com/computor/course-tools/pkg/ingest"
	"github.com/computor/course-tools/pkg/objstore"
	"github.com/computor/course-tools/pkg/results"
	"github.com/computor/course-tools/pkg/secrets"
)

type options struct {
	source         string
	databaseDSN    string
	repositoryID   string
	repositoryName string
	reportFile     string
	logLevel       string

	store objstore.Options
}

func gatherOptions() *options {
	o := &options{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&o.source, "source", "", "Directory or zip archive holding the examples to ingest")
	fs.StringVar(&o.databaseDSN, "database-dsn", "", "PostgreSQL DSN of the catalog")
	fs.StringVar(&o.repositoryID, "repository-id", "", "ID of the example repository to ingest into")
	fs.StringVar(&o.repositoryName, "repository-name", "", "Name for a repository to create when --repository-id is not set")
	fs.StringVar(&o.reportFile, "report-file", "", "Optional file the ingestion report is written to as JSON")
	fs.StringVar(&o.logLevel, "log-level", "info", "Level at which to log output.")
	o.store.Bind(fs)
	_ = fs.Parse(os.Args[1:])
	return o
}

func validateOptions(o *options) error {
	var errs []error
	if _, err := logrus.ParseLevel(o.logLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid --log-level: %w", err))
	}
	if o.source == "" {
		errs = append(errs, errors.New("--source is required"))
	}
	if o.databaseDSN == "" {
		errs = append(errs, errors.New("--database-dsn is required"))
	}
	switch {
	case o.repositoryID == "" && o.repositoryName == "":
		errs = append(errs, errors.New("one of --repository-id or --repository-name is required"))
	case o.repositoryID != "" && o.repositoryName != "":
		errs = append(errs, errors.New("--repository-id and --repository-name are mutually exclusive"))
	case o.repositoryID != "":
		if _, err := uuid.Parse(o.repositoryID); err != nil {
			errs = append(errs, fmt.Errorf("--repository-id is not a valid UUID: %w", err))
		}
	}
	if o.store.Bucket == "" {
		errs = append(errs, errors.New("--objstore-bucket is required"))
	}
	if o.store.CredentialsFile == "" {
		errs = append(errs, errors.New("--objstore-credentials-file is required"))
	}
	return utilerrors.NewAggregate(errs)
}

func main() {
	version.Name = "example-sync"
	logrusutil.ComponentInit()
	o := gatherOptions()
	if err := validateOptions(o); err != nil {
		logrus.WithError(err).Fatal("failed to get options")
	}
	level, _ := logrus.ParseLevel(o.logLevel)
	logrus.SetLevel(level)

	go func() {
		interrupts.WaitForGracefulShutdown()
		os.Exit(results.ExitError)
	}()

	censor := secrets.NewDynamicCensor()
	logrus.SetFormatter(censor.Formatter(logrus.StandardLogger().Formatter))
	censor.AddSecrets(o.databaseDSN)

	if err := o.store.LoadCredentials(&censor); err != nil {
		logrus.WithError(err).Error("Failed to read the object store credentials")
		os.Exit(results.ExitInvalidConfiguration)
	}

	os.Exit(run(interrupts.Context(), o))
}

func run(ctx context.Context, o *options) int {
	uploads, err := scanSource(o.source)
	if err != nil {
		logrus.WithError(err).Error("Failed to scan the source")
		return results.ExitCodeFor(results.ReasonFor(err))
	}
	logrus.WithField("examples", len(uploads)).Info("Scanned the source")

	database, err := db.Connect(ctx, o.databaseDSN, version.Name)
	if err != nil {
		logrus.WithError(err).Error("Failed to connect to the database")
		return results.ExitProviderUnreachable
	}
	defer database.Close()
	if err := db.Migrate(ctx, database); err != nil {
		logrus.WithError(err).Error("Failed to set up the entity schema")
		return results.ExitProviderUnreachable
	}
	repositories := db.New(database)

	files, err := objstore.NewClient(ctx, o.store, logrus.WithField("component", "objstore"))
	if err != nil {
		logrus.WithError(err).Error("Failed to connect to the object store")
		return results.ExitProviderUnreachable
	}

	repositoryID, exit := targetRepository(ctx, o, repositories)
	if exit != results.ExitOK {
		return exit
	}

	ingester := ingest.New(repositories, catalog.NewResolver(repositories), files, logrus.WithField("component", "ingest"), ingest.Options{})
	report, err := ingester.IngestRepository(ctx, repositoryID, uploads)
	if err != nil {
		logrus.WithError(err).Error("Ingestion failed")
		return results.ExitCodeFor(results.ReasonFor(err))
	}
	logOutcomes(report)

	if o.reportFile != "" {
		if err := writeReport(o.reportFile, report); err != nil {
			logrus.WithError(err).Error("Failed to write the ingestion report")
			return results.ExitError
		}
	}

	if failed := report.FailureCount(); failed > 0 {
		logrus.WithField("failed", failed).Error("Some examples did not ingest")
		return results.ExitCodeFor(report.FirstFailureReason())
	}
	return results.ExitOK
}

// targetRepository resolves the repository to ingest into, creating
// one when the invocation named a repository instead of an id.
func targetRepository(ctx context.Context, o *options, repositories *db.Database) (uuid.UUID, int) {
	if o.repositoryID != "" {
		id := uuid.MustParse(o.repositoryID)
		if _, err := repositories.ExampleRepositories.Get(ctx, id); err != nil {
			logrus.WithError(err).WithField("repository_id", id).Error("Could not load the example repository")
			return uuid.Nil, results.ExitCodeFor(results.ReasonFor(err))
		}
		return id, results.ExitOK
	}

	sourceType, sourceURL := repositoryDescriptor(o.store)
	repository := &api.ExampleRepository{
		Name:          o.repositoryName,
		SourceType:    sourceType,
		SourceURL:     sourceURL,
		DefaultBranch: "main",
		Visibility:    api.VisibilityPrivate,
	}
	if err := repositories.ExampleRepositories.Create(ctx, repository); err != nil {
		logrus.WithError(err).WithField("name", o.repositoryName).Error("Could not create the example repository")
		return uuid.Nil, results.ExitCodeFor(results.ReasonFor(err))
	}
	logrus.WithFields(logrus.Fields{"repository_id": repository.ID, "name": repository.Name}).Info("Created the example repository")
	return repository.ID, results.ExitOK
}

// repositoryDescriptor derives the stored source description of a new
// repository from the object store options.
func repositoryDescriptor(store objstore.Options) (api.SourceType, string) {
	if store.Endpoint != "" {
		return api.SourceTypeMinio, strings.TrimSuffix(store.Endpoint, "/") + "/" + store.Bucket
	}
	return api.SourceTypeS3, "s3://" + store.Bucket
}

// scanSource reads uploads from a directory or a zip archive.
func scanSource(source string) ([]ingest.ExampleUpload, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, results.ForReason(results.ReasonValidation).WithError(err).Errorf("could not read --source")
	}
	if info.IsDir() {
		return ingest.ScanDir(source)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, results.ForReason(results.ReasonValidation).WithError(err).Errorf("could not read --source")
	}
	return ingest.ScanArchive(data)
}

func logOutcomes(report *ingest.Report) {
	for _, outcome := range report.Examples {
		logger := logrus.WithField("directory", outcome.Directory)
		switch {
		case outcome.Error != "":
			logger.WithField("reason", outcome.ErrorKind).Error(outcome.Error)
		case outcome.Skipped:
			logger.WithField("identifier", outcome.Identifier).Info("Example unchanged, skipped")
		default:
			logger.WithFields(logrus.Fields{
				"identifier":     outcome.Identifier,
				"version_tag":    outcome.VersionTag,
				"version_number": outcome.VersionNumber,
				"files":          outcome.Files,
			}).Info("Example ingested")
		}
	}
}

func writeReport(path string, report *ingest.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode the report: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
