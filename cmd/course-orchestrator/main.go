// The course-orchestrator is the long-lived process of the system: it
// runs the workflow engine workers for provisioning and deployment,
// serves the HTTP control surface, and periodically sweeps deployment
// statuses against the example catalog.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	prowconfig "sigs.k8s.io/prow/pkg/config"
	"sigs.k8s.io/prow/pkg/flagutil"
	"sigs.k8s.io/prow/pkg/interrupts"
	"sigs.k8s.io/prow/pkg/logrusutil"
	prowmetrics "sigs.k8s.io/prow/pkg/metrics"
	"sigs.k8s.io/prow/pkg/version"

	"github.com/computor/course-tools/pkg/catalog"
	"github.com/computor/course-tools/pkg/db"
	"github.com/computor/course-tools/pkg/deploy"
	"github.com/computor/course-tools/pkg/git"
	"github.com/computor/course-tools/pkg/gitlab"
	"github.com/computor/course-tools/pkg/metrics"
	"github.com/computor/course-tools/pkg/objstore"
	"github.com/computor/course-tools/pkg/plan"
	"github.com/computor/course-tools/pkg/provision"
	"github.com/computor/course-tools/pkg/results"
	"github.com/computor/course-tools/pkg/secrets"
	"github.com/computor/course-tools/pkg/server"
	"github.com/computor/course-tools/pkg/workflow"
)

type option struct {
	listenAddr string
	logLevel   string

	databaseDSN string

	gitlabURL       string
	gitlabTokenFile string
	seedTokenFile   string

	store objstore.Options

	defaultBranch  string
	workdir        string
	gitAuthorName  string
	gitAuthorEmail string

	provisionConcurrency int
	deployConcurrency    int
	sweepSchedule        string

	reporting results.Options
	flagutil.InstrumentationOptions
}

func parseOptions() (*option, error) {
	o := &option{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&o.listenAddr, "listen-addr", "127.0.0.1:8080", "The address to listen on")
	fs.StringVar(&o.logLevel, "log-level", "info", "Level at which to log output.")
	fs.StringVar(&o.databaseDSN, "database-dsn", "", "PostgreSQL DSN holding entity state and the workflow event store")
	fs.StringVar(&o.gitlabURL, "gitlab-url", "", "Base URL of the GitLab instance to provision into")
	fs.StringVar(&o.gitlabTokenFile, "gitlab-token-file", "", "File holding the GitLab token used for provisioning and pushes")
	fs.StringVar(&o.seedTokenFile, "seed-token-file", "", "Optional file holding a token for cloning protected course seed repositories")
	fs.StringVar(&o.defaultBranch, "default-branch", "main", "Default branch of provisioned and deployed repositories")
	fs.StringVar(&o.workdir, "workdir", "", "Directory hosting git working copies, the system temp directory when empty")
	fs.StringVar(&o.gitAuthorName, "git-author-name", "Course Orchestrator", "Author name stamped on generated commits")
	fs.StringVar(&o.gitAuthorEmail, "git-author-email", "orchestrator@computor.local", "Author e-mail stamped on generated commits")
	fs.IntVar(&o.provisionConcurrency, "provision-concurrency", 2, "How many provisioning workflows may run at once")
	fs.IntVar(&o.deployConcurrency, "deploy-concurrency", 4, "How many deployment workflows may run at once")
	fs.StringVar(&o.sweepSchedule, "sweep-schedule", "@every 10m", "Cron schedule for the deployment status sweeper")
	o.store.Bind(fs)
	o.reporting.Bind(fs)
	o.InstrumentationOptions.AddFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	var errs []error
	if _, err := logrus.ParseLevel(o.logLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid --log-level: %w", err))
	}
	if o.databaseDSN == "" {
		errs = append(errs, errors.New("--database-dsn is required"))
	}
	if o.gitlabURL == "" {
		errs = append(errs, errors.New("--gitlab-url is required"))
	}
	if o.gitlabTokenFile == "" {
		errs = append(errs, errors.New("--gitlab-token-file is required"))
	}
	if o.store.Bucket == "" {
		errs = append(errs, errors.New("--objstore-bucket is required"))
	}
	if o.store.CredentialsFile == "" {
		errs = append(errs, errors.New("--objstore-credentials-file is required"))
	}
	if o.sweepSchedule == "" {
		errs = append(errs, errors.New("--sweep-schedule must not be empty"))
	}
	if err := o.reporting.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := o.InstrumentationOptions.Validate(false); err != nil {
		errs = append(errs, err)
	}
	return o, utilerrors.NewAggregate(errs)
}

func main() {
	version.Name = "course-orchestrator"
	logrusutil.ComponentInit()

	o, err := parseOptions()
	if err != nil {
		logrus.WithError(err).Fatal("failed to get options")
	}
	level, _ := logrus.ParseLevel(o.logLevel)
	logrus.SetLevel(level)

	censor := secrets.NewDynamicCensor()
	logrus.SetFormatter(censor.Formatter(logrus.StandardLogger().Formatter))
	// The DSN may embed a password, so it is a secret as a whole.
	censor.AddSecrets(o.databaseDSN)

	gitlabToken, err := secrets.ReadFromFile(o.gitlabTokenFile, &censor)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to read the GitLab token")
	}
	var seedToken string
	if o.seedTokenFile != "" {
		if seedToken, err = secrets.ReadFromFile(o.seedTokenFile, &censor); err != nil {
			logrus.WithError(err).Fatal("Failed to read the seed token")
		}
	}
	if err := o.store.LoadCredentials(&censor); err != nil {
		logrus.WithError(err).Fatal("Failed to read the object store credentials")
	}

	database, err := db.Connect(interrupts.Context(), o.databaseDSN, version.Name)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to the database")
	}
	if err := db.Migrate(interrupts.Context(), database); err != nil {
		logrus.WithError(err).Fatal("Failed to set up the entity schema")
	}
	if err := workflow.Migrate(interrupts.Context(), database); err != nil {
		logrus.WithError(err).Fatal("Failed to set up the workflow event store")
	}
	repositories := db.New(database)

	files, err := objstore.NewClient(interrupts.Context(), o.store, logrus.WithField("component", "objstore"))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to the object store")
	}
	gateway, err := gitlab.NewGateway(o.gitlabURL, gitlabToken, logrus.WithField("component", "gitlab"))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to construct the GitLab gateway")
	}

	m := metrics.New("computor")
	resolver := catalog.NewResolver(repositories)
	planner := plan.NewPlanner(repositories, resolver)
	identity := git.Identity{Name: o.gitAuthorName, Email: o.gitAuthorEmail}

	provisioner := provision.New(repositories, gateway, logrus.WithField("component", "provision"), provision.Options{
		Token:       gitlabToken,
		SeedToken:   seedToken,
		Branch:      o.defaultBranch,
		WorkdirRoot: o.workdir,
		Identity:    identity,
		Metrics:     m,
	})
	deployer := deploy.New(repositories, planner, files, logrus.WithField("component", "deploy"), deploy.Options{
		Token:       gitlabToken,
		Branch:      o.defaultBranch,
		WorkdirRoot: o.workdir,
		Identity:    identity,
		Metrics:     m,
	})

	reporter, err := o.reporting.Reporter(&censor)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to construct the run outcome reporter")
	}

	store := workflow.NewPostgresStore(database)
	client := workflow.NewClient(store)

	provisionWorker := workflow.NewWorker(store, []string{provision.Queue}, logrus.WithField("queue", provision.Queue), workflow.WorkerOptions{
		Concurrency: o.provisionConcurrency,
		Observer:    m,
		Reporter:    reporter,
	})
	provisioner.Register(provisionWorker)
	deployWorker := workflow.NewWorker(store, []string{deploy.Queue}, logrus.WithField("queue", deploy.Queue), workflow.WorkerOptions{
		Concurrency: o.deployConcurrency,
		Observer:    m,
		Reporter:    reporter,
	})
	deployer.Register(deployWorker)

	interrupts.Run(func(ctx context.Context) { provisionWorker.Run(ctx) })
	interrupts.Run(func(ctx context.Context) { deployWorker.Run(ctx) })

	sweeper := deploy.NewSweeper(repositories, logrus.WithField("component", "sweeper"), m)
	sweep := func() {
		if err := sweeper.Sweep(interrupts.Context()); err != nil {
			logrus.WithError(err).Error("Deployment status sweep failed")
		}
	}
	c := cron.New()
	if _, err := c.AddFunc(o.sweepSchedule, sweep); err != nil {
		logrus.WithError(err).Fatal("Failed to schedule the deployment status sweeper")
	}
	c.Start()
	interrupts.Run(func(ctx context.Context) { sweep() })

	ready := func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return database.PingContext(pingCtx)
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "OK")
	})
	healthMux.HandleFunc("/healthz/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, "database unreachable")
			return
		}
		fmt.Fprintf(w, "OK")
	})
	healthServer := &http.Server{
		Addr:    ":" + strconv.Itoa(o.InstrumentationOptions.HealthPort),
		Handler: healthMux,
	}
	interrupts.ListenAndServe(healthServer, 0)

	prowmetrics.ExposeMetrics(version.Name, prowconfig.PushGateway{}, o.MetricsPort)

	api := server.New(client, repositories, resolver, &censor, logrus.WithField("component", "server"), server.Options{
		Ready:   ready,
		Metrics: m,
	})
	apiServer := &http.Server{
		Addr:    o.listenAddr,
		Handler: api.Routes(),
	}
	interrupts.ListenAndServe(apiServer, 5*time.Second)
	interrupts.WaitForGracefulShutdown()
}
