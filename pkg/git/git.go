// Package git shells out to the git binary for the repository content
// operations the deployers need. Commands run through an injectable
// function so tests can script outputs without a git installation.
package git

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/computor/course-tools/pkg/results"
)

type gitFunc func(logger *logrus.Entry, dir string, command ...string) (string, int, error)

var second = time.Second

func withRetryOnNonzero(f gitFunc, retries int) gitFunc {
	return func(logger *logrus.Entry, dir string, command ...string) (string, int, error) {
		var out string
		var exitCode int
		var commandErr error
		err := wait.ExponentialBackoff(wait.Backoff{Duration: second, Factor: 2, Steps: retries}, func() (done bool, err error) {
			out, exitCode, commandErr = f(logger, dir, command...)
			return exitCode == 0, commandErr
		})
		return out, exitCode, err
	}
}

func gitExec(logger *logrus.Entry, dir string, command ...string) (string, int, error) {
	cmdLogger := logger.WithField("command", fmt.Sprintf("git %s", strings.Join(command, " ")))
	cmd := exec.Command("git", command...)
	cmd.Dir = dir
	cmdLogger.Debug("Running git")
	raw, err := cmd.CombinedOutput()
	out := string(raw)
	var exitCode int
	if err != nil {
		errLogger := cmdLogger.WithError(err).WithField("output", out)
		if ee, ok := err.(*exec.ExitError); !ok {
			errLogger.Error("Failed to run git command")
		} else {
			exitCode = ee.ExitCode()
			errLogger.Debug("Git command was executed but completed with non-zero exit code")
			err = nil
		}
	} else {
		cmdLogger.WithField("output", out).Debug("Executed command")
	}

	return out, exitCode, err
}

// Identity is the author and committer used for generated commits, so
// reruns of the same inputs produce identical history.
type Identity struct {
	Name  string
	Email string
}

func (i Identity) orDefault() Identity {
	if i.Name == "" {
		i.Name = "Course Orchestrator"
	}
	if i.Email == "" {
		i.Email = "orchestrator@computor.local"
	}
	return i
}

// Options configures a clone.
type Options struct {
	// RemoteURL is the authenticated clone URL. It may carry a token,
	// so it must never be logged outside the censored logger.
	RemoteURL string
	// Branch is checked out after cloning and is the push target.
	Branch   string
	Identity Identity
}

// Repo is a working copy produced by Clone. Callers own the directory
// and should Clean it up when done.
type Repo struct {
	dir      string
	branch   string
	identity Identity

	logger *logrus.Entry

	// wrapper for `git` execution: it is a member of the struct for testability
	git gitFunc
}

// Clone creates a working copy of the remote branch under dir. A
// missing branch or an entirely empty repository yields a working copy
// on a fresh branch of that name so first deployments work against
// just-created projects.
func Clone(logger *logrus.Entry, dir string, opts Options) (*Repo, error) {
	return clone(logger, dir, opts, gitExec)
}

func clone(logger *logrus.Entry, dir string, opts Options, git gitFunc) (*Repo, error) {
	if opts.RemoteURL == "" {
		return nil, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("clone requires a remote URL"))
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	repo := &Repo{
		dir:      dir,
		branch:   opts.Branch,
		identity: opts.Identity.orDefault(),
		logger:   logger.WithField("branch", opts.Branch),
		git:      git,
	}

	out, exitCode, err := git(repo.logger, "", "clone", "--branch", opts.Branch, "--single-branch", opts.RemoteURL, dir)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		if !strings.Contains(out, "Remote branch "+opts.Branch+" not found") && !strings.Contains(out, "Could not find remote branch") {
			return nil, fmt.Errorf("clone failed: (exit code=%d output=%s)", exitCode, out)
		}
		// The branch does not exist yet, which also covers repositories
		// without any commits. Clone whatever is there and start the
		// branch locally. Only this clone is blind-retried; every other
		// command has semantic exit codes the callers inspect.
		repo.logger.Debug("Branch not found on remote, cloning default state")
		if out, exitCode, err := withRetryOnNonzero(git, 3)(repo.logger, "", "clone", opts.RemoteURL, dir); err != nil {
			return nil, err
		} else if exitCode != 0 {
			return nil, fmt.Errorf("clone failed: (exit code=%d output=%s)", exitCode, out)
		}
		if out, exitCode, err := git(repo.logger, dir, "checkout", "-B", opts.Branch); err != nil {
			return nil, err
		} else if exitCode != 0 {
			return nil, fmt.Errorf("checkout of %s failed: (exit code=%d output=%s)", opts.Branch, exitCode, out)
		}
	}

	for _, config := range [][]string{
		{"config", "user.name", repo.identity.Name},
		{"config", "user.email", repo.identity.Email},
	} {
		if out, exitCode, err := git(repo.logger, dir, config...); err != nil {
			return nil, err
		} else if exitCode != 0 {
			return nil, fmt.Errorf("git %s failed: (exit code=%d output=%s)", strings.Join(config, " "), exitCode, out)
		}
	}

	return repo, nil
}

// Open returns a handle to an existing working copy, typically one a
// prior Clone left behind. Callers that resume work after a restart
// use it to reattach before falling back to a fresh clone.
func Open(logger *logrus.Entry, dir string, opts Options) (*Repo, error) {
	return openRepo(logger, dir, opts, gitExec)
}

func openRepo(logger *logrus.Entry, dir string, opts Options, git gitFunc) (*Repo, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return nil, fmt.Errorf("no working copy at %s: %w", dir, err)
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	return &Repo{
		dir:      dir,
		branch:   opts.Branch,
		identity: opts.Identity.orDefault(),
		logger:   logger.WithField("branch", opts.Branch),
		git:      git,
	}, nil
}

// Directory exposes the location of the working copy.
func (r *Repo) Directory() string {
	return r.dir
}

// Clean deletes the working copy. The Repo is unusable after calling.
func (r *Repo) Clean() error {
	return os.RemoveAll(r.dir)
}

// AddAll stages every change in the working copy, including deletions.
func (r *Repo) AddAll() error {
	out, exitCode, err := r.git(r.logger, r.dir, "add", "--all")
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("add failed: (exit code=%d output=%s)", exitCode, out)
	}
	return nil
}

// Commit records the staged changes and reports whether a commit was
// created. A clean index is not an error so reruns that change nothing
// stay no-ops.
func (r *Repo) Commit(message string) (bool, error) {
	out, exitCode, err := r.git(r.logger, r.dir, "diff", "--cached", "--quiet")
	if err != nil {
		return false, err
	}
	if exitCode == 0 {
		r.logger.Info("Nothing staged, skipping commit")
		return false, nil
	}
	if exitCode > 1 {
		return false, fmt.Errorf("diff failed: (exit code=%d output=%s)", exitCode, out)
	}

	out, exitCode, err = r.git(r.logger, r.dir, "commit", "--message", message)
	if err != nil {
		return false, err
	}
	if exitCode != 0 {
		return false, fmt.Errorf("commit failed: (exit code=%d output=%s)", exitCode, out)
	}
	return true, nil
}

// HeadSHA returns the current commit hash of the working copy.
func (r *Repo) HeadSHA() (string, error) {
	out, exitCode, err := r.git(r.logger, r.dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("rev-parse failed: (exit code=%d output=%s)", exitCode, out)
	}
	return strings.TrimSpace(out), nil
}

// Push publishes the branch to origin. When the remote advanced since
// the clone it rebases once and retries; a second rejection surfaces as
// a conflict for the caller to rerun the whole derivation.
func (r *Repo) Push() error {
	refspec := fmt.Sprintf("HEAD:%s", r.branch)
	out, exitCode, err := r.git(r.logger, r.dir, "push", "origin", refspec)
	if err != nil {
		return err
	}
	if exitCode == 0 {
		return nil
	}
	if !pushRejected(out) {
		return fmt.Errorf("push failed: (exit code=%d output=%s)", exitCode, out)
	}

	r.logger.Info("Push rejected, rebasing onto the advanced remote")
	if out, exitCode, err := r.git(r.logger, r.dir, "pull", "--rebase", "origin", r.branch); err != nil {
		return err
	} else if exitCode != 0 {
		return results.ForReason(results.ReasonConflict).ForError(fmt.Errorf("rebase onto origin/%s failed: (exit code=%d output=%s)", r.branch, exitCode, out))
	}
	out, exitCode, err = r.git(r.logger, r.dir, "push", "origin", refspec)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return results.ForReason(results.ReasonConflict).ForError(fmt.Errorf("push failed after rebase: (exit code=%d output=%s)", exitCode, out))
	}
	return nil
}

// PushTo publishes the current branch to another remote, used when
// seeding a fresh project from a template repository.
func (r *Repo) PushTo(remoteURL, branch string) error {
	out, exitCode, err := r.git(r.logger, r.dir, "push", remoteURL, fmt.Sprintf("HEAD:%s", branch))
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("push to remote failed: (exit code=%d output=%s)", exitCode, out)
	}
	return nil
}

func pushRejected(out string) bool {
	return strings.Contains(out, "[rejected]") || strings.Contains(out, "non-fast-forward") || strings.Contains(out, "fetch first")
}

// AuthenticatedURL injects a token into an HTTP clone URL. The result
// must only be passed to git and the censoring log formatter.
func AuthenticatedURL(cloneURL, token string) (string, error) {
	parsed, err := url.Parse(cloneURL)
	if err != nil {
		return "", fmt.Errorf("could not parse clone URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("clone URL must be http(s), got %q", parsed.Scheme)
	}
	parsed.User = url.UserPassword("oauth2", token)
	return parsed.String(), nil
}
