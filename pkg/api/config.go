package api

import (
	"fmt"
	"os"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/yaml"
)

// DeploymentConfig is the declarative description of one organization,
// course family and course chain, the single input to the hierarchy
// deployment workflow.
type DeploymentConfig struct {
	Organization OrganizationConfig `json:"organization"`
	CourseFamily CourseFamilyConfig `json:"courseFamily"`
	Course       CourseConfig       `json:"course"`
}

// OrganizationConfig describes the organization to provision together
// with the provider endpoint that owns it.
type OrganizationConfig struct {
	Path        Path         `json:"path"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	GitLab      GitLabConfig `json:"gitlab"`
}

// GitLabConfig carries the provider endpoint and credentials. The
// token is used in memory only and must be registered with the log
// censor; it is never persisted.
type GitLabConfig struct {
	URL   string `json:"url"`
	Token string `json:"token"`
	// Parent optionally nests the organization group under an
	// existing provider group.
	Parent int `json:"parent,omitempty"`
}

// CourseFamilyConfig describes the course family to provision.
type CourseFamilyConfig struct {
	Path        Path   `json:"path"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CourseConfig describes the course to provision.
type CourseConfig struct {
	Path              Path                     `json:"path"`
	Name              string                   `json:"name"`
	Description       string                   `json:"description,omitempty"`
	ExecutionBackends []CourseExecutionBackend `json:"executionBackends,omitempty"`
	Settings          *CourseSettingsConfig    `json:"settings,omitempty"`
}

// CourseSettingsConfig holds optional course settings from the
// declarative input.
type CourseSettingsConfig struct {
	Source *SourceConfig `json:"source,omitempty"`
}

// SourceConfig points at a repository whose contents seed the
// assignments project.
type SourceConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// LoadDeploymentConfig reads and validates a deployment configuration
// from a YAML file.
func LoadDeploymentConfig(path string) (*DeploymentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read deployment config: %w", err)
	}
	return ParseDeploymentConfig(data)
}

// ParseDeploymentConfig decodes and validates a deployment
// configuration document.
func ParseDeploymentConfig(data []byte) (*DeploymentConfig, error) {
	config := &DeploymentConfig{}
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, fmt.Errorf("could not parse deployment config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration for completeness, credentials
// included. This is the entry check for configurations read from files
// or request bodies.
func (c *DeploymentConfig) Validate() error {
	var errs []error
	if err := c.ValidateResources(); err != nil {
		errs = append(errs, err)
	}
	if c.Organization.GitLab.Token == "" {
		errs = append(errs, fmt.Errorf("organization.gitlab.token is required"))
	}
	return utilerrors.NewAggregate(errs)
}

// ValidateResources checks the entity descriptions without requiring
// credentials. Workflows revalidate their inputs with it, since tokens
// are stripped before a configuration is persisted as workflow input.
func (c *DeploymentConfig) ValidateResources() error {
	var errs []error
	for field, path := range map[string]Path{
		"organization.path": c.Organization.Path,
		"courseFamily.path": c.CourseFamily.Path,
		"course.path":       c.Course.Path,
	} {
		if path == "" {
			errs = append(errs, fmt.Errorf("%s is required", field))
			continue
		}
		if _, err := ParsePath(string(path)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		} else if path.NLevel() != 1 {
			errs = append(errs, fmt.Errorf("%s must be a single label, got %q", field, path))
		}
	}
	if c.Organization.Name == "" {
		errs = append(errs, fmt.Errorf("organization.name is required"))
	}
	if c.CourseFamily.Name == "" {
		errs = append(errs, fmt.Errorf("courseFamily.name is required"))
	}
	if c.Course.Name == "" {
		errs = append(errs, fmt.Errorf("course.name is required"))
	}
	if c.Organization.GitLab.URL == "" {
		errs = append(errs, fmt.Errorf("organization.gitlab.url is required"))
	}
	for i, backend := range c.Course.ExecutionBackends {
		if backend.Slug == "" {
			errs = append(errs, fmt.Errorf("course.executionBackends[%d].slug is required", i))
		}
	}
	if c.Course.Settings != nil && c.Course.Settings.Source != nil && c.Course.Settings.Source.URL == "" {
		errs = append(errs, fmt.Errorf("course.settings.source.url is required when a source is configured"))
	}
	return utilerrors.NewAggregate(errs)
}

// Sanitized returns a copy with every credential blanked. Only
// sanitized configurations may be submitted as workflow input, because
// workflow inputs are persisted and served by the status endpoint.
func (c *DeploymentConfig) Sanitized() *DeploymentConfig {
	sanitized := *c
	sanitized.Organization = c.Organization.Sanitized()
	sanitized.Course = c.Course.Sanitized()
	return &sanitized
}

// Sanitized returns a copy without the provider token.
func (c OrganizationConfig) Sanitized() OrganizationConfig {
	c.GitLab.Token = ""
	return c
}

// Sanitized returns a copy without the seed source token.
func (c CourseConfig) Sanitized() CourseConfig {
	if c.Settings != nil && c.Settings.Source != nil {
		settings := *c.Settings
		source := *c.Settings.Source
		source.Token = ""
		settings.Source = &source
		c.Settings = &settings
	}
	return c
}

// Secrets lists every credential in the configuration so callers can
// register them with the log censor before anything is logged.
func (c *DeploymentConfig) Secrets() []string {
	return append(c.Organization.Secrets(), c.Course.Secrets()...)
}

// Secrets lists the provider credential, if set.
func (c OrganizationConfig) Secrets() []string {
	if c.GitLab.Token == "" {
		return nil
	}
	return []string{c.GitLab.Token}
}

// Secrets lists the seed source credential, if set.
func (c CourseConfig) Secrets() []string {
	if c.Settings == nil || c.Settings.Source == nil || c.Settings.Source.Token == "" {
		return nil
	}
	return []string{c.Settings.Source.Token}
}

// CourseSettings converts the configured settings into their persisted
// form, dropping credentials.
func (c *CourseConfig) CourseSettings() *CourseSettings {
	if c.Settings == nil && len(c.ExecutionBackends) == 0 {
		return nil
	}
	settings := &CourseSettings{ExecutionBackends: c.ExecutionBackends}
	if c.Settings != nil && c.Settings.Source != nil {
		settings.SourceURL = c.Settings.Source.URL
	}
	return settings
}
