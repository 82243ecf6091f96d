// Package config loads the pipeline configuration file and layers
// WORKFLOW_* environment overrides on top of it, via spf13/viper. This is
// the only place process env is read for configuration purposes; every
// other package receives its settings as explicit constructor arguments.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/pipeworks/stagewright/internal/pipeline"
)

// CronJobConfig is one of the two fixed cron sections the pipeline file
// may declare.
type CronJobConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"interval_seconds"`
}

// CronConfig holds the two named jobs the spec recognizes by name.
type CronConfig struct {
	MRCommentPoll      CronJobConfig `mapstructure:"mr_comment_poll"`
	InsightsThreshold  CronJobConfig `mapstructure:"insights_threshold"`
}

// JiraConfig is an opaque pass-through block; the core never interprets
// it directly.
type JiraConfig map[string]interface{}

// Root is the top-level shape of workflow.yaml.
type Root struct {
	Workflow pipeline.Config `mapstructure:"workflow"`
	Jira     JiraConfig      `mapstructure:"jira"`
	Cron     CronConfig      `mapstructure:"cron"`
}

// Defaults recognized under workflow.defaults, surfaced as typed fields
// for the components that actually consume them.
type Defaults struct {
	MaxParallel         int
	RemoteMode          bool
	LearningsThreshold  int
}

// Load reads path (a YAML file) and overlays WORKFLOW_* environment
// variables, then validates the embedded pipeline config.
func Load(path string) (*Root, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("WORKFLOW")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var root Root
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	if err := root.Workflow.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := root.Cron.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &root, nil
}

func (c CronConfig) validate() error {
	for name, job := range map[string]CronJobConfig{
		"mr_comment_poll":     c.MRCommentPoll,
		"insights_threshold":  c.InsightsThreshold,
	} {
		if !job.Enabled {
			continue
		}
		if job.IntervalSeconds < 30 || job.IntervalSeconds > 3600 {
			return fmt.Errorf("cron.%s.interval_seconds must be in [30, 3600], got %d", name, job.IntervalSeconds)
		}
	}
	return nil
}

// ParseDefaults extracts the recognized defaults block into typed fields,
// applying the documented fallbacks when a key is absent.
func (r *Root) ParseDefaults() Defaults {
	d := Defaults{MaxParallel: 3, RemoteMode: false, LearningsThreshold: 10}
	if v, ok := r.Workflow.Defaults["WORKFLOW_MAX_PARALLEL"]; ok {
		fmt.Sscanf(v, "%d", &d.MaxParallel)
	}
	if v, ok := r.Workflow.Defaults["WORKFLOW_REMOTE_MODE"]; ok {
		d.RemoteMode = v == "true" || v == "1"
	}
	if v, ok := r.Workflow.Defaults["WORKFLOW_LEARNINGS_THRESHOLD"]; ok {
		fmt.Sscanf(v, "%d", &d.LearningsThreshold)
	}
	return d
}
