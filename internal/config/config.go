// Package config loads process-level ambient settings from the
// environment. The manifest's own x-deploy/labels surface (see
// internal/manifest) is separate project configuration, not covered
// here.
package config

import "os"

// Config holds ambient settings read once at process startup.
type Config struct {
	// ComposeCommand overrides wrapper resolution (see internal/compose).
	ComposeCommand string

	// GitHubActions enables CI log control sequences in the logger.
	GitHubActions bool

	// GitHubStepSummary is the path to append a markdown step summary to,
	// when set and non-empty.
	GitHubStepSummary string

	// MetricsPath is where the deploy metrics textfile snapshot is written.
	// Empty disables metrics emission.
	MetricsPath string
}

// LoadFromEnv reads ambient configuration from the process environment.
func LoadFromEnv() *Config {
	return &Config{
		ComposeCommand:    os.Getenv("COMPOSE_COMMAND"),
		GitHubActions:     os.Getenv("GITHUB_ACTIONS") == "true",
		GitHubStepSummary: os.Getenv("GITHUB_STEP_SUMMARY"),
		MetricsPath:       getEnvOrDefault("FLOW_DEPLOY_METRICS_PATH", ""),
	}
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
