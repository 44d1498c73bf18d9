package config

import "testing"

func TestLoadFromEnvReadsAmbientSettings(t *testing.T) {
	t.Setenv("COMPOSE_COMMAND", "podman-compose")
	t.Setenv("GITHUB_ACTIONS", "true")
	t.Setenv("GITHUB_STEP_SUMMARY", "/tmp/summary.md")
	t.Setenv("FLOW_DEPLOY_METRICS_PATH", "/var/lib/node_exporter/flow_deploy.prom")

	cfg := LoadFromEnv()
	if cfg.ComposeCommand != "podman-compose" {
		t.Errorf("ComposeCommand = %q", cfg.ComposeCommand)
	}
	if !cfg.GitHubActions {
		t.Error("GitHubActions = false, want true")
	}
	if cfg.GitHubStepSummary != "/tmp/summary.md" {
		t.Errorf("GitHubStepSummary = %q", cfg.GitHubStepSummary)
	}
	if cfg.MetricsPath != "/var/lib/node_exporter/flow_deploy.prom" {
		t.Errorf("MetricsPath = %q", cfg.MetricsPath)
	}
}

func TestLoadFromEnvDefaultsWhenUnset(t *testing.T) {
	t.Setenv("COMPOSE_COMMAND", "")
	t.Setenv("GITHUB_ACTIONS", "")
	t.Setenv("GITHUB_STEP_SUMMARY", "")
	t.Setenv("FLOW_DEPLOY_METRICS_PATH", "")

	cfg := LoadFromEnv()
	if cfg.ComposeCommand != "" || cfg.GitHubActions || cfg.GitHubStepSummary != "" || cfg.MetricsPath != "" {
		t.Errorf("expected zero-value config, got %+v", cfg)
	}
}

func TestLoadFromEnvGitHubActionsRequiresExactTrue(t *testing.T) {
	t.Setenv("GITHUB_ACTIONS", "1")
	cfg := LoadFromEnv()
	if cfg.GitHubActions {
		t.Error("GitHubActions should only be true for the literal string \"true\"")
	}
}
