// Package manifest parses the merged compose configuration into the
// role/order/healthcheck/host model the rolling deploy engine and the
// external host-discovery orchestrator both consume (spec §3, §4.C).
package manifest

// Role classifies a service for deploy purposes.
type Role string

const (
	RoleApp       Role = "app"
	RoleAccessory Role = "accessory"
	RoleNone      Role = "none"
)

// Service is a named unit from the manifest, resolved against
// x-deploy defaults and per-service deploy.* labels.
type Service struct {
	Name                      string
	Role                      Role
	Order                     int
	ManifestPosition          int
	DrainSeconds              int
	HealthcheckTimeoutSeconds int
	HealthcheckPollSeconds    int
	Host                      string
	User                      string
	Dir                       string
	HasHealthcheck            bool
	ImageReference            string
}

// Defaults applied when a label is absent (spec §3).
const (
	DefaultOrder                     = 100
	DefaultDrainSeconds               = 30
	DefaultHealthcheckTimeoutSeconds = 120
	DefaultHealthcheckPollSeconds    = 2
)

// DeployPlan is the ordered sequence of app-role services for a run.
type DeployPlan struct {
	Services []Service
}

// Names returns the plan's service names in order.
func (p DeployPlan) Names() []string {
	names := make([]string, len(p.Services))
	for i, s := range p.Services {
		names[i] = s.Name
	}
	return names
}

// HostGroup is a deduplicated (host, user, dir) record with the
// services routed there, consumed by the external fleet orchestrator.
// Unused by the single-node engine itself.
type HostGroup struct {
	Host     string   `json:"host"`
	User     string   `json:"user"`
	Dir      string   `json:"dir"`
	Services []string `json:"services"`
}
