package manifest

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// ConfigReader is the slice of the Compose Invoker the Planner needs:
// the merged manifest as raw YAML bytes (spec §4.C step 1). Kept as an
// interface here, not a concrete *compose.Invoker, so the planner can
// be tested against fixture bytes without shelling out.
type ConfigReader interface {
	Config(ctx context.Context) ([]byte, error)
}

// Planner parses the merged compose manifest into the role/order/host
// model the engine and the external host-discovery orchestrator need.
type Planner struct {
	reader      ConfigReader
	projectName string
	workingDir  string
}

// New creates a Planner reading the merged manifest through reader.
func New(reader ConfigReader, projectName, workingDir string) *Planner {
	return &Planner{reader: reader, projectName: projectName, workingDir: workingDir}
}

// PlanResult is the outcome of a successful Plan call.
type PlanResult struct {
	Plan        DeployPlan
	AllServices []Service
	Warnings    []string
}

// Plan parses the manifest, resolves every service's deploy labels
// against the x-deploy defaults, enforces the app-healthcheck
// invariant, and builds the ordered DeployPlan, optionally restricted
// to serviceFilter (spec §4.C).
func (p *Planner) Plan(ctx context.Context, serviceFilter []string) (*PlanResult, error) {
	raw, err := p.reader.Config(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read merged manifest: %w", err)
	}

	project, err := p.parseProject(ctx, raw)
	if err != nil {
		return nil, newConfigError("", "", "failed to parse merged manifest: %v", err)
	}

	defaultHost, defaultUser, defaultDir, _ := extractXDeploy(project.Extensions)

	// compose-go keys project.Services by name, so manifest position is
	// taken from the key order of the raw "services" mapping.
	var doc struct {
		Services yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, newConfigError("", "", "failed to parse merged manifest: %v", err)
	}

	all := make([]Service, 0, len(project.Services))
	for i := 0; i+1 < len(doc.Services.Content); i += 2 {
		svc, ok := project.Services[doc.Services.Content[i].Value]
		if !ok {
			continue
		}
		resolved, err := resolveService(svc, i/2, defaultHost, defaultUser, defaultDir)
		if err != nil {
			return nil, err
		}
		all = append(all, resolved)
	}

	for _, svc := range all {
		if svc.Role == RoleApp && !svc.HasHealthcheck {
			return nil, newConfigError(svc.Name, "", "service has deploy.role=app but no healthcheck defined")
		}
	}

	appServices := make([]Service, 0, len(all))
	for _, svc := range all {
		if svc.Role == RoleApp {
			appServices = append(appServices, svc)
		}
	}

	sort.SliceStable(appServices, func(i, j int) bool {
		if appServices[i].Order != appServices[j].Order {
			return appServices[i].Order < appServices[j].Order
		}
		return appServices[i].ManifestPosition < appServices[j].ManifestPosition
	})

	var warnings []string
	warnings = append(warnings, duplicateOrderWarnings(appServices)...)

	if len(serviceFilter) > 0 {
		filtered, err := applyServiceFilter(appServices, all, serviceFilter)
		if err != nil {
			return nil, err
		}
		appServices = filtered
	}

	return &PlanResult{
		Plan:        DeployPlan{Services: appServices},
		AllServices: all,
		Warnings:    warnings,
	}, nil
}

// BuildHostGroups projects the resolved service list into the
// (host,user,dir) groups the external fleet orchestrator consumes.
// Unlike Plan, this requires host/user/dir to be resolvable for every
// app/accessory service (spec §4.C step 5).
func BuildHostGroups(services []Service) ([]HostGroup, error) {
	index := make(map[string]*HostGroup)
	var order []string

	for _, svc := range services {
		if svc.Role == RoleNone {
			continue
		}
		if svc.Host == "" || svc.User == "" || svc.Dir == "" {
			return nil, newConfigError(svc.Name, "", "host/user/dir could not be resolved for host-group projection")
		}

		key := svc.Host + "\x00" + svc.User + "\x00" + svc.Dir
		group, ok := index[key]
		if !ok {
			group = &HostGroup{Host: svc.Host, User: svc.User, Dir: svc.Dir}
			index[key] = group
			order = append(order, key)
		}
		group.Services = append(group.Services, svc.Name)
	}

	groups := make([]HostGroup, 0, len(order))
	for _, key := range order {
		groups = append(groups, *index[key])
	}
	return groups, nil
}

func (p *Planner) parseProject(ctx context.Context, raw []byte) (*types.Project, error) {
	details := types.ConfigDetails{
		WorkingDir:  p.workingDir,
		ConfigFiles: []types.ConfigFile{{Filename: "merged-config.yaml", Content: raw}},
	}

	project, err := loader.LoadWithContext(ctx, details, func(o *loader.Options) {
		o.SkipValidation = true
		o.SkipInterpolation = true
		o.SkipConsistencyCheck = true
		o.SkipNormalization = true
		if p.projectName != "" {
			o.SetProjectName(p.projectName, true)
		}
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

func resolveService(svc types.ServiceConfig, position int, defHost, defUser, defDir string) (Service, error) {
	labels := svc.Labels

	role := RoleNone
	if v, ok := labels["deploy.role"]; ok {
		switch v {
		case "app":
			role = RoleApp
		case "accessory":
			role = RoleAccessory
		case "none":
			role = RoleNone
		default:
			return Service{}, newConfigError(svc.Name, "deploy.role", "unrecognized role %q", v)
		}
	}

	order, err := intLabel(labels, svc.Name, "deploy.order", DefaultOrder)
	if err != nil {
		return Service{}, err
	}
	drain, err := intLabel(labels, svc.Name, "deploy.drain", DefaultDrainSeconds)
	if err != nil {
		return Service{}, err
	}
	healthTimeout, err := intLabel(labels, svc.Name, "deploy.healthcheck.timeout", DefaultHealthcheckTimeoutSeconds)
	if err != nil {
		return Service{}, err
	}
	healthPoll, err := intLabel(labels, svc.Name, "deploy.healthcheck.poll", DefaultHealthcheckPollSeconds)
	if err != nil {
		return Service{}, err
	}

	// host/user/dir may remain empty here even for app/accessory
	// services: the single-node engine doesn't need them, only
	// BuildHostGroups does, and it errors there if so (spec §4.C step 5).
	host := firstNonEmpty(labels["deploy.host"], defHost)
	user := firstNonEmpty(labels["deploy.user"], defUser)
	dir := firstNonEmpty(labels["deploy.dir"], defDir)

	hasHealthcheck := svc.HealthCheck != nil && !svc.HealthCheck.Disable

	return Service{
		Name:                      svc.Name,
		Role:                      role,
		Order:                     order,
		ManifestPosition:          position,
		DrainSeconds:              drain,
		HealthcheckTimeoutSeconds: healthTimeout,
		HealthcheckPollSeconds:    healthPoll,
		Host:                      host,
		User:                      user,
		Dir:                       dir,
		HasHealthcheck:            hasHealthcheck,
		ImageReference:            svc.Image,
	}, nil
}

func intLabel(labels types.Labels, service, key string, def int) (int, error) {
	v, ok := labels[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, newConfigError(service, key, "expected integer, got %q", v)
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func duplicateOrderWarnings(services []Service) []string {
	byOrder := make(map[int][]string)
	for _, s := range services {
		byOrder[s.Order] = append(byOrder[s.Order], s.Name)
	}
	var warnings []string
	for order, names := range byOrder {
		if len(names) > 1 {
			warnings = append(warnings, fmt.Sprintf("services %v share deploy.order=%d; ties broken by manifest position", names, order))
		}
	}
	return warnings
}

func applyServiceFilter(appServices, all []Service, filter []string) ([]Service, error) {
	byName := make(map[string]Service, len(all))
	for _, s := range all {
		byName[s.Name] = s
	}

	wanted := make(map[string]bool, len(filter))
	for _, name := range filter {
		svc, ok := byName[name]
		if !ok {
			return nil, newConfigError(name, "", "unknown service in --service filter")
		}
		if svc.Role != RoleApp {
			return nil, newConfigError(name, "", "--service filter names a non-app service")
		}
		wanted[name] = true
	}

	filtered := make([]Service, 0, len(appServices))
	for _, s := range appServices {
		if wanted[s.Name] {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// extractXDeploy reads the top-level x-deploy extension map for the
// host/user/dir defaults (spec §4.C step 2).
func extractXDeploy(ext types.Extensions) (host, user, dir string, ok bool) {
	raw, found := ext["x-deploy"]
	if !found {
		return "", "", "", false
	}

	m, isMap := asStringMap(raw)
	if !isMap {
		return "", "", "", false
	}

	host, _ = m["host"].(string)
	user, _ = m["user"].(string)
	dir, _ = m["dir"].(string)
	return host, user, dir, true
}

func asStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out, true
	default:
		return nil, false
	}
}
