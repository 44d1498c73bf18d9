package manifest

import (
	"context"
	"strings"
	"testing"

	"github.com/compose-spec/compose-go/v2/types"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	raw []byte
	err error
}

func (f fakeReader) Config(ctx context.Context) ([]byte, error) {
	return f.raw, f.err
}

const sampleManifest = `
x-deploy:
  host: prod.example.com
  user: deploy
  dir: /srv/app

services:
  web:
    image: example/web:latest
    labels:
      deploy.role: app
      deploy.order: "10"
    healthcheck:
      test: ["CMD", "true"]
  worker:
    image: example/worker:latest
    labels:
      deploy.role: app
      deploy.order: "20"
      deploy.host: worker.example.com
      deploy.user: worker
      deploy.dir: /srv/worker
    healthcheck:
      test: ["CMD", "true"]
  db:
    image: postgres:16
    labels:
      deploy.role: accessory
  scratch:
    image: busybox
`

func TestPlanResolvesRoleOrderAndHostDefaults(t *testing.T) {
	p := New(fakeReader{raw: []byte(sampleManifest)}, "sample", "/work")
	result, err := p.Plan(context.Background(), nil)
	require.NoError(t, err)

	require.Equal(t, []string{"web", "worker"}, result.Plan.Names())

	web := findService(t, result.AllServices, "web")
	require.Equal(t, RoleApp, web.Role)
	require.Equal(t, "prod.example.com", web.Host)
	require.Equal(t, "deploy", web.User)
	require.Equal(t, "/srv/app", web.Dir)

	worker := findService(t, result.AllServices, "worker")
	require.Equal(t, "worker.example.com", worker.Host, "worker should override x-deploy defaults with its own labels")
	require.Equal(t, "worker", worker.User)
	require.Equal(t, "/srv/worker", worker.Dir)

	db := findService(t, result.AllServices, "db")
	require.Equal(t, RoleAccessory, db.Role)

	scratch := findService(t, result.AllServices, "scratch")
	require.Equal(t, RoleNone, scratch.Role)
}

func TestPlanRejectsAppServiceWithoutHealthcheck(t *testing.T) {
	manifest := `
services:
  web:
    image: example/web:latest
    labels:
      deploy.role: app
`
	p := New(fakeReader{raw: []byte(manifest)}, "sample", "/work")
	_, err := p.Plan(context.Background(), nil)
	if err == nil {
		t.Fatal("expected a configuration error for an app service with no healthcheck")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Fatalf("expected *ConfigurationError, got %T: %v", err, err)
	}
}

func TestPlanServiceFilterRejectsUnknownService(t *testing.T) {
	p := New(fakeReader{raw: []byte(sampleManifest)}, "sample", "/work")
	_, err := p.Plan(context.Background(), []string{"does-not-exist"})
	if err == nil {
		t.Fatal("expected an error for an unknown --service filter entry")
	}
}

func TestPlanServiceFilterRejectsNonAppService(t *testing.T) {
	p := New(fakeReader{raw: []byte(sampleManifest)}, "sample", "/work")
	_, err := p.Plan(context.Background(), []string{"db"})
	if err == nil {
		t.Fatal("expected an error when --service names a non-app service")
	}
}

func TestPlanServiceFilterNarrowsPlan(t *testing.T) {
	p := New(fakeReader{raw: []byte(sampleManifest)}, "sample", "/work")
	result, err := p.Plan(context.Background(), []string{"worker"})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if got := result.Plan.Names(); len(got) != 1 || got[0] != "worker" {
		t.Fatalf("Plan().Names() = %v, want [worker]", got)
	}
}

func TestPlanWarnsOnDuplicateOrder(t *testing.T) {
	manifest := `
services:
  a:
    image: x
    labels:
      deploy.role: app
      deploy.order: "5"
    healthcheck:
      test: ["CMD", "true"]
  b:
    image: x
    labels:
      deploy.role: app
      deploy.order: "5"
    healthcheck:
      test: ["CMD", "true"]
`
	p := New(fakeReader{raw: []byte(manifest)}, "sample", "/work")
	result, err := p.Plan(context.Background(), nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected exactly one duplicate-order warning, got %v", result.Warnings)
	}
	if !strings.Contains(result.Warnings[0], "order=5") {
		t.Errorf("warning text = %q, missing order detail", result.Warnings[0])
	}
	// Manifest position breaks the tie, so "a" still sorts before "b".
	if got := result.Plan.Names(); got[0] != "a" || got[1] != "b" {
		t.Errorf("Plan().Names() = %v, want [a b]", got)
	}
}

func TestPlanRejectsUnrecognizedRoleLabel(t *testing.T) {
	manifest := `
services:
  a:
    image: x
    labels:
      deploy.role: bogus
`
	p := New(fakeReader{raw: []byte(manifest)}, "sample", "/work")
	_, err := p.Plan(context.Background(), nil)
	if err == nil {
		t.Fatal("expected an error for an unrecognized deploy.role value")
	}
}

func TestPlanRejectsNonIntegerOrderLabel(t *testing.T) {
	manifest := `
services:
  a:
    image: x
    labels:
      deploy.role: app
      deploy.order: "not-a-number"
    healthcheck:
      test: ["CMD", "true"]
`
	p := New(fakeReader{raw: []byte(manifest)}, "sample", "/work")
	_, err := p.Plan(context.Background(), nil)
	if err == nil {
		t.Fatal("expected an error for a non-integer deploy.order label")
	}
}

func TestPlanDefaultsAppliedWhenLabelsAbsent(t *testing.T) {
	manifest := `
services:
  a:
    image: x
    labels:
      deploy.role: app
    healthcheck:
      test: ["CMD", "true"]
`
	p := New(fakeReader{raw: []byte(manifest)}, "sample", "/work")
	result, err := p.Plan(context.Background(), nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	svc := findService(t, result.AllServices, "a")
	if svc.Order != DefaultOrder {
		t.Errorf("Order = %d, want default %d", svc.Order, DefaultOrder)
	}
	if svc.DrainSeconds != DefaultDrainSeconds {
		t.Errorf("DrainSeconds = %d, want default %d", svc.DrainSeconds, DefaultDrainSeconds)
	}
	if svc.HealthcheckTimeoutSeconds != DefaultHealthcheckTimeoutSeconds {
		t.Errorf("HealthcheckTimeoutSeconds = %d, want default %d", svc.HealthcheckTimeoutSeconds, DefaultHealthcheckTimeoutSeconds)
	}
	if svc.HealthcheckPollSeconds != DefaultHealthcheckPollSeconds {
		t.Errorf("HealthcheckPollSeconds = %d, want default %d", svc.HealthcheckPollSeconds, DefaultHealthcheckPollSeconds)
	}
}

func TestBuildHostGroupsDedupesByHostUserDir(t *testing.T) {
	services := []Service{
		{Name: "web", Role: RoleApp, Host: "h1", User: "u", Dir: "/d"},
		{Name: "worker", Role: RoleApp, Host: "h1", User: "u", Dir: "/d"},
		{Name: "db", Role: RoleAccessory, Host: "h2", User: "u", Dir: "/d2"},
		{Name: "scratch", Role: RoleNone},
	}

	groups, err := BuildHostGroups(services)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, "h1", groups[0].Host)
	require.ElementsMatch(t, []string{"web", "worker"}, groups[0].Services)
}

func TestBuildHostGroupsErrorsOnUnresolvedHost(t *testing.T) {
	services := []Service{
		{Name: "web", Role: RoleApp, Host: "", User: "u", Dir: "/d"},
	}
	_, err := BuildHostGroups(services)
	if err == nil {
		t.Fatal("expected an error when host cannot be resolved for an app service")
	}
}

func findService(t *testing.T, services []Service, name string) Service {
	t.Helper()
	for _, s := range services {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("service %q not found in %v", name, services)
	return Service{}
}

// Sanity check that resolveService itself (not just Plan end-to-end)
// handles a directly constructed types.ServiceConfig the loader would
// produce, covering the role/order/label resolution in isolation.
func TestResolveServiceDirect(t *testing.T) {
	svc := types.ServiceConfig{
		Name:  "direct",
		Image: "example/direct:latest",
		Labels: types.Labels{
			"deploy.role":  "app",
			"deploy.order": "7",
		},
		HealthCheck: &types.HealthCheckConfig{},
	}

	resolved, err := resolveService(svc, 3, "default-host", "default-user", "default-dir")
	if err != nil {
		t.Fatalf("resolveService() error = %v", err)
	}
	if resolved.Role != RoleApp || resolved.Order != 7 || resolved.ManifestPosition != 3 {
		t.Errorf("resolved = %+v", resolved)
	}
	if resolved.Host != "default-host" {
		t.Errorf("Host = %q, want default-host", resolved.Host)
	}
	if !resolved.HasHealthcheck {
		t.Error("expected HasHealthcheck = true for a non-disabled healthcheck block")
	}
}
