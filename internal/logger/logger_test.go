package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPlainFormatterRendersMessageOnly(t *testing.T) {
	l := New(false, "")
	var buf bytes.Buffer
	l.out = &buf
	l.log.SetOutput(&buf)
	l.clockNowFn = func() time.Time { return time.Date(2026, 7, 30, 9, 5, 1, 0, time.Local) }

	l.Info("hello")
	if got := buf.String(); got != "[09:05:01] hello\n" {
		t.Errorf("Info() wrote %q", got)
	}
}

func TestServiceStartEmitsGroupMarkerUnderCI(t *testing.T) {
	l := New(true, "")
	var buf bytes.Buffer
	l.out = &buf
	l.log.SetOutput(&buf)
	l.clockNowFn = func() time.Time { return time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC) }

	l.ServiceStart("web")
	out := buf.String()
	if !strings.Contains(out, "▸ web") {
		t.Errorf("expected a service-start line, got %q", out)
	}
	if !strings.Contains(out, "::group::web") {
		t.Errorf("expected a ::group:: control sequence under CI, got %q", out)
	}
}

func TestServiceStartOmitsGroupMarkerOutsideCI(t *testing.T) {
	l := New(false, "")
	var buf bytes.Buffer
	l.out = &buf
	l.log.SetOutput(&buf)
	l.clockNowFn = func() time.Time { return time.Now() }

	l.ServiceStart("web")
	if strings.Contains(buf.String(), "::group::") {
		t.Error("did not expect a CI control sequence outside GITHUB_ACTIONS")
	}
}

func TestServiceFailedEmitsErrorAnnotationUnderCI(t *testing.T) {
	l := New(true, "")
	var buf bytes.Buffer
	l.out = &buf
	l.log.SetOutput(&buf)
	l.clockNowFn = func() time.Time { return time.Now() }

	l.ServiceFailed("web", "health check timeout after 30s")
	out := buf.String()
	if !strings.Contains(out, "::error::web failed: health check timeout after 30s") {
		t.Errorf("expected an ::error:: annotation, got %q", out)
	}
	if !strings.Contains(out, "::endgroup::") {
		t.Errorf("expected an ::endgroup:: after the failure, got %q", out)
	}
}

func TestCloseWritesStepSummaryTable(t *testing.T) {
	dir := t.TempDir()
	summaryPath := filepath.Join(dir, "summary.md")

	l := New(false, summaryPath)
	var buf bytes.Buffer
	l.out = &buf
	l.log.SetOutput(&buf)
	l.clockNowFn = func() time.Time { return time.Now() }

	l.ServiceSucceeded("web", 2*time.Second)
	l.ServiceFailed("worker", "boom")
	l.ServiceSkipped("cache")

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(summaryPath)
	if err != nil {
		t.Fatalf("failed to read step summary: %v", err)
	}
	content := string(data)
	for _, want := range []string{"web", "2.0s", "worker", "Failed: boom", "cache", "Skipped"} {
		if !strings.Contains(content, want) {
			t.Errorf("step summary missing %q, got:\n%s", want, content)
		}
	}
}

func TestCloseIsNoopWhenNoSummaryPathConfigured(t *testing.T) {
	l := New(false, "")
	l.clockNowFn = func() time.Time { return time.Now() }
	l.ServiceSucceeded("web", time.Second)

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v, want nil when no step summary path is configured", err)
	}
}
