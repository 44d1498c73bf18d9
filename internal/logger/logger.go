// Package logger implements the engine's structured stdout stream:
// timestamped lines, section markers, per-service blocks, and (under
// GITHUB_ACTIONS) CI log control sequences plus a step summary file.
//
// It wraps a *logrus.Logger the way agent/cmd/agent/main.go's
// setupLogging does, but renders through a custom logrus.Formatter
// instead of logrus's built-in text/JSON formatters, because the wire
// format here is a fixed human/CI contract, not a generic log schema.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger drives the engine's stdout progress stream.
type Logger struct {
	log        *logrus.Logger
	out        io.Writer
	ci         bool
	summary    []summaryRow
	summaryAt  string
	clockNowFn func() time.Time
}

type summaryRow struct {
	service string
	outcome string
	elapsed time.Duration
}

// New creates a Logger writing to stdout. ci enables GitHub Actions
// control sequences; stepSummaryPath, when non-empty, receives a
// markdown summary block on Close.
func New(ci bool, stepSummaryPath string) *Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&plainFormatter{})

	return &Logger{
		log:        log,
		out:        os.Stdout,
		ci:         ci,
		summaryAt:  stepSummaryPath,
		clockNowFn: time.Now,
	}
}

// plainFormatter renders only the message, since the [HH:MM:SS] prefix
// and section/service decoration are applied explicitly by Logger so
// that CI control sequences can be interleaved without logrus quoting
// or escaping them.
type plainFormatter struct{}

func (f *plainFormatter) Format(e *logrus.Entry) ([]byte, error) {
	return []byte(e.Message + "\n"), nil
}

func (l *Logger) timestamp() string {
	return l.clockNowFn().Local().Format("15:04:05")
}

func (l *Logger) line(msg string) {
	l.log.Infof("[%s] %s", l.timestamp(), msg)
}

// Section starts a named section, e.g. "planning", "lock".
func (l *Logger) Section(name string) {
	l.line(fmt.Sprintf("── %s ──", name))
}

// SectionDone closes the most recently opened section successfully.
func (l *Logger) SectionDone(elapsed time.Duration) {
	l.line(fmt.Sprintf("── complete (%.1fs) ──", elapsed.Seconds()))
}

// SectionFailed closes the run with the fixed FAILED marker (§7).
func (l *Logger) SectionFailed() {
	l.line("── FAILED (deploy aborted) ──")
}

// ServiceStart opens a per-service block, emitting ::group:: under CI.
func (l *Logger) ServiceStart(service string) {
	l.line(fmt.Sprintf("▸ %s", service))
	if l.ci {
		fmt.Fprintf(l.out, "::group::%s\n", service)
	}
}

// ServiceSucceeded closes a per-service block with the ✓ marker.
func (l *Logger) ServiceSucceeded(service string, elapsed time.Duration) {
	l.line(fmt.Sprintf("✓ %s deployed (%.1fs)", service, elapsed.Seconds()))
	if l.ci {
		fmt.Fprintln(l.out, "::endgroup::")
	}
	l.summary = append(l.summary, summaryRow{service: service, outcome: "Succeeded", elapsed: elapsed})
}

// ServiceFailed closes a per-service block with the ✗ marker and, under
// CI, an ::error:: annotation.
func (l *Logger) ServiceFailed(service, reason string) {
	l.line(fmt.Sprintf("✗ %s FAILED: %s", service, reason))
	if l.ci {
		fmt.Fprintf(l.out, "::error::%s failed: %s\n", service, reason)
		fmt.Fprintln(l.out, "::endgroup::")
	}
	l.summary = append(l.summary, summaryRow{service: service, outcome: "Failed: " + reason})
}

// ServiceSkipped records a service skipped after an earlier failure.
func (l *Logger) ServiceSkipped(service string) {
	l.line(fmt.Sprintf("▸ %s skipped", service))
	l.summary = append(l.summary, summaryRow{service: service, outcome: "Skipped"})
}

// Info and Warn forward plain progress lines. Debug lines are dropped
// at the Info level New sets.
func (l *Logger) Info(msg string)  { l.line(msg) }
func (l *Logger) Warn(msg string)  { l.line("warning: " + msg) }
func (l *Logger) Debug(msg string) { l.log.Debugf("[%s] %s", l.timestamp(), msg) }

// Close flushes the step summary file, if configured.
func (l *Logger) Close() error {
	if l.summaryAt == "" || len(l.summary) == 0 {
		return nil
	}

	f, err := os.OpenFile(l.summaryAt, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open step summary file: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	b.WriteString("## Flow Deploy\n\n")
	b.WriteString("| Service | Outcome | Elapsed |\n")
	b.WriteString("|---|---|---|\n")
	for _, row := range l.summary {
		elapsed := "-"
		if row.elapsed > 0 {
			elapsed = fmt.Sprintf("%.1fs", row.elapsed.Seconds())
		}
		b.WriteString(fmt.Sprintf("| %s | %s | %s |\n", row.service, row.outcome, elapsed))
	}

	_, err = f.WriteString(b.String())
	return err
}
