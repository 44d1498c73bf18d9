// Package metrics snapshots each run's outcome to a node-exporter
// textfile-collector file, grounded on pkg/metrics/metrics.go's direct
// prometheus.NewGaugeVec usage — but gathered into a private registry
// and written once per run rather than served over HTTP, since Flow
// Deploy is a one-shot CLI, not a long-lived process.
package metrics

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Snapshot is written to the configured textfile-collector path when a
// deploy/rollback run finishes in the engine or is refused by a lock
// conflict; a run that stops earlier on a configuration error writes
// none.
type Snapshot struct {
	Command         string
	RunID           string
	Success         bool
	DurationSeconds float64
	ServicesTotal   int
	ServicesFailed  int
	ServicesSkipped int
	LockConflict    bool
}

// Write renders snapshot as Prometheus exposition text at path,
// atomically via a temp-file-then-rename so node_exporter never reads
// a partial file.
func Write(path string, snapshot Snapshot) error {
	registry := prometheus.NewRegistry()

	durationGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flow_deploy_last_run_duration_seconds",
		Help: "Duration of the most recent deploy/rollback run.",
	})
	durationGauge.Set(snapshot.DurationSeconds)

	successGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flow_deploy_last_run_success",
		Help: "Whether the most recent run succeeded (1) or not (0).",
	})
	successGauge.Set(boolToFloat(snapshot.Success))

	lockConflictGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flow_deploy_last_run_lock_conflict",
		Help: "Whether the most recent run aborted on a lock conflict.",
	})
	lockConflictGauge.Set(boolToFloat(snapshot.LockConflict))

	servicesGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flow_deploy_last_run_services",
		Help: "Per-outcome service counts for the most recent run.",
	}, []string{"outcome"})
	servicesGauge.WithLabelValues("total").Set(float64(snapshot.ServicesTotal))
	servicesGauge.WithLabelValues("failed").Set(float64(snapshot.ServicesFailed))
	servicesGauge.WithLabelValues("skipped").Set(float64(snapshot.ServicesSkipped))

	timestampGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flow_deploy_last_run_timestamp_seconds",
		Help: "Unix timestamp of the most recent run's completion.",
	})
	timestampGauge.Set(float64(nowUnix()))

	infoGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flow_deploy_last_run_info",
		Help: "Always 1; carries the run id and command as labels for correlation with the structured log.",
	}, []string{"run_id", "command"})
	infoGauge.WithLabelValues(snapshot.RunID, snapshot.Command).Set(1)

	registry.MustRegister(durationGauge, successGauge, lockConflictGauge, servicesGauge, timestampGauge, infoGauge)

	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open metrics textfile %s: %w", tmpPath, err)
	}

	encoder := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to encode metric family %s: %w", mf.GetName(), err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close metrics textfile %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to publish metrics textfile %s: %w", path, err)
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func nowUnix() int64 { return time.Now().Unix() }
