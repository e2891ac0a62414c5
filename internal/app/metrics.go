package app

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"debpub/internal/publisher"
)

// Metrics holds the gauges describing the last run of each archive. They
// are written to a node_exporter textfile rather than served.
type Metrics struct {
	registry            *prometheus.Registry
	publications        *prometheus.GaugeVec
	dirtySuites         *prometheus.GaugeVec
	releasesWritten     *prometheus.GaugeVec
	suiteErrors         *prometheus.GaugeVec
	deletionsScheduled  *prometheus.GaugeVec
	publicationsRemoved *prometheus.GaugeVec
	bindingsReaped      *prometheus.GaugeVec
	duration            *prometheus.GaugeVec
	success             *prometheus.GaugeVec
	lastSuccess         *prometheus.GaugeVec
}

// NewMetrics registers the run collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "debpub",
			Name:      name,
			Help:      help,
		}, append([]string{"archive"}, labels...))
		registry.MustRegister(g)
		return g
	}

	return &Metrics{
		registry:            registry,
		publications:        gauge("publications", "Publications processed in the last run by outcome", "outcome"),
		dirtySuites:         gauge("dirty_suites", "Suites marked dirty in the last run"),
		releasesWritten:     gauge("release_files_written", "Suites whose Release file was written in the last run"),
		suiteErrors:         gauge("suite_errors", "Suites that failed in the last run"),
		deletionsScheduled:  gauge("deletions_scheduled", "Deleted publications given a deletion date in the last run"),
		publicationsRemoved: gauge("publications_removed", "Publications removed from the pool in the last run"),
		bindingsReaped:      gauge("bindings_reaped", "By-hash bindings reaped in the last run"),
		duration:            gauge("run_duration_seconds", "Duration of the last run"),
		success:             gauge("run_success", "Whether the last run finished without errors"),
		lastSuccess:         gauge("last_success_timestamp_seconds", "Unix time of the last run without errors"),
	}
}

var outcomeKinds = []publisher.OutcomeKind{
	publisher.Published,
	publisher.SkippedPocketViolation,
	publisher.SkippedDisabledArchitecture,
	publisher.SkippedSeriesStatus,
	publisher.Failed,
}

// ObservePublish records a publish run. report may be nil when the run
// failed before producing one.
func (m *Metrics) ObservePublish(archive string, report *publisher.Report, elapsed time.Duration, finished time.Time, runErr error) {
	if m == nil {
		return
	}
	if report != nil {
		for _, k := range outcomeKinds {
			m.publications.WithLabelValues(archive, k.String()).Set(float64(report.Count(k)))
		}
		m.dirtySuites.WithLabelValues(archive).Set(float64(len(report.DirtySuites)))
		m.releasesWritten.WithLabelValues(archive).Set(float64(len(report.ReleaseFilesWritten)))
		m.suiteErrors.WithLabelValues(archive).Set(float64(len(report.SuiteErrors)))
		m.deletionsScheduled.WithLabelValues(archive).Set(float64(report.DeletionsScheduled))
		m.publicationsRemoved.WithLabelValues(archive).Set(float64(report.PublicationsRemoved))
		m.bindingsReaped.WithLabelValues(archive).Set(float64(report.BindingsReaped))
	}
	m.finish(archive, elapsed, finished, runErr)
}

// ObservePrune records a prune-only run.
func (m *Metrics) ObservePrune(archive string, removed, reaped int, elapsed time.Duration, finished time.Time, runErr error) {
	if m == nil {
		return
	}
	m.publicationsRemoved.WithLabelValues(archive).Set(float64(removed))
	m.bindingsReaped.WithLabelValues(archive).Set(float64(reaped))
	m.finish(archive, elapsed, finished, runErr)
}

func (m *Metrics) finish(archive string, elapsed time.Duration, finished time.Time, runErr error) {
	m.duration.WithLabelValues(archive).Set(elapsed.Seconds())
	if runErr != nil {
		m.success.WithLabelValues(archive).Set(0)
		return
	}
	m.success.WithLabelValues(archive).Set(1)
	m.lastSuccess.WithLabelValues(archive).Set(float64(finished.Unix()))
}

// WriteTextfile writes every gathered metric to path in the text
// exposition format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
