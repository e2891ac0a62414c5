package app

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"debpub/internal/publisher"
)

func TestMetrics_ObservePublish(t *testing.T) {
	m := NewMetrics()
	finished := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	report := &publisher.Report{
		Outcomes: []publisher.Outcome{
			{PublicationID: 1, Suite: "focal", Kind: publisher.Published},
			{PublicationID: 2, Suite: "focal", Kind: publisher.Published},
			{PublicationID: 3, Suite: "focal", Kind: publisher.SkippedPocketViolation},
		},
		DirtySuites:         []string{"focal"},
		ReleaseFilesWritten: []string{"focal"},
		BindingsReaped:      4,
		SuiteErrors:         publisher.SuiteErrors{},
	}
	m.ObservePublish("ubuntu", report, 1500*time.Millisecond, finished, nil)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"published", promtestutil.ToFloat64(m.publications.WithLabelValues("ubuntu", "published")), 2},
		{"pocket violations", promtestutil.ToFloat64(m.publications.WithLabelValues("ubuntu", "skipped-pocket-violation")), 1},
		{"failed", promtestutil.ToFloat64(m.publications.WithLabelValues("ubuntu", "failed")), 0},
		{"dirty", promtestutil.ToFloat64(m.dirtySuites.WithLabelValues("ubuntu")), 1},
		{"reaped", promtestutil.ToFloat64(m.bindingsReaped.WithLabelValues("ubuntu")), 4},
		{"duration", promtestutil.ToFloat64(m.duration.WithLabelValues("ubuntu")), 1.5},
		{"success", promtestutil.ToFloat64(m.success.WithLabelValues("ubuntu")), 1},
		{"last success", promtestutil.ToFloat64(m.lastSuccess.WithLabelValues("ubuntu")), float64(finished.Unix())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	t.Run("failure keeps last success", func(t *testing.T) {
		m.ObservePublish("ubuntu", nil, time.Second, finished.Add(time.Hour), errors.New("boom"))
		if got := promtestutil.ToFloat64(m.success.WithLabelValues("ubuntu")); got != 0 {
			t.Errorf("success = %v, want 0", got)
		}
		if got := promtestutil.ToFloat64(m.lastSuccess.WithLabelValues("ubuntu")); got != float64(finished.Unix()) {
			t.Errorf("last success = %v, want unchanged", got)
		}
	})
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ObservePrune("alice-ppa", 2, 3, time.Second, time.Unix(1700000000, 0), nil)

	path := filepath.Join(t.TempDir(), "debpub.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading textfile: %v", err)
	}
	for _, want := range []string{
		`debpub_publications_removed{archive="alice-ppa"} 2`,
		`debpub_bindings_reaped{archive="alice-ppa"} 3`,
		`debpub_run_success{archive="alice-ppa"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q:\n%s", want, data)
		}
	}

	var nilMetrics *Metrics
	if err := nilMetrics.WriteTextfile(path); err != nil {
		t.Errorf("nil Metrics WriteTextfile() error = %v", err)
	}
}
