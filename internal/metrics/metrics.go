// Package metrics holds the Prometheus instruments for the import engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Row outcomes reported on the rows counter.
const (
	OutcomeInserted = "inserted"
	OutcomeUpdated  = "updated"
	OutcomeFailed   = "failed"
)

type Metrics struct {
	ImportRows              *prometheus.CounterVec
	ImportBatches           prometheus.Counter
	CoursesCreated          prometheus.Counter
	AllocationRetries       prometheus.Counter
	FolderProvisionFailures prometheus.Counter
}

// New registers the instruments on reg. Pass prometheus.DefaultRegisterer
// in binaries and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ImportRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certledger_import_rows_total",
			Help: "Import rows processed, by outcome",
		}, []string{"outcome"}),
		ImportBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "certledger_import_batches_total",
			Help: "Import batches processed",
		}),
		CoursesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "certledger_courses_created_total",
			Help: "Courses created implicitly by imports",
		}),
		AllocationRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "certledger_allocation_retries_total",
			Help: "Certificate code or course id claims retried after a collision",
		}),
		FolderProvisionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "certledger_folder_provision_failures_total",
			Help: "Course folder provisioning attempts that failed",
		}),
	}
}

// Nop returns instruments registered on a private registry, for callers
// that do not export metrics.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// The helpers below accept a nil receiver.

func (m *Metrics) RowProcessed(outcome string) {
	if m == nil {
		return
	}
	m.ImportRows.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BatchProcessed() {
	if m == nil {
		return
	}
	m.ImportBatches.Inc()
}

func (m *Metrics) CourseCreated() {
	if m == nil {
		return
	}
	m.CoursesCreated.Inc()
}

func (m *Metrics) AllocationRetried() {
	if m == nil {
		return
	}
	m.AllocationRetries.Inc()
}

func (m *Metrics) FolderProvisionFailed() {
	if m == nil {
		return
	}
	m.FolderProvisionFailures.Inc()
}
