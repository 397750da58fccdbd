package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	compositionOnce sync.Once

	compositionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sheetbuilder",
		Subsystem: "composition",
		Name:      "started_total",
		Help:      "Composition tasks spawned.",
	})

	compositionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sheetbuilder",
		Subsystem: "composition",
		Name:      "completed_total",
		Help:      "Composition tasks that produced an output document.",
	})

	compositionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sheetbuilder",
		Subsystem: "composition",
		Name:      "failed_total",
		Help:      "Composition tasks that ended in failure.",
	})

	sheetsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sheetbuilder",
		Subsystem: "composition",
		Name:      "sheets_generated_total",
		Help:      "Output sheets written across all jobs.",
	})
)

func registerComposition() {
	compositionOnce.Do(func() {
		prometheus.MustRegister(compositionsStarted, compositionsCompleted, compositionsFailed, sheetsGenerated)
	})
}

// CompositionStarted counts a spawned composition task.
func CompositionStarted() {
	registerComposition()
	compositionsStarted.Inc()
}

// CompositionCompleted counts a successful run and its emitted sheets.
func CompositionCompleted(sheets int) {
	registerComposition()
	compositionsCompleted.Inc()
	sheetsGenerated.Add(float64(sheets))
}

// CompositionFailed counts a failed run.
func CompositionFailed() {
	registerComposition()
	compositionsFailed.Inc()
}
