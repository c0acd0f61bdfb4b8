package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	balAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bal_appends_total",
		Help: "Total append attempts by outcome.",
	}, []string{"outcome"})

	balAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bal_append_duration_seconds",
		Help:    "End-to-end append latency including sink persistence.",
		Buckets: prometheus.DefBuckets,
	})

	balChainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bal_chain_length",
		Help: "Number of blocks in the chain including genesis.",
	})

	balVerifyRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bal_verify_runs_total",
		Help: "Total verification runs by result (clean or violations).",
	}, []string{"result"})

	balViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bal_violations_total",
		Help: "Total integrity violations detected by kind.",
	}, []string{"kind"})
)

func recordAppend(outcome string, seconds float64) {
	balAppendsTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		balAppendDuration.Observe(seconds)
	}
}

func recordVerify(violations []Violation) {
	if len(violations) == 0 {
		balVerifyRunsTotal.WithLabelValues("clean").Inc()
		return
	}
	balVerifyRunsTotal.WithLabelValues("violations").Inc()
	for _, v := range violations {
		balViolationsTotal.WithLabelValues(string(v.Kind)).Inc()
	}
}
