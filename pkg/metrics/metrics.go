// Package metrics exposes run progress to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoundTotal counts finished rounds by outcome.
	RoundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roundsync_round_total",
			Help: "Total number of training rounds finished",
		},
		[]string{"run", "status"},
	)

	CurrentRound = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roundsync_current_round",
			Help: "Index of the round in progress",
		},
		[]string{"run", "rank"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roundsync_phase_duration_seconds",
			Help:    "Time spent in each coordinator phase",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 12), // 1ms to ~70m
		},
		[]string{"run", "rank", "phase"},
	)

	ContributionsGathered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roundsync_contributions_gathered_total",
			Help: "Parameter sets gathered at the coordinator",
		},
		[]string{"run"},
	)

	PayloadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roundsync_payload_bytes_total",
			Help: "Encoded parameter bytes exchanged by collectives",
		},
		[]string{"run", "rank", "collective"},
	)

	ConsensusNorm = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roundsync_consensus_norm",
			Help: "L2 norm of the consensus parameters after aggregation",
		},
		[]string{"run"},
	)

	EvaluationScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roundsync_evaluation_score",
			Help: "Final test set loss and accuracy",
		},
		[]string{"run", "metric"},
	)
)
