package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voteflow_engine_votes_total",
			Help: "Total number of vote operations",
		},
		[]string{"op"}, // vote, reset
	)

	StakeOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voteflow_engine_stake_ops_total",
			Help: "Total number of stake and unstake operations",
		},
		[]string{"op"}, // stake, unstake
	)

	DistributionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voteflow_engine_distributions_total",
			Help: "Total number of revenue distribution pulls",
		},
	)

	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voteflow_engine_auction_purchases_total",
			Help: "Total number of auction purchases",
		},
		[]string{"strategy"},
	)

	BufferFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voteflow_engine_buffer_flushes_total",
			Help: "Total number of reward buffer forwards into streams",
		},
		[]string{"strategy"},
	)

	RewardClaimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voteflow_engine_reward_claims_total",
			Help: "Total number of reward claim operations",
		},
	)

	OperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voteflow_engine_operation_errors_total",
			Help: "Total number of failed engine operations",
		},
		[]string{"op"},
	)
)
