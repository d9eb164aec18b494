package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 任务与积分指标
var (
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_submitted_total",
			Help: "Total number of generation jobs submitted",
		},
		[]string{"category", "queued"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_completed_total",
			Help: "Total number of generation jobs completed",
		},
		[]string{"category"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_failed_total",
			Help: "Total number of generation jobs failed",
		},
		[]string{"category"},
	)

	JobsCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_cancelled_total",
			Help: "Total number of generation jobs cancelled",
		},
		[]string{"category"},
	)

	JobsTimedOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_timed_out_total",
			Help: "Total number of processing jobs swept as stuck",
		},
		[]string{"category"},
	)

	JobsProcessing = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "generation_jobs_processing",
			Help: "Number of jobs currently in processing state",
		},
		[]string{"category"},
	)

	CreditsDeducted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_deducted_total",
			Help: "Total credits deducted from user packages",
		},
	)

	CreditsRefunded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_refunded_total",
			Help: "Total credits refunded to users on cancellation",
		},
	)

	ReferralBonusGranted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "referral_bonus_credits_total",
			Help: "Total referral bonus credits granted",
		},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total requests rejected by the rate limiter",
		},
		[]string{"reason"}, // reason: hourly_quota, api_key_hourly, key_concurrency, user_concurrency
	)

	ArtifactsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "artifacts_expired_total",
			Help: "Total artifacts removed by the expiry sweep",
		},
	)
)
