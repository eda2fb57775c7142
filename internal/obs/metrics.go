package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	OperationsTotal *prometheus.CounterVec   // op=borrow|return|renew|reserve|cancel|..., result=ok|<error kind>
	OpLatencyMS     *prometheus.HistogramVec // op

	AllocationsTotal *prometheus.CounterVec // outcome=granted|fine_blocked|already_holding
	FinesAccrued     prometheus.Counter     // minor units posted to balances
	FinesPaid        prometheus.Counter     // minor units settled
	ExpiredTotal     prometheus.Counter
	BalanceRepairs   prometheus.Counter

	NotificationsTotal *prometheus.CounterVec // result=sent|failed|dropped
	JournalEventsTotal *prometheus.CounterVec // result=written|failed|dropped
	JobRunsTotal       *prometheus.CounterVec // job, result=ok|error
}

// NewMetrics creates the circulation metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circulation_operations_total",
				Help: "Circulation operations by result",
			},
			[]string{"op", "result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "circulation_op_latency_ms",
				Help:    "Latency of circulation operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		AllocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circulation_allocations_total",
				Help: "Reservation allocation decisions by outcome",
			},
			[]string{"outcome"},
		),
		FinesAccrued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circulation_fines_accrued_minor_total",
			Help: "Fine amounts posted to user balances, in minor units",
		}),
		FinesPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circulation_fines_paid_minor_total",
			Help: "Fine amounts settled by payment callbacks, in minor units",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circulation_reservations_expired_total",
			Help: "Reservations moved to expired by the sweep",
		}),
		BalanceRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circulation_balance_repairs_total",
			Help: "Fine balances corrected by the reconciliation job",
		}),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circulation_notifications_total",
				Help: "Notification deliveries by result",
			},
			[]string{"result"},
		),
		JournalEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circulation_journal_events_total",
				Help: "Circulation journal writes by result",
			},
			[]string{"result"},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circulation_job_runs_total",
				Help: "Scheduled job runs by result",
			},
			[]string{"job", "result"},
		),
	}

	reg.MustRegister(
		m.OperationsTotal,
		m.OpLatencyMS,
		m.AllocationsTotal,
		m.FinesAccrued,
		m.FinesPaid,
		m.ExpiredTotal,
		m.BalanceRepairs,
		m.NotificationsTotal,
		m.JournalEventsTotal,
		m.JobRunsTotal,
	)

	return m
}
