package circulation

import "context"

// ExpiryJob expires stale reservations
type ExpiryJob struct {
	svc *Service
}

// NewExpiryJob creates the reservation expiry task
func NewExpiryJob(svc *Service) *ExpiryJob {
	return &ExpiryJob{svc: svc}
}

func (j *ExpiryJob) Name() string { return "reservation_expiry" }

func (j *ExpiryJob) RunOnce(ctx context.Context) error {
	_, err := j.svc.ExpireReservations(ctx)
	return err
}

// FineSweepJob brings the fines of overdue active borrows up to date
type FineSweepJob struct {
	svc *Service
}

// NewFineSweepJob creates the overdue fine sweep task
func NewFineSweepJob(svc *Service) *FineSweepJob {
	return &FineSweepJob{svc: svc}
}

func (j *FineSweepJob) Name() string { return "fine_sweep" }

func (j *FineSweepJob) RunOnce(ctx context.Context) error {
	_, err := j.svc.SweepOverdueFines(ctx)
	return err
}

// ReconcileJob repairs fine balances that drifted from the unpaid fines
type ReconcileJob struct {
	svc *Service
}

// NewReconcileJob creates the balance reconciliation task
func NewReconcileJob(svc *Service) *ReconcileJob {
	return &ReconcileJob{svc: svc}
}

func (j *ReconcileJob) Name() string { return "balance_reconcile" }

func (j *ReconcileJob) RunOnce(ctx context.Context) error {
	_, err := j.svc.ReconcileBalances(ctx)
	return err
}
