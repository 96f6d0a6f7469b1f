package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const DefaultReconcileInterval = time.Minute

type ReconcileReport struct {
	Adopted []UserID  `json:"adopted"`
	Cleared []UserID  `json:"cleared"`
	Errored []UserID  `json:"errored"`
	Removed []UserID  `json:"removed"`
	At      time.Time `json:"at"`
}

func (r ReconcileReport) Changed() bool {
	return len(r.Adopted)+len(r.Cleared)+len(r.Errored)+len(r.Removed) > 0
}

// ReconcileOptions tunes a single sweep.
type ReconcileOptions struct {
	// Cleanup removes services whose tasks all failed instead of only marking them.
	Cleanup bool
}

// Reconciler repairs drift between the orchestrator's managed services and the placement
// records: a service without a record is adopted, a running record without a service is
// cleared and a service whose tasks all failed is marked as error.
type Reconciler struct {
	orch     Orchestrator
	store    PlacementStore
	locks    *UserLocks
	appLabel string
	interval time.Duration
	cleanup  bool
	metrics  *Metrics
	log      *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewReconciler(orch Orchestrator, store PlacementStore, locks *UserLocks, appLabel string, interval time.Duration, metrics *Metrics, log *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		orch:     orch,
		store:    store,
		locks:    locks,
		appLabel: appLabel,
		interval: interval,
		metrics:  metrics,
		log:      log.With("component", "reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// WithCleanup makes periodic sweeps remove failed services.
func (r *Reconciler) WithCleanup(enabled bool) *Reconciler {
	r.cleanup = enabled
	return r
}

func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-r.stopCh:
			r.log.Info("stopping reconciliation loop")
			return
		case <-ctx.Done():
			r.log.Info("context cancelled, stopping reconciliation")
			return
		}
	}
}

func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) sweep(ctx context.Context) {
	report, err := r.Reconcile(ctx)
	if err != nil {
		r.log.Error("reconcile failed", "error", err)
		return
	}
	if report.Changed() {
		r.log.Info("reconciled placements",
			"adopted", report.Adopted, "cleared", report.Cleared,
			"errored", report.Errored, "removed", report.Removed)
	}
}

// Reconcile runs one sweep with the reconciler's own cleanup setting.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	return r.ReconcileWith(ctx, ReconcileOptions{Cleanup: r.cleanup})
}

// ReconcileWith runs one sweep. Both listings are only hints: every user is re-checked
// under its lock before anything is written.
func (r *Reconciler) ReconcileWith(ctx context.Context, opts ReconcileOptions) (ReconcileReport, error) {
	report := ReconcileReport{
		Adopted: []UserID{},
		Cleared: []UserID{},
		Errored: []UserID{},
		Removed: []UserID{},
	}

	services, err := r.orch.ListServices(ctx, LabelApp+"="+r.appLabel)
	if err != nil {
		return report, fmt.Errorf("failed to list services: %w", err)
	}
	placements, err := r.store.ListPlacements(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list placements: %w", err)
	}

	live := make(map[UserID]bool, len(services))
	for _, svc := range services {
		actual, ok := placementFromLabels(svc)
		if !ok {
			r.log.Warn("skipping managed service without user label", "service", svc.Name)
			continue
		}
		live[actual.UserID] = true

		action, err := r.repair(ctx, svc.Name, actual, opts)
		if err != nil {
			r.log.Warn("failed to repair placement", "user_id", actual.UserID, "error", err)
			continue
		}
		switch action {
		case "adopted":
			report.Adopted = append(report.Adopted, actual.UserID)
		case "errored":
			report.Errored = append(report.Errored, actual.UserID)
		case "removed":
			report.Removed = append(report.Removed, actual.UserID)
		}
	}

	for _, p := range placements {
		if p.Status != PlacementRunning || live[p.UserID] {
			continue
		}
		cleared, err := r.clear(ctx, p.UserID)
		if err != nil {
			r.log.Warn("failed to clear ghost placement", "user_id", p.UserID, "error", err)
			continue
		}
		if cleared {
			report.Cleared = append(report.Cleared, p.UserID)
		}
	}

	report.At = time.Now().UTC()
	r.metrics.reconcile(report)
	return report, nil
}

func (r *Reconciler) lock(uid UserID) func() {
	if r.locks == nil {
		return func() {}
	}
	return r.locks.Lock(uid)
}

// repair brings the record of one listed service in line with the cluster. The service is
// inspected again under the user's lock, so a stop or recreate that raced the listing wins.
func (r *Reconciler) repair(ctx context.Context, name string, actual *Placement, opts ReconcileOptions) (string, error) {
	defer r.lock(actual.UserID)()

	svc, err := r.orch.InspectService(ctx, name)
	if errors.Is(err, ErrServiceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if svc.ID != actual.ServiceID {
		return "", nil
	}

	recorded, err := r.store.GetPlacement(ctx, actual.UserID)
	if err != nil {
		return "", err
	}
	tasks, err := r.orch.ListTasks(ctx, TaskFilter{Service: svc.ID})
	if err != nil {
		return "", err
	}

	if allFailed(tasks) {
		if opts.Cleanup {
			if err := r.orch.RemoveService(ctx, name); err != nil && !errors.Is(err, ErrServiceNotFound) {
				return "", err
			}
			r.log.Info("removed failed service", "user_id", actual.UserID, "service", name)
			return "removed", r.store.ClearPlacement(ctx, actual.UserID)
		}
		if recorded != nil && recorded.Status == PlacementError && recorded.ServiceID == actual.ServiceID {
			return "", nil
		}
		actual.Status = PlacementError
		actual.UpdatedAt = time.Now().UTC()
		return "errored", r.store.SetPlacement(ctx, actual)
	}

	if recorded.Active() && recorded.ServiceID == actual.ServiceID {
		return "", nil
	}
	actual.UpdatedAt = time.Now().UTC()
	return "adopted", r.store.SetPlacement(ctx, actual)
}

// clear resets a running record whose service was missing from the listing, unless the
// record or the service changed since.
func (r *Reconciler) clear(ctx context.Context, uid UserID) (bool, error) {
	defer r.lock(uid)()

	p, err := r.store.GetPlacement(ctx, uid)
	if err != nil {
		return false, err
	}
	if !p.Active() {
		return false, nil
	}
	if p.ServiceName != "" {
		svc, err := r.orch.InspectService(ctx, p.ServiceName)
		switch {
		case err == nil && svc.ID == p.ServiceID:
			return false, nil
		case err != nil && !errors.Is(err, ErrServiceNotFound):
			return false, err
		}
	}
	return true, r.store.ClearPlacement(ctx, uid)
}

// allFailed is true when the service has tasks and none of them is running or meant to run.
func allFailed(tasks []Task) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if t.DesiredState == TaskRunning {
			return false
		}
		if t.State != TaskFailed && t.State != TaskRejected {
			return false
		}
	}
	return true
}
