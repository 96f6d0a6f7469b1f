// Package fleet runs one Docker Swarm service per user, each bound to that user's exchange
// credentials, and keeps a placement record of where every service landed.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// NoServiceLogs is returned by Logs in place of log text when the user has no service.
const NoServiceLogs = "no service running for this user, no logs available"

var errNameInUse = errors.New("service name still in use")

// Manager is the lifecycle API. Callers serialize operations for the same user (see UserLocks);
// different users may be handled concurrently.
type Manager struct {
	orch     Orchestrator
	store    Store
	dirs     *UserDirs
	selector *NodeSelector
	metrics  *Metrics
	opts     Options
	log      *slog.Logger
}

func NewManager(orch Orchestrator, store Store, dirs *UserDirs, selector *NodeSelector, opts Options, metrics *Metrics, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		orch:     orch,
		store:    store,
		dirs:     dirs,
		selector: selector,
		metrics:  metrics,
		opts:     opts,
		log:      log.With("component", "fleet"),
	}
}

func (m *Manager) Options() Options {
	return m.opts
}

// Create starts the user's service on the least loaded node, replacing any service the user
// already has. Order is fixed: select, build, submit, persist.
func (m *Manager) Create(ctx context.Context, uid UserID) (res Result, err error) {
	start := time.Now()
	defer func() { m.metrics.observe("create", start, err) }()
	defer m.scrub(uid)

	res, err = m.create(ctx, uid)
	if err != nil {
		return m.fail(ctx, "create", uid, err)
	}
	return res, nil
}

func (m *Manager) create(ctx context.Context, uid UserID) (Result, error) {
	log := m.log.With("user_id", uid)

	creds, err := m.store.Credentials(ctx, uid)
	if err != nil {
		return Result{}, err
	}
	if !creds.Complete() {
		return Result{}, ErrCredentialsMissing
	}
	capital, err := m.store.CapitalCeiling(ctx, uid)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read capital ceiling: %w", err)
	}
	if capital <= 0 {
		capital = m.opts.DefaultCapital
	}

	paths, err := m.dirs.Prepare(uid)
	if err != nil {
		return Result{}, err
	}

	node, err := m.selector.Select(ctx)
	if err != nil {
		return Result{}, err
	}

	name := m.opts.ServiceName(uid)
	if err := m.replaceExisting(ctx, uid, name); err != nil {
		m.markError(ctx, uid, err)
		return Result{}, err
	}

	spec := m.opts.BuildServiceSpec(uid, node, paths, creds, capital)
	log.Info("submitting service",
		"service", name, "node", node.Hostname, "port", spec.Port.Published,
		"credentials", creds.String())

	id, err := m.orch.CreateService(ctx, spec)
	if err != nil {
		m.markError(ctx, uid, err)
		return Result{}, err
	}
	m.metrics.selected(node)

	p := &Placement{
		UserID:       uid,
		ServiceID:    id,
		ServiceName:  name,
		NodeID:       node.NodeID,
		NodeHostname: node.Hostname,
		NodeIP:       node.Addr,
		APIPort:      int(spec.Port.Published),
		Status:       PlacementRunning,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := m.store.SetPlacement(ctx, p); err != nil {
		log.Error("service running without placement record", "service", name, "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrPlacementNotRecorded, err)
	}

	m.record(ctx, uid, "create", fmt.Sprintf("service=%s node=%s port=%d", name, node.Hostname, p.APIPort))
	log.Info("service started", "service", name, "node", node.Hostname, "id", shortID(id))

	return Result{
		Success:   true,
		Message:   fmt.Sprintf("service %s started on %s, api port %d", name, node.Hostname, p.APIPort),
		Placement: p,
	}, nil
}

// replaceExisting removes a previous service of the same name and waits until the
// orchestrator lets the name go.
func (m *Manager) replaceExisting(ctx context.Context, uid UserID, name string) error {
	_, err := m.orch.InspectService(ctx, name)
	if errors.Is(err, ErrServiceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	m.log.Info("removing existing service before create", "user_id", uid, "service", name)
	if err := m.orch.RemoveService(ctx, name); err != nil && !errors.Is(err, ErrServiceNotFound) {
		return err
	}
	if err := m.store.ClearPlacement(ctx, uid); err != nil {
		m.log.Warn("failed to clear placement of replaced service", "user_id", uid, "error", err)
	}
	return m.waitReleased(ctx, name)
}

func (m *Manager) waitReleased(ctx context.Context, name string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = NameReleaseInitialInterval
	b.MaxInterval = NameReleaseMaxInterval
	b.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := m.orch.InspectService(ctx, name)
		switch {
		case errors.Is(err, ErrServiceNotFound):
			return struct{}{}, nil
		case err != nil:
			return struct{}{}, err
		}
		return struct{}{}, errNameInUse
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(NameReleaseMaxWait))
	if err != nil {
		return unavailable("wait for release of "+name, err)
	}
	return nil
}

// Stop removes the user's service. A service that is already gone is not an error.
func (m *Manager) Stop(ctx context.Context, uid UserID) (res Result, err error) {
	start := time.Now()
	defer func() { m.metrics.observe("stop", start, err) }()

	name := m.opts.ServiceName(uid)
	res = Result{Success: true, Message: fmt.Sprintf("service %s stopped", name)}

	err = m.orch.RemoveService(ctx, name)
	switch {
	case errors.Is(err, ErrServiceNotFound):
		res.Message = "no service was running"
		res.Warning = fmt.Sprintf("service %s not found", name)
	case err != nil:
		return m.fail(ctx, "stop", uid, err)
	}

	if err = m.store.ClearPlacement(ctx, uid); err != nil {
		return m.fail(ctx, "stop", uid, fmt.Errorf("failed to clear placement: %w", err))
	}

	m.record(ctx, uid, "stop", res.Message)
	m.log.Info("service stopped", "user_id", uid, "service", name, "warning", res.Warning)
	return res, nil
}

// Restart is stop, a short settle delay, then a fresh create on a freshly selected node.
func (m *Manager) Restart(ctx context.Context, uid UserID) (res Result, err error) {
	start := time.Now()
	defer func() { m.metrics.observe("restart", start, err) }()

	if res, err = m.Stop(ctx, uid); err != nil {
		return res, err
	}

	if m.opts.SettleDelay > 0 {
		t := time.NewTimer(m.opts.SettleDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return m.fail(ctx, "restart", uid, ctx.Err())
		}
	}

	res, err = m.Create(ctx, uid)
	if err == nil {
		m.record(ctx, uid, "restart", res.Message)
	}
	return res, err
}

// Status never fails: an orchestrator error is reported as the error state.
func (m *Manager) Status(ctx context.Context, uid UserID) ServiceStatusInfo {
	name := m.opts.ServiceName(uid)
	info := ServiceStatusInfo{State: ServiceStopped, ServiceName: name}

	svc, err := m.orch.InspectService(ctx, name)
	if errors.Is(err, ErrServiceNotFound) {
		info.Message = "service not found"
		return info
	}
	if err != nil {
		m.log.Warn("status query failed", "user_id", uid, "service", name, "error", err)
		info.State = ServiceError
		info.Message = UserMessage(err)
		return info
	}

	tasks, err := m.orch.ListTasks(ctx, TaskFilter{Service: svc.ID})
	if err != nil {
		m.log.Warn("task query failed", "user_id", uid, "service", name, "error", err)
		info.State = ServiceError
		info.ServiceID = svc.ID
		info.Message = UserMessage(err)
		return info
	}

	info.State = ServiceRunning
	info.ServiceID = svc.ID
	info.DesiredReplicas = svc.DesiredReplicas
	info.CreatedAt = svc.CreatedAt
	info.UpdatedAt = svc.UpdatedAt
	info.RunningReplicas = countRunning(tasks)
	if n := m.opts.StatusTasks; n > 0 && len(tasks) > n {
		tasks = tasks[:n]
	}
	info.Tasks = tasks
	return info
}

func countRunning(tasks []Task) int {
	n := 0
	for _, t := range tasks {
		if t.State == TaskRunning && t.DesiredState == TaskRunning {
			n++
		}
	}
	return n
}

// Logs tails combined stdout and stderr. lines <= 0 means the default, and the count is capped.
func (m *Manager) Logs(ctx context.Context, uid UserID, lines int) (string, error) {
	if lines <= 0 {
		lines = m.opts.DefaultLogLines
	}
	if m.opts.MaxLogLines > 0 && lines > m.opts.MaxLogLines {
		lines = m.opts.MaxLogLines
	}

	out, err := m.orch.ServiceLogs(ctx, m.opts.ServiceName(uid), lines)
	if errors.Is(err, ErrServiceNotFound) {
		return NoServiceLogs, nil
	}
	if err != nil {
		return "", opError("logs", uid, err)
	}
	return out, nil
}

// Services lists every managed service with its owner and running replica count.
func (m *Manager) Services(ctx context.Context) ([]ManagedService, error) {
	services, err := m.orch.ListServices(ctx, LabelApp+"="+m.opts.AppLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	out := make([]ManagedService, 0, len(services))
	for _, svc := range services {
		uid, err := ParseUserID(svc.Labels[LabelUserID])
		if err != nil {
			m.log.Warn("managed service without user label", "service", svc.Name)
			continue
		}
		tasks, err := m.orch.ListTasks(ctx, TaskFilter{Service: svc.ID, DesiredState: TaskRunning})
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks of %s: %w", svc.Name, err)
		}
		port, _ := strconv.Atoi(svc.Labels[LabelAPIPort])
		out = append(out, ManagedService{
			ID:              svc.ID,
			Name:            svc.Name,
			UserID:          uid,
			NodeHostname:    svc.Labels[LabelNodeHostname],
			APIPort:         port,
			RunningReplicas: countRunning(tasks),
			CreatedAt:       svc.CreatedAt,
		})
	}
	return out, nil
}

// Placement is what a client needs to reach the user's worker. nil when none is recorded.
func (m *Manager) Placement(ctx context.Context, uid UserID) (*Placement, error) {
	p, err := m.store.GetPlacement(ctx, uid)
	if err != nil {
		return nil, opError("placement", uid, err)
	}
	return p, nil
}

// Nodes reports every node's load, ranked the way the selector ranks them.
func (m *Manager) Nodes(ctx context.Context) ([]NodeLoad, error) {
	loads, err := m.selector.Loads(ctx)
	if err != nil {
		return nil, err
	}
	m.metrics.loads(loads)
	return loads, nil
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.orch.Ping(ctx)
}

func (m *Manager) fail(ctx context.Context, op string, uid UserID, err error) (Result, error) {
	err = opError(op, uid, err)
	if Retryable(err) {
		m.log.Warn("operation failed", "op", op, "user_id", uid, "error", err)
	} else {
		m.log.Error("operation failed", "op", op, "user_id", uid, "error", err)
	}
	m.record(context.WithoutCancel(ctx), uid, op+"_failed", err.Error())
	return Result{Success: false, Message: UserMessage(err)}, err
}

// markError leaves an error record with no placement fields after a failed submit.
// A cancelled call leaves the record alone: the service may have been accepted and the
// reconciler adopts it from its labels.
func (m *Manager) markError(ctx context.Context, uid UserID, cause error) {
	if errors.Is(cause, context.Canceled) {
		m.log.Warn("create cancelled, placement left to reconciliation", "user_id", uid)
		return
	}
	err := m.store.SetPlacement(ctx, &Placement{
		UserID:    uid,
		Status:    PlacementError,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		m.log.Warn("failed to mark placement as error", "user_id", uid, "error", err)
	}
}

func (m *Manager) record(ctx context.Context, uid UserID, op, details string) {
	if err := m.store.LogOperation(ctx, uid, op, details); err != nil {
		m.log.Warn("failed to log operation", "user_id", uid, "op", op, "error", err)
	}
}

func (m *Manager) scrub(uid UserID) {
	changed, err := m.dirs.Scrub(uid)
	if err != nil {
		m.log.Warn("failed to scrub template", "user_id", uid, "error", err)
		return
	}
	if changed {
		m.log.Warn("credentials found in host template were replaced with placeholders", "user_id", uid)
	}
}
