// Package fleettest provides an in-memory orchestrator for tests.
package fleettest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/galadd/botfleet/internal/fleet"
)

// Orchestrator simulates a swarm: every created service immediately gets one running task on
// the node its constraint pins it to.
type Orchestrator struct {
	mu       sync.Mutex
	nodes    []fleet.Node
	services map[string]*service
	seq      int
	clock    time.Time

	Creates int
	Removes int
	Specs   []*fleet.ServiceSpec

	// Fault injection. A non-nil error is returned by the matching call.
	FailListNodes error
	FailListTasks error
	FailCreate    error
	FailRemove    error
	FailInspect   error
	FailLogs      error
	FailPing      error

	// AfterCreate runs once a service has been accepted, outside the lock. A non-nil
	// error is returned to the caller while the service stays in place.
	AfterCreate func(ctx context.Context) error
}

type service struct {
	info  fleet.ServiceInfo
	tasks []fleet.Task
	logs  []string
}

var _ fleet.Orchestrator = (*Orchestrator)(nil)

func New(nodes ...fleet.Node) *Orchestrator {
	return &Orchestrator{
		nodes:    nodes,
		services: make(map[string]*service),
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func Worker(id string) fleet.Node {
	return node(id, fleet.RoleWorker)
}

func Manager(id string) fleet.Node {
	return node(id, fleet.RoleManager)
}

func node(id string, role fleet.NodeRole) fleet.Node {
	return fleet.Node{
		ID:           id,
		Hostname:     id,
		Addr:         id + ".internal",
		Role:         role,
		Availability: fleet.AvailabilityActive,
		State:        fleet.NodeReady,
	}
}

func (o *Orchestrator) tick() time.Time {
	o.clock = o.clock.Add(time.Second)
	return o.clock
}

func (o *Orchestrator) nextID(prefix string) string {
	o.seq++
	return fmt.Sprintf("%s%04d", prefix, o.seq)
}

// Occupy adds n running services labelled as app=appLabel on nodeID, simulating existing load.
func (o *Orchestrator) Occupy(nodeID, appLabel string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := 0; i < n; i++ {
		name := o.nextID("occupant_")
		o.add(name, map[string]string{fleet.LabelApp: appLabel}, nodeID)
	}
}

// Inject registers a service as if it had been created outside the manager.
func (o *Orchestrator) Inject(name string, labels map[string]string, nodeID string, states ...fleet.TaskState) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	svc := o.add(name, labels, nodeID)
	if len(states) > 0 {
		svc.tasks = nil
		for _, st := range states {
			desired := fleet.TaskRunning
			if st.Terminal() {
				desired = fleet.TaskShutdown
			}
			svc.tasks = append(svc.tasks, fleet.Task{
				ID:           o.nextID("task-"),
				ServiceID:    svc.info.ID,
				NodeID:       nodeID,
				State:        st,
				DesiredState: desired,
				Timestamp:    o.tick(),
			})
		}
	}
	return svc.info.ID
}

func (o *Orchestrator) add(name string, labels map[string]string, nodeID string) *service {
	now := o.tick()
	id := o.nextID("svc-")
	svc := &service{
		info: fleet.ServiceInfo{
			ID:              id,
			Name:            name,
			Labels:          labels,
			DesiredReplicas: 1,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		tasks: []fleet.Task{{
			ID:           o.nextID("task-"),
			ServiceID:    id,
			NodeID:       nodeID,
			State:        fleet.TaskRunning,
			DesiredState: fleet.TaskRunning,
			Timestamp:    now,
		}},
	}
	o.services[name] = svc
	return svc
}

// SetLogs replaces the log lines of a service. It panics when the service does not exist.
func (o *Orchestrator) SetLogs(name string, lines ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	svc, ok := o.services[name]
	if !ok {
		panic("fleettest: SetLogs on unknown service " + name)
	}
	svc.logs = lines
}

// ServicesOf returns the names of services labelled with uid.
func (o *Orchestrator) ServicesOf(uid fleet.UserID) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var names []string
	for name, svc := range o.services {
		if svc.info.Labels[fleet.LabelUserID] == uid.String() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (o *Orchestrator) ListNodes(ctx context.Context) ([]fleet.Node, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.FailListNodes != nil {
		return nil, o.FailListNodes
	}
	return append([]fleet.Node(nil), o.nodes...), nil
}

func (o *Orchestrator) ListServices(ctx context.Context, label string) ([]fleet.ServiceInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key, value, _ := strings.Cut(label, "=")
	var out []fleet.ServiceInfo
	for _, svc := range o.services {
		if label == "" || svc.info.Labels[key] == value {
			out = append(out, svc.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (o *Orchestrator) ListTasks(ctx context.Context, f fleet.TaskFilter) ([]fleet.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.FailListTasks != nil {
		return nil, o.FailListTasks
	}
	var out []fleet.Task
	for _, svc := range o.services {
		for _, t := range svc.tasks {
			if f.Service != "" && t.ServiceID != f.Service {
				continue
			}
			if f.Node != "" && t.NodeID != f.Node {
				continue
			}
			if f.DesiredState != "" && t.DesiredState != f.DesiredState {
				continue
			}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (o *Orchestrator) CreateService(ctx context.Context, spec *fleet.ServiceSpec) (string, error) {
	id, err := o.create(spec)
	if err != nil || o.AfterCreate == nil {
		return id, err
	}
	if err := o.AfterCreate(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (o *Orchestrator) create(spec *fleet.ServiceSpec) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.FailCreate != nil {
		return "", o.FailCreate
	}
	if _, exists := o.services[spec.Name]; exists {
		return "", fmt.Errorf("%w: name %s conflicts with an existing service", fleet.ErrOrchestratorUnavailable, spec.Name)
	}

	nodeID := ""
	for _, c := range spec.Constraints {
		if id, ok := strings.CutPrefix(c, "node.id=="); ok {
			nodeID = id
		}
	}
	o.Creates++
	o.Specs = append(o.Specs, spec)
	return o.add(spec.Name, spec.Labels, nodeID).info.ID, nil
}

func (o *Orchestrator) InspectService(ctx context.Context, name string) (*fleet.ServiceInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.FailInspect != nil {
		return nil, o.FailInspect
	}
	svc, ok := o.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fleet.ErrServiceNotFound, name)
	}
	info := svc.info
	return &info, nil
}

func (o *Orchestrator) RemoveService(ctx context.Context, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.FailRemove != nil {
		return o.FailRemove
	}
	if _, ok := o.services[name]; !ok {
		return fmt.Errorf("%w: %s", fleet.ErrServiceNotFound, name)
	}
	delete(o.services, name)
	o.Removes++
	return nil
}

func (o *Orchestrator) ServiceLogs(ctx context.Context, name string, tail int) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.FailLogs != nil {
		return "", o.FailLogs
	}
	svc, ok := o.services[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", fleet.ErrServiceNotFound, name)
	}
	lines := svc.logs
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n"), nil
}

func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.FailPing
}

func (o *Orchestrator) Close() error {
	return nil
}
