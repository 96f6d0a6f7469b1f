package fleet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/swarm"
	"github.com/moby/moby/client"
)

// Orchestrator is the slice of the cluster control plane the fleet needs.
type Orchestrator interface {
	ListNodes(ctx context.Context) ([]Node, error)
	ListServices(ctx context.Context, label string) ([]ServiceInfo, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)

	CreateService(ctx context.Context, spec *ServiceSpec) (string, error)
	InspectService(ctx context.Context, name string) (*ServiceInfo, error)
	RemoveService(ctx context.Context, name string) error
	ServiceLogs(ctx context.Context, name string, tail int) (string, error)

	Ping(ctx context.Context) error
	Close() error
}

type TaskFilter struct {
	Service      string
	Node         string
	DesiredState TaskState
}

const DefaultRequestTimeout = 30 * time.Second

// SwarmRuntime talks to a Docker Swarm manager through the Engine API.
type SwarmRuntime struct {
	cli     *client.Client
	timeout time.Duration
	log     *slog.Logger
}

func NewSwarmRuntime(host string, timeout time.Duration, log *slog.Logger) (*SwarmRuntime, error) {
	opts := []client.Opt{client.FromEnv}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &SwarmRuntime{cli: cli, timeout: timeout, log: log.With("component", "swarm")}, nil
}

func (r *SwarmRuntime) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func classify(what string, err error) error {
	if err == nil {
		return nil
	}
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, what)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", what, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: timed out: %v", ErrOrchestratorUnavailable, what, err)
	}
	return unavailable(what, err)
}

func (r *SwarmRuntime) Ping(ctx context.Context) error {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	res, err := r.cli.SwarmInspect(ctx, client.SwarmInspectOptions{})
	if err != nil {
		return classify("inspect swarm", err)
	}
	r.log.Debug("swarm reachable", "cluster_id", res.Swarm.ID)
	return nil
}

func (r *SwarmRuntime) ListNodes(ctx context.Context) ([]Node, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	res, err := r.cli.NodeList(ctx, client.NodeListOptions{})
	if err != nil {
		return nil, classify("list nodes", err)
	}

	nodes := make([]Node, 0, len(res.Items))
	for _, n := range res.Items {
		nodes = append(nodes, toNode(n))
	}
	return nodes, nil
}

func toNode(n swarm.Node) Node {
	return Node{
		ID:           n.ID,
		Hostname:     n.Description.Hostname,
		Addr:         addrString(n.Status.Addr),
		Role:         NodeRole(strings.ToLower(string(n.Spec.Role))),
		Availability: NodeAvailability(strings.ToLower(string(n.Spec.Availability))),
		State:        NodeState(strings.ToLower(string(n.Status.State))),
		Labels:       n.Spec.Labels,
	}
}

func addrString(v any) string {
	s := fmt.Sprint(v)
	if s == "invalid IP" {
		return ""
	}
	return s
}

func (r *SwarmRuntime) ListServices(ctx context.Context, label string) ([]ServiceInfo, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	opts := client.ServiceListOptions{}
	if label != "" {
		opts.Filters = make(client.Filters).Add("label", label)
	}
	res, err := r.cli.ServiceList(ctx, opts)
	if err != nil {
		return nil, classify("list services", err)
	}

	services := make([]ServiceInfo, 0, len(res.Items))
	for _, s := range res.Items {
		services = append(services, toServiceInfo(s))
	}
	return services, nil
}

func toServiceInfo(s swarm.Service) ServiceInfo {
	info := ServiceInfo{
		ID:        s.ID,
		Name:      s.Spec.Name,
		Labels:    s.Spec.Labels,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if rep := s.Spec.Mode.Replicated; rep != nil && rep.Replicas != nil {
		info.DesiredReplicas = *rep.Replicas
	}
	return info
}

func (r *SwarmRuntime) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	f := make(client.Filters)
	if filter.Service != "" {
		f.Add("service", filter.Service)
	}
	if filter.Node != "" {
		f.Add("node", filter.Node)
	}
	if filter.DesiredState != "" {
		f.Add("desired-state", string(filter.DesiredState))
	}

	res, err := r.cli.TaskList(ctx, client.TaskListOptions{Filters: f})
	if err != nil {
		return nil, classify("list tasks", err)
	}

	tasks := make([]Task, 0, len(res.Items))
	for _, t := range res.Items {
		tasks = append(tasks, Task{
			ID:           t.ID,
			ServiceID:    t.ServiceID,
			NodeID:       t.NodeID,
			State:        TaskState(t.Status.State),
			DesiredState: TaskState(t.DesiredState),
			Message:      t.Status.Message,
			Err:          t.Status.Err,
			Timestamp:    t.Status.Timestamp,
		})
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Timestamp.After(tasks[j].Timestamp)
	})
	return tasks, nil
}

func (r *SwarmRuntime) CreateService(ctx context.Context, spec *ServiceSpec) (string, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	res, err := r.cli.ServiceCreate(ctx, client.ServiceCreateOptions{Spec: toSwarmSpec(spec)})
	if err != nil {
		return "", classify("create service "+spec.Name, err)
	}
	for _, w := range res.Warnings {
		r.log.Warn("service create warning", "service", spec.Name, "warning", w)
	}

	r.log.Info("created service", "service", spec.Name, "id", shortID(res.ID))
	return res.ID, nil
}

func toSwarmSpec(s *ServiceSpec) swarm.ServiceSpec {
	replicas := uint64(1)
	attempts := s.Restart.MaxAttempts
	delay := s.Restart.Delay

	mounts := make([]mount.Mount, 0, len(s.Mounts))
	for _, m := range s.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	task := swarm.TaskSpec{
		ContainerSpec: &swarm.ContainerSpec{
			Image:   s.Image,
			Labels:  s.Labels,
			Command: s.Command,
			Env:     env,
			Mounts:  mounts,
		},
		Resources: &swarm.ResourceRequirements{
			Limits: &swarm.Limit{
				NanoCPUs:    s.Resources.NanoCPUs,
				MemoryBytes: s.Resources.MemoryBytes,
			},
			Reservations: &swarm.Resources{
				NanoCPUs:    s.Resources.ReservedNanoCPUs,
				MemoryBytes: s.Resources.ReservedMemoryBytes,
			},
		},
		RestartPolicy: &swarm.RestartPolicy{
			Condition:   swarm.RestartPolicyConditionOnFailure,
			Delay:       &delay,
			MaxAttempts: &attempts,
		},
		Placement: &swarm.Placement{Constraints: s.Constraints},
	}
	if s.Network != "" {
		task.Networks = []swarm.NetworkAttachmentConfig{{Target: s.Network}}
	}

	return swarm.ServiceSpec{
		Annotations:  swarm.Annotations{Name: s.Name, Labels: s.Labels},
		TaskTemplate: task,
		Mode:         swarm.ServiceMode{Replicated: &swarm.ReplicatedService{Replicas: &replicas}},
		EndpointSpec: &swarm.EndpointSpec{
			Mode: swarm.ResolutionModeVIP,
			Ports: []swarm.PortConfig{{
				TargetPort:    s.Port.Target,
				PublishedPort: s.Port.Published,
				PublishMode:   swarm.PortConfigPublishModeIngress,
			}},
		},
	}
}

func (r *SwarmRuntime) InspectService(ctx context.Context, name string) (*ServiceInfo, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	res, err := r.cli.ServiceInspect(ctx, name, client.ServiceInspectOptions{})
	if err != nil {
		return nil, classify("inspect service "+name, err)
	}
	info := toServiceInfo(res.Service)
	return &info, nil
}

func (r *SwarmRuntime) RemoveService(ctx context.Context, name string) error {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	if _, err := r.cli.ServiceRemove(ctx, name, client.ServiceRemoveOptions{}); err != nil {
		return classify("remove service "+name, err)
	}

	r.log.Info("removed service", "service", name)
	return nil
}

func (r *SwarmRuntime) ServiceLogs(ctx context.Context, name string, tail int) (string, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	rc, err := r.cli.ServiceLogs(ctx, name, client.ServiceLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", classify("logs for service "+name, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", classify("read logs for service "+name, err)
	}
	return buf.String(), nil
}

func (r *SwarmRuntime) Close() error {
	if r.cli != nil {
		return r.cli.Close()
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
