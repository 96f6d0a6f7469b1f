package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
)

const DefaultCapacityLabel = "botfleet.max-containers"

// CapacityPolicy holds the per-role container ceilings. The numbers are deployment policy.
type CapacityPolicy struct {
	WorkerMax  int
	ManagerMax int
	// Label is the node label that overrides the role default for a single node.
	Label string
}

func DefaultCapacityPolicy() CapacityPolicy {
	return CapacityPolicy{
		WorkerMax:  50,
		ManagerMax: 5,
		Label:      DefaultCapacityLabel,
	}
}

// LoadProber computes the current load of one node.
type LoadProber interface {
	Load(ctx context.Context, node Node) NodeLoad
}

// CapacityProbe counts this fleet's running worker containers per node.
type CapacityProbe struct {
	orch     Orchestrator
	appLabel string
	policy   CapacityPolicy
	log      *slog.Logger
}

func NewCapacityProbe(orch Orchestrator, appLabel string, policy CapacityPolicy, log *slog.Logger) *CapacityProbe {
	if log == nil {
		log = slog.Default()
	}
	return &CapacityProbe{
		orch:     orch,
		appLabel: appLabel,
		policy:   policy,
		log:      log.With("component", "capacity"),
	}
}

// ContainerCount returns how many tasks of managed services are running on nodeID.
// A task counts only when both its desired and its actual state are running.
func (p *CapacityProbe) ContainerCount(ctx context.Context, nodeID string) (int, error) {
	services, err := p.orch.ListServices(ctx, LabelApp+"="+p.appLabel)
	if err != nil {
		return 0, fmt.Errorf("failed to list services: %w", err)
	}

	count := 0
	for _, svc := range services {
		tasks, err := p.orch.ListTasks(ctx, TaskFilter{
			Service:      svc.ID,
			Node:         nodeID,
			DesiredState: TaskRunning,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to list tasks of %s: %w", svc.Name, err)
		}
		for _, t := range tasks {
			if t.NodeID == nodeID && t.State == TaskRunning && t.DesiredState == TaskRunning {
				count++
			}
		}
	}
	return count, nil
}

// MaxContainers is the node label override when it holds a positive integer, else the role default.
func (p *CapacityProbe) MaxContainers(node Node) int {
	if raw, ok := node.Labels[p.policy.Label]; ok && p.policy.Label != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
		p.log.Warn("ignoring invalid capacity label", "node", node.Hostname, "label", p.policy.Label, "value", raw)
	}
	if node.Role == RoleManager {
		return p.policy.ManagerMax
	}
	return p.policy.WorkerMax
}

// Load never under-reports: when counting fails the node is reported full.
func (p *CapacityProbe) Load(ctx context.Context, node Node) NodeLoad {
	load := NodeLoad{
		NodeID:   node.ID,
		Hostname: node.Hostname,
		Addr:     node.Addr,
		Role:     node.Role,
		Max:      p.MaxContainers(node),
		Priority: rolePriority(node.Role),
	}

	current, err := p.ContainerCount(ctx, node.ID)
	if err != nil {
		p.log.Warn("capacity probe failed, treating node as full", "node", node.Hostname, "error", err)
		load.Current = load.Max
		load.Available = 0
		load.Err = err
		return load
	}

	load.Current = current
	load.Available = max(load.Max-current, 0)
	return load
}

func rolePriority(role NodeRole) int {
	if role == RoleWorker {
		return 0
	}
	return 1
}
