package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// NodeSelector picks the node the next worker lands on. It never moves running services.
type NodeSelector struct {
	orch  Orchestrator
	probe LoadProber
	log   *slog.Logger
}

func NewNodeSelector(orch Orchestrator, probe LoadProber, log *slog.Logger) *NodeSelector {
	if log == nil {
		log = slog.Default()
	}
	return &NodeSelector{
		orch:  orch,
		probe: probe,
		log:   log.With("component", "scheduler"),
	}
}

// Select returns the least loaded eligible node. Managers are only considered when no
// worker can take the service.
func (s *NodeSelector) Select(ctx context.Context) (NodeLoad, error) {
	nodes, err := s.orch.ListNodes(ctx)
	if err != nil {
		return NodeLoad{}, fmt.Errorf("failed to list nodes: %w", err)
	}

	workers, managers := partition(nodes)
	eligible := s.eligible(ctx, workers)
	if len(eligible) == 0 && len(managers) > 0 {
		s.log.Warn("no worker node can take the service, falling back to manager nodes",
			"workers", len(workers), "managers", len(managers))
		eligible = s.eligible(ctx, managers)
	}

	if len(eligible) == 0 {
		return NodeLoad{}, ErrCapacityExhausted
	}

	rank(eligible)
	selected := eligible[0]
	s.log.Debug("selected node",
		"node", selected.Hostname, "role", selected.Role,
		"current", selected.Current, "max", selected.Max, "eligible", len(eligible))
	return selected, nil
}

// Loads reports every node with its probed load, ranked, ineligible nodes included.
func (s *NodeSelector) Loads(ctx context.Context) ([]NodeLoad, error) {
	nodes, err := s.orch.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	loads := make([]NodeLoad, 0, len(nodes))
	for _, node := range nodes {
		loads = append(loads, s.probe.Load(ctx, node))
	}
	rank(loads)
	return loads, nil
}

func partition(nodes []Node) (workers, others []Node) {
	for _, n := range nodes {
		if n.Role == RoleWorker {
			workers = append(workers, n)
		} else {
			others = append(others, n)
		}
	}
	return workers, others
}

// eligible keeps ready, active nodes whose probe succeeded and reports spare capacity.
func (s *NodeSelector) eligible(ctx context.Context, nodes []Node) []NodeLoad {
	var out []NodeLoad
	for _, node := range nodes {
		if !schedulable(node) {
			continue
		}
		load := s.probe.Load(ctx, node)
		if load.Err != nil || load.Available <= 0 {
			continue
		}
		out = append(out, load)
	}
	return out
}

func schedulable(n Node) bool {
	return n.State == NodeReady && n.Availability == AvailabilityActive
}

func rank(loads []NodeLoad) {
	sort.SliceStable(loads, func(i, j int) bool {
		a, b := loads[i], loads[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Current != b.Current {
			return a.Current < b.Current
		}
		return a.NodeID < b.NodeID
	})
}
