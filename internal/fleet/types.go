package fleet

import (
	"strconv"
	"time"

	"github.com/galadd/botfleet/internal/secrets"
)

type UserID int64

func (u UserID) String() string {
	return strconv.FormatInt(int64(u), 10)
}

func ParseUserID(s string) (UserID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return UserID(id), nil
}

type NodeRole string

const (
	RoleManager NodeRole = "manager"
	RoleWorker  NodeRole = "worker"
)

type NodeAvailability string

const (
	AvailabilityActive NodeAvailability = "active"
	AvailabilityPause  NodeAvailability = "pause"
	AvailabilityDrain  NodeAvailability = "drain"
)

type NodeState string

const (
	NodeUnknown      NodeState = "unknown"
	NodeDown         NodeState = "down"
	NodeReady        NodeState = "ready"
	NodeDisconnected NodeState = "disconnected"
)

type Node struct {
	ID           string            `json:"id"`
	Hostname     string            `json:"hostname"`
	Addr         string            `json:"addr"`
	Role         NodeRole          `json:"role"`
	Availability NodeAvailability  `json:"availability"`
	State        NodeState         `json:"state"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// NodeLoad is recomputed for every placement decision.
type NodeLoad struct {
	NodeID    string   `json:"node_id"`
	Hostname  string   `json:"hostname"`
	Addr      string   `json:"addr"`
	Role      NodeRole `json:"role"`
	Current   int      `json:"current"`
	Max       int      `json:"max"`
	Available int      `json:"available"`
	Priority  int      `json:"priority"`
	Err       error    `json:"-"`
}

type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

type Resources struct {
	NanoCPUs            int64 `json:"nano_cpus"`
	MemoryBytes         int64 `json:"memory_bytes"`
	ReservedNanoCPUs    int64 `json:"reserved_nano_cpus"`
	ReservedMemoryBytes int64 `json:"reserved_memory_bytes"`
}

type RestartPolicy struct {
	MaxAttempts uint64        `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
}

type PortMapping struct {
	Published uint32 `json:"published"`
	Target    uint32 `json:"target"`
}

// ServiceSpec is immutable once submitted. Changing anything means stop and recreate.
type ServiceSpec struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Command     []string          `json:"command"`
	Env         map[string]string `json:"-"`
	Mounts      []Mount           `json:"mounts"`
	Resources   Resources         `json:"resources"`
	Restart     RestartPolicy     `json:"restart"`
	Port        PortMapping       `json:"port"`
	Network     string            `json:"network,omitempty"`
	Constraints []string          `json:"constraints"`
	Labels      map[string]string `json:"labels"`
}

type PlacementStatus string

const (
	PlacementRunning PlacementStatus = "running"
	PlacementStopped PlacementStatus = "stopped"
	PlacementError   PlacementStatus = "error"
)

type Placement struct {
	UserID       UserID          `json:"user_id"`
	ServiceID    string          `json:"service_id,omitempty"`
	ServiceName  string          `json:"service_name,omitempty"`
	NodeID       string          `json:"node_id,omitempty"`
	NodeHostname string          `json:"node_hostname,omitempty"`
	NodeIP       string          `json:"node_ip,omitempty"`
	APIPort      int             `json:"api_port,omitempty"`
	Status       PlacementStatus `json:"status"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (p *Placement) Active() bool {
	return p != nil && p.Status == PlacementRunning && p.ServiceID != ""
}

type ServiceInfo struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Labels          map[string]string `json:"labels"`
	DesiredReplicas uint64            `json:"desired_replicas"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type TaskState string

const (
	TaskNew       TaskState = "new"
	TaskPending   TaskState = "pending"
	TaskAssigned  TaskState = "assigned"
	TaskPreparing TaskState = "preparing"
	TaskStarting  TaskState = "starting"
	TaskRunning   TaskState = "running"
	TaskComplete  TaskState = "complete"
	TaskShutdown  TaskState = "shutdown"
	TaskFailed    TaskState = "failed"
	TaskRejected  TaskState = "rejected"
	TaskOrphaned  TaskState = "orphaned"
)

func (s TaskState) Terminal() bool {
	switch s {
	case TaskComplete, TaskShutdown, TaskFailed, TaskRejected, TaskOrphaned:
		return true
	}
	return false
}

type Task struct {
	ID           string    `json:"id"`
	ServiceID    string    `json:"service_id"`
	NodeID       string    `json:"node_id"`
	State        TaskState `json:"state"`
	DesiredState TaskState `json:"desired_state"`
	Message      string    `json:"message,omitempty"`
	Err          string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type ServiceState string

const (
	ServiceStopped ServiceState = "stopped"
	ServiceRunning ServiceState = "running"
	ServiceError   ServiceState = "error"
)

type ServiceStatusInfo struct {
	State           ServiceState `json:"status"`
	ServiceName     string       `json:"service_name"`
	ServiceID       string       `json:"service_id,omitempty"`
	RunningReplicas int          `json:"replicas"`
	DesiredReplicas uint64       `json:"desired_replicas"`
	CreatedAt       time.Time    `json:"created,omitempty"`
	UpdatedAt       time.Time    `json:"updated,omitempty"`
	Tasks           []Task       `json:"tasks,omitempty"`
	Message         string       `json:"message,omitempty"`
}

// ManagedService is one row of the fleet-wide service listing.
type ManagedService struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	UserID          UserID    `json:"user_id"`
	NodeHostname    string    `json:"node_hostname"`
	APIPort         int       `json:"api_port"`
	RunningReplicas int       `json:"replicas"`
	CreatedAt       time.Time `json:"created"`
}

// Result is the (success, message) pair every lifecycle operation hands back to the caller.
type Result struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	Warning   string     `json:"warning,omitempty"`
	Placement *Placement `json:"placement,omitempty"`
}

type Credentials = secrets.Credentials
