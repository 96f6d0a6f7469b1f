package fleet

import (
	"maps"
	"strconv"
	"time"

	"github.com/galadd/botfleet/internal/secrets"
)

// Paths inside the worker container.
const (
	ContainerConfigDir   = "/freqtrade/custom_config"
	ContainerLogsDir     = "/freqtrade/custom_logs"
	ContainerDatabaseDir = "/freqtrade/custom_database"
	ContainerTemplate    = ContainerConfigDir + "/config.json"
	ContainerRuntimeConf = "/tmp/config_runtime.json"
	ContainerLogFile     = ContainerLogsDir + "/freqtrade.log"
	ContainerDBURL       = "sqlite:///" + ContainerDatabaseDir + "/" + DatabaseFile
)

const (
	LabelApp          = "app"
	LabelManagedBy    = "managed_by"
	LabelUserID       = "botfleet.user_id"
	LabelNodeID       = "botfleet.node.id"
	LabelNodeHostname = "botfleet.node.hostname"
	LabelNodeIP       = "botfleet.node.ip"
	LabelAPIPort      = "botfleet.api_port"

	managedBy = "botfleet"
)

// Name release polling after a service is removed.
const (
	NameReleaseInitialInterval = 250 * time.Millisecond
	NameReleaseMaxInterval     = 2 * time.Second
	NameReleaseMaxWait         = 15 * time.Second
)

type Options struct {
	Image   string
	Network string

	// Entrypoint runs the in-container credential merge; TradeCommand follows it after "--".
	Entrypoint   []string
	TradeCommand []string
	ExtraEnv     map[string]string

	ServicePrefix string
	AppLabel      string

	ContainerPort uint32
	BasePort      int
	PortRange     int

	Resources Resources
	Restart   RestartPolicy

	DefaultCapital float64
	SettleDelay    time.Duration

	StatusTasks     int
	DefaultLogLines int
	MaxLogLines     int
}

func DefaultOptions() Options {
	return Options{
		Image:   "freqtrade:latest",
		Network: "botfleet",
		Entrypoint: []string{
			"/usr/local/bin/botfleet-entrypoint",
			"--template", ContainerTemplate,
			"--runtime", ContainerRuntimeConf,
		},
		TradeCommand: []string{
			"freqtrade", "trade",
			"-c", ContainerRuntimeConf,
			"--logfile", ContainerLogFile,
			"--db-url", ContainerDBURL,
			"--strategy", "MyStrategy",
		},
		ExtraEnv: map[string]string{
			"PYTHONUNBUFFERED":    "1",
			"FREQTRADE__STRATEGY": "MyStrategy",
		},
		ServicePrefix: "freqtrade_",
		AppLabel:      "freqtrade",
		ContainerPort: 8080,
		BasePort:      8080,
		PortRange:     1000,
		Resources: Resources{
			NanoCPUs:            1_000_000_000,
			MemoryBytes:         512 << 20,
			ReservedNanoCPUs:    500_000_000,
			ReservedMemoryBytes: 256 << 20,
		},
		Restart: RestartPolicy{
			MaxAttempts: 3,
			Delay:       5 * time.Second,
		},
		DefaultCapital:  1000,
		SettleDelay:     time.Second,
		StatusTasks:     5,
		DefaultLogLines: 50,
		MaxLogLines:     500,
	}
}

func (o Options) ServiceName(uid UserID) string {
	return o.ServicePrefix + uid.String()
}

// PublishedPort is stable for a user across restarts: BasePort + uid mod PortRange.
func (o Options) PublishedPort(uid UserID) int {
	if o.PortRange <= 0 {
		return o.BasePort
	}
	r := int64(o.PortRange)
	return o.BasePort + int(((int64(uid)%r)+r)%r)
}

func (o Options) command() []string {
	cmd := make([]string, 0, len(o.Entrypoint)+len(o.TradeCommand)+1)
	cmd = append(cmd, o.Entrypoint...)
	if len(o.Entrypoint) > 0 && len(o.TradeCommand) > 0 {
		cmd = append(cmd, "--")
	}
	return append(cmd, o.TradeCommand...)
}

// BuildServiceSpec describes one user's worker pinned to node.
func (o Options) BuildServiceSpec(uid UserID, node NodeLoad, paths UserPaths, creds Credentials, capital float64) *ServiceSpec {
	env := make(map[string]string, len(o.ExtraEnv)+3)
	maps.Copy(env, o.ExtraEnv)
	maps.Copy(env, secrets.Env(creds, capital))

	port := o.PublishedPort(uid)
	return &ServiceSpec{
		Name:    o.ServiceName(uid),
		Image:   o.Image,
		Command: o.command(),
		Env:     env,
		Mounts: []Mount{
			{Source: paths.ConfigDir, Target: ContainerConfigDir, ReadOnly: true},
			{Source: paths.LogsDir, Target: ContainerLogsDir},
			{Source: paths.DatabaseDir, Target: ContainerDatabaseDir},
		},
		Resources:   o.Resources,
		Restart:     o.Restart,
		Port:        PortMapping{Published: uint32(port), Target: o.ContainerPort},
		Network:     o.Network,
		Constraints: []string{"node.id==" + node.NodeID},
		Labels: map[string]string{
			LabelApp:          o.AppLabel,
			LabelManagedBy:    managedBy,
			LabelUserID:       uid.String(),
			LabelNodeID:       node.NodeID,
			LabelNodeHostname: node.Hostname,
			LabelNodeIP:       node.Addr,
			LabelAPIPort:      strconv.Itoa(port),
		},
	}
}

// placementFromLabels rebuilds a placement record from a managed service's labels.
func placementFromLabels(svc ServiceInfo) (*Placement, bool) {
	uid, err := ParseUserID(svc.Labels[LabelUserID])
	if err != nil {
		return nil, false
	}
	port, _ := strconv.Atoi(svc.Labels[LabelAPIPort])
	return &Placement{
		UserID:       uid,
		ServiceID:    svc.ID,
		ServiceName:  svc.Name,
		NodeID:       svc.Labels[LabelNodeID],
		NodeHostname: svc.Labels[LabelNodeHostname],
		NodeIP:       svc.Labels[LabelNodeIP],
		APIPort:      port,
		Status:       PlacementRunning,
	}, true
}
