package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/galadd/botfleet/internal/api"
	"github.com/galadd/botfleet/internal/config"
	"github.com/galadd/botfleet/internal/fleet"
)

var (
	cfgFile      string
	outputFormat string
	timeout      time.Duration

	v   = config.New()
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "botfleet",
	Short: "Run trading bot workers on a Docker Swarm cluster",
	Long: `botfleet places one trading bot service per user on the least loaded swarm node,
injects the user's exchange credentials at container start and keeps placement
records in sync with what the cluster actually runs.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is /etc/botfleet/config.yaml, then $HOME/.botfleet/config.yaml)")
	flags.String("api", "", "botfleet API URL (default from config or http://localhost:9090)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&outputFormat, "output", "table", "output format: table or json")
	flags.DurationVar(&timeout, "timeout", 2*time.Minute, "API request timeout")

	v.BindPFlag("api.url", flags.Lookup("api"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
}

func loadConfig() (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	cfg = c
	return cfg, nil
}

func newClient() (*api.Client, error) {
	c, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient(c.API.URL, timeout), nil
}

func isJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(data any) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

func userArg(arg string) (fleet.UserID, error) {
	uid, err := fleet.ParseUserID(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q", arg)
	}
	return uid, nil
}
