// Command botfleet-entrypoint runs as PID 1 of every bot container. It merges the
// credentials passed in the environment into a container-local runtime config,
// verifies the result and then replaces itself with the trading process.
//
//	botfleet-entrypoint --template /freqtrade/custom_config/config.json \
//	    --runtime /tmp/config_runtime.json -- freqtrade trade -c /tmp/config_runtime.json
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/galadd/botfleet/internal/fleet"
	"github.com/galadd/botfleet/internal/secrets"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "entrypoint")
	if err := run(log, os.Args[1:]); err != nil {
		log.Error("refusing to start bot", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, args []string) error {
	flags := pflag.NewFlagSet("botfleet-entrypoint", pflag.ContinueOnError)
	template := flags.String("template", fleet.ContainerTemplate, "read-only config template mounted from the host")
	runtime := flags.String("runtime", fleet.ContainerRuntimeConf, "container-local config the bot is started with")
	if err := flags.Parse(args); err != nil {
		return err
	}

	argv := flags.Args()
	if len(argv) == 0 {
		return fmt.Errorf("no command given after --")
	}

	creds, capital, err := secrets.FromEnv(os.Getenv)
	if err != nil {
		return err
	}
	log.Info("injecting credentials",
		"template", *template, "runtime", *runtime,
		"credentials", creds.String(), "max_capital", capital)

	if err := secrets.Materialize(*template, *runtime, creds); err != nil {
		return err
	}
	log.Info("runtime config verified", "path", *runtime)

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", argv[0], err)
	}
	log.Info("starting bot", "command", argv[0])
	return syscall.Exec(path, argv, os.Environ())
}
