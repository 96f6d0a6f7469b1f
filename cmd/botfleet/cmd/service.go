package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/galadd/botfleet/internal/api"
	"github.com/galadd/botfleet/internal/fleet"
)

var (
	logLines     int
	historyLimit int
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage a user's trading bot service",
}

var serviceStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Create the user's service on the least loaded node",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycle((*api.Client).CreateService),
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop <user-id>",
	Short: "Remove the user's service",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycle((*api.Client).StopService),
}

var serviceRestartCmd = &cobra.Command{
	Use:   "restart <user-id>",
	Short: "Stop and recreate the user's service, possibly on another node",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycle((*api.Client).RestartService),
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Show the user's service state and recent tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceStatus,
}

var serviceLogsCmd = &cobra.Command{
	Use:   "logs <user-id>",
	Short: "Print the last lines of the user's bot output",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceLogs,
}

var servicePlacementCmd = &cobra.Command{
	Use:   "placement <user-id>",
	Short: "Show where the user's service was placed",
	Args:  cobra.ExactArgs(1),
	RunE:  runServicePlacement,
}

var serviceHistoryCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Show the user's recent lifecycle operations",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceHistory,
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceStartCmd, serviceStopCmd, serviceRestartCmd,
		serviceStatusCmd, serviceLogsCmd, servicePlacementCmd, serviceHistoryCmd)

	serviceLogsCmd.Flags().IntVarP(&logLines, "lines", "n", 0, "number of lines (default from server)")
	serviceHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "l", 0, "number of operations (default from server)")
}

func lifecycle(call func(*api.Client, context.Context, fleet.UserID) (fleet.Result, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		uid, err := userArg(args[0])
		if err != nil {
			return err
		}
		client, err := newClient()
		if err != nil {
			return err
		}

		res, err := call(client, cmd.Context(), uid)
		if isJSONOutput() {
			if perr := printJSON(res); perr != nil {
				return perr
			}
			return err
		}
		if err != nil {
			if res.Message != "" {
				return errors.New(res.Message)
			}
			return err
		}

		fmt.Println(res.Message)
		if res.Warning != "" {
			fmt.Fprintf(os.Stderr, "warning: %s\n", res.Warning)
		}
		if p := res.Placement; p != nil {
			fmt.Printf("node %s (%s), api port %d\n", p.NodeHostname, p.NodeIP, p.APIPort)
		}
		return nil
	}
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	uid, err := userArg(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}

	info, err := client.ServiceStatus(cmd.Context(), uid)
	if isJSONOutput() {
		if perr := printJSON(info); perr != nil {
			return perr
		}
		return err
	}
	if err != nil && info.State == "" {
		return err
	}

	fmt.Printf("Service:  %s\n", info.ServiceName)
	fmt.Printf("Status:   %s\n", info.State)
	if info.Message != "" {
		fmt.Printf("Message:  %s\n", info.Message)
	}
	if info.State != fleet.ServiceRunning {
		return err
	}
	fmt.Printf("Replicas: %d/%d\n", info.RunningReplicas, info.DesiredReplicas)
	fmt.Printf("Created:  %s\n", info.CreatedAt.Format("2006-01-02 15:04:05"))

	if len(info.Tasks) > 0 {
		fmt.Println()
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Task", "Node", "State", "Desired", "Since", "Error")
		for _, t := range info.Tasks {
			table.Append(shorten(t.ID), shorten(t.NodeID), string(t.State), string(t.DesiredState),
				t.Timestamp.Format("15:04:05"), t.Err)
		}
		table.Render()
	}
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	uid, err := userArg(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}

	logs, err := client.ServiceLogs(cmd.Context(), uid, logLines)
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(map[string]string{"user_id": uid.String(), "logs": logs})
	}
	fmt.Println(strings.TrimRight(logs, "\n"))
	return nil
}

func runServicePlacement(cmd *cobra.Command, args []string) error {
	uid, err := userArg(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}

	p, err := client.Placement(cmd.Context(), uid)
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(p)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("User", "Service", "Node", "Address", "API Port", "Status", "Updated")
	table.Append(p.UserID.String(), p.ServiceName, p.NodeHostname, p.NodeIP,
		strconv.Itoa(p.APIPort), string(p.Status), p.UpdatedAt.Format("2006-01-02 15:04:05"))
	table.Render()
	return nil
}

func runServiceHistory(cmd *cobra.Command, args []string) error {
	uid, err := userArg(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}

	ops, err := client.Operations(cmd.Context(), uid, historyLimit)
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(ops)
	}
	if len(ops) == 0 {
		fmt.Println("No operations recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("When", "Operation", "Details")
	for _, op := range ops {
		table.Append(op.At.Format("2006-01-02 15:04:05"), op.Op, op.Details)
	}
	table.Render()
	return nil
}

func shorten(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
