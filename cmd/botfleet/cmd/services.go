package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List every bot service the fleet manages",
	Args:  cobra.NoArgs,
	RunE:  runServices,
}

func init() {
	rootCmd.AddCommand(servicesCmd)
}

func runServices(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	services, err := client.Services(cmd.Context())
	if err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(services)
	}
	if len(services) == 0 {
		fmt.Println("No services running")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Service", "User", "Node", "API Port", "Replicas", "Created")
	for _, s := range services {
		table.Append(
			s.Name,
			s.UserID.String(),
			s.NodeHostname,
			strconv.Itoa(s.APIPort),
			strconv.Itoa(s.RunningReplicas),
			s.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	table.Render()
	fmt.Printf("\nTotal services: %d\n", len(services))
	return nil
}
