package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Show swarm nodes with their bot load and capacity",
	Long: `nodes lists every swarm node in the order the selector would consider them,
with the number of bot containers running and the node's ceiling.`,
	Args: cobra.NoArgs,
	RunE: runNodes,
}

func init() {
	rootCmd.AddCommand(nodesCmd)
}

func runNodes(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	nodes, err := client.Nodes(cmd.Context())
	if err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(nodes)
	}
	if len(nodes) == 0 {
		fmt.Println("No nodes in the swarm")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Host", "Address", "Role", "Bots", "Available", "Probe")

	total, capacity := 0, 0
	for _, n := range nodes {
		probe := "ok"
		if n.Error != "" {
			probe = n.Error
		}
		table.Append(
			shorten(n.NodeID),
			n.Hostname,
			n.Addr,
			string(n.Role),
			fmt.Sprintf("%d/%d", n.Current, n.Max),
			strconv.Itoa(n.Available),
			probe,
		)
		total += n.Current
		capacity += n.Max
	}

	table.Render()
	fmt.Printf("\nTotal nodes: %d, bots: %d/%d\n", len(nodes), total, capacity)
	return nil
}
