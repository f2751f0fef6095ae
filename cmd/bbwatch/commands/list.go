package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/xilenv/bbwatch/internal/printer"
	"github.com/xilenv/bbwatch/pkg/blackboard"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the variables of a Redis blackboard",
	Long: `List every variable of the configured instance with its current value
and display properties, ordered by VID.

Use --json for machine-readable output.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	vars, err := client.ListVariables(ctx)
	if err != nil {
		return fmt.Errorf("failed to list variables: %w", err)
	}

	if listJSON {
		data, err := json.MarshalIndent(vars, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal variables: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if len(vars) == 0 {
		printer.Info("No variables on instance '%s'.\n\n", cfg.Instance)
		printer.Info("Run 'bbwatch set NAME VALUE' to create one.\n")
		return nil
	}

	outputTable(vars)
	return nil
}

func outputTable(vars []*blackboard.Variable) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"vid", "name", "type", "value", "min", "max", "conversion"})
	for _, v := range vars {
		table.Append(variableRow(v))
	}
	table.Render()
}

func variableRow(v *blackboard.Variable) []string {
	return []string{
		strconv.Itoa(int(v.VID)),
		v.Label(),
		string(v.Type),
		printer.FormatValue(v),
		strconv.FormatFloat(v.Min, 'g', -1, 64),
		strconv.FormatFloat(v.Max, 'g', -1, 64),
		string(v.ConversionType),
	}
}
