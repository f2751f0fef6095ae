package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/xilenv/bbwatch/internal/printer"
	"github.com/xilenv/bbwatch/pkg/blackboard"
)

var (
	setUnit string
	setMin  float64
	setMax  float64
)

var setCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Write a variable on a Redis blackboard",
	Long: `Write VALUE to the variable NAME, creating it if it does not exist.

Every watcher subscribed to the variable is notified of what changed.

Examples:
  bbwatch set speed 42
  bbwatch set oil_temp 96.5 --unit °C --min -40 --max 150`,
	Args: cobra.ExactArgs(2),
	RunE: runSet,
}

func init() {
	setCmd.Flags().StringVar(&setUnit, "unit", "", "Unit (also updates an existing variable)")
	setCmd.Flags().Float64Var(&setMin, "min", 0, "Lower bound")
	setCmd.Flags().Float64Var(&setMax, "max", 100, "Upper bound")
	rootCmd.AddCommand(setCmd)
}

func runSet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	name := args[0]
	value, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return printer.Error(
			"invalid value",
			fmt.Sprintf("%q is not a number", args[1]),
			[]string{"Pass a decimal value, e.g. bbwatch set speed 42.5"},
		)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	vid, err := client.LookupVariable(ctx, name)
	if blackboard.IsNotFound(err) {
		vid, err = client.CreateVariable(ctx, &blackboard.Variable{
			Name:  name,
			Value: value,
			Unit:  setUnit,
			Min:   setMin,
			Max:   setMax,
		})
		if err != nil {
			return printer.Error("failed to create variable", err.Error(), nil)
		}
		printer.Success("Created %s (#%d) = %g\n", name, vid, value)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", name, err)
	}

	err = client.UpdateVariable(ctx, vid, func(v *blackboard.Variable) {
		v.Value = value
		if cmd.Flags().Changed("unit") {
			v.Unit = setUnit
		}
		if cmd.Flags().Changed("min") {
			v.Min = setMin
		}
		if cmd.Flags().Changed("max") {
			v.Max = setMax
		}
	})
	if err != nil {
		return printer.Error("failed to update variable", err.Error(), nil)
	}
	printer.Success("Set %s (#%d) = %g\n", name, vid, value)
	return nil
}
