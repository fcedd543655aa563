package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bedrest/internal/command"
)

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the commands a bed accepts",
	Long: `Print the simple and argument command tables, including any commands added
or overridden in the configuration file.`,
	Args: cobra.NoArgs,
	RunE: runCommands,
}

var encodeCmd = &cobra.Command{
	Use:   "encode <command> [hex-argument]",
	Short: "Print the payload a command would write",
	Long: `Encode a command offline, without touching the BLE adapter.

Examples:
  bedrest encode flat
  bedrest encode headposition 32`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEncode,
}

func runCommands(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	table, err := cfg.CommandTable()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return writeCommandTable(cmd.OutOrStdout(), table)
}

func runEncode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	table, err := cfg.CommandTable()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cmd.SilenceUsage = true

	var hexArgument string
	if len(args) == 2 {
		hexArgument = args[1]
	}
	payload, err := table.Encode(args[0], hexArgument)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), command.FormatHex(payload))
	return nil
}

func writeCommandTable(w io.Writer, table *command.Table) error {
	heading := color.New(color.Bold, color.Underline)

	fmt.Fprintln(w, heading.Sprint("Commands"))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, name := range table.SimpleNames() {
		payload, _ := table.Simple(name)
		fmt.Fprintf(tw, "  %s\t%s\n", name, command.FormatHex(payload))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, heading.Sprint("Argument commands"))
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  NAME\tRANGE\tOFFSET\tLENGTH\tTEMPLATE")
	for _, name := range table.ArgumentNames() {
		d, _ := table.Argument(name)
		width := 2 * d.Length
		fmt.Fprintf(tw, "  %s\t%0*X-%0*X\t%d\t%d\t%s\n",
			name, width, d.Min, width, d.Max, d.Offset, d.Length, command.FormatHex(d.Template))
	}
	return tw.Flush()
}
