package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceVISA/internal/shell"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/visa"
)

var shellCmd = &cobra.Command{
	Use:   "shell <resource>",
	Short: "Open an interactive console on a resource",
	Long: `Open an interactive console. Lines ending in ? are queries, other lines
are written. :stb, :clear and :trg run device operations and :q quits.
When stdin is not a terminal, commands are read line by line.

Examples:
  visa shell GPIB0::22::INSTR
  printf '*IDN?\nSYST:ERR?\n' | visa --sim shell GPIB0::22::INSTR`,
	Args: cobra.ExactArgs(1),
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

func runShell(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return withSession(args[0], func(s *visa.Session) error {
		return shell.Run(ctx, s, os.Stdin, os.Stdout)
	})
}
