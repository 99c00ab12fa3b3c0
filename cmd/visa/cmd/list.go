package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/visa"
)

var (
	listIDN bool
)

var listCmd = &cobra.Command{
	Use:   "list [expr]",
	Short: "List resources matching a find expression",
	Long: `List the resources matching a VISA find expression. The expression is a
pattern on the resource name (? any character, * repeat, [..] class,
| alternation) optionally followed by an attribute filter in braces.

Examples:
  visa list
  visa list "?*INSTR"
  visa list "USB?*{VI_ATTR_MANF_ID==0x1AB1}"
  visa list --idn "(GPIB|TCPIP)?*"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().BoolVar(&listIDN, "idn", false, "query *IDN? of every resource")
}

func runList(cmd *cobra.Command, args []string) error {
	expr := "?*"
	if len(args) == 1 {
		expr = args[0]
	}

	rm, err := openRM()
	if err != nil {
		return err
	}
	defer rm.Close()

	ctx := context.Background()
	names, err := rm.Find(ctx, expr)
	if errors.Is(err, visa.ErrResourceNotFound) {
		fmt.Printf("No resources match %s\n", expr)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find failed: %w", err)
	}

	for _, name := range names {
		if !listIDN {
			fmt.Println(name)
			continue
		}
		fmt.Printf("%-48s %s\n", name, identify(ctx, rm, name))
	}
	if verbose {
		fmt.Printf("\n%d resource(s)\n", len(names))
	}
	return nil
}

func identify(ctx context.Context, rm *visa.ResourceManager, name string) string {
	s, err := rm.Open(ctx, name, visa.NoLock, 0)
	if err != nil {
		return "(" + visa.StatusOf(err).Name() + ")"
	}
	defer s.Close()
	idn, err := s.Query("*IDN?")
	if err != nil {
		return "(" + visa.StatusOf(err).Name() + ")"
	}
	return strings.TrimSpace(idn)
}
