package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/visa"
)

var (
	outputJSON bool
)

// ResourceInfo is the structured output of the info command
type ResourceInfo struct {
	Resource   string         `json:"resource"`
	Alias      string         `json:"alias,omitempty"`
	Interface  string         `json:"interface"`
	Board      int            `json:"board"`
	Class      string         `json:"class"`
	Driver     string         `json:"driver,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

var infoCmd = &cobra.Command{
	Use:   "info <resource>",
	Short: "Show a resource's parsed name and attributes",
	Long: `Open a resource and print its parsed name and every attribute the
session reports.

Examples:
  visa info GPIB0::22::INSTR
  visa info --json TCPIP0::192.168.1.40::5025::SOCKET`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
}

func runInfo(cmd *cobra.Command, args []string) error {
	rm, err := openRM()
	if err != nil {
		return err
	}
	defer rm.Close()

	parsed, err := rm.ParseRsrcEx(args[0])
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}

	return withSessionOn(rm, args[0], func(s *visa.Session) error {
		info := ResourceInfo{
			Resource:   s.Name(),
			Alias:      parsed.Alias,
			Interface:  parsed.Interface.String(),
			Board:      parsed.Board,
			Class:      string(parsed.Class),
			Attributes: sessionAttributes(s),
		}

		if outputJSON {
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Resource:  %s\n", info.Resource)
		if info.Alias != "" {
			fmt.Printf("Alias:     %s\n", info.Alias)
		}
		fmt.Printf("Interface: %s (board %d)\n", info.Interface, info.Board)
		fmt.Printf("Class:     %s\n", info.Class)
		fmt.Printf("\nAttributes:\n")
		for _, name := range visa.AttributeNames() {
			if v, ok := info.Attributes[name]; ok {
				fmt.Printf("  %-28s %v\n", name, v)
			}
		}
		return nil
	})
}

// sessionAttributes collects every attribute the session can report,
// formatted for display.
func sessionAttributes(s *visa.Session) map[string]any {
	attrs := make(map[string]any)
	for _, name := range visa.AttributeNames() {
		a, _ := visa.LookupAttribute(name)
		v, err := s.GetAttribute(a)
		if err != nil || v == nil {
			continue
		}
		attrs[name] = formatValue(v)
	}
	return attrs
}

func formatValue(v any) any {
	switch v := v.(type) {
	case byte:
		return fmt.Sprintf("0x%02X", v)
	case fmt.Stringer:
		return v.String()
	}
	return v
}
