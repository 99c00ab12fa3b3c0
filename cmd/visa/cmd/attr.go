package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/visa"
)

var attrCmd = &cobra.Command{
	Use:   "attr",
	Short: "Get or set session attributes",
	Long: `Read or change VI_ATTR_* attributes of a session. Names may omit the
VI_ATTR_ prefix and are case-insensitive.

Examples:
  visa attr get GPIB0::22::INSTR                 # all attributes
  visa attr get GPIB0::22::INSTR tmo_value termchar
  visa attr set ASRL1::INSTR asrl_baud 115200`,
}

var attrGetCmd = &cobra.Command{
	Use:   "get <resource> [name...]",
	Short: "Print attribute values",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAttrGet,
}

var attrSetCmd = &cobra.Command{
	Use:   "set <resource> <name> <value>",
	Short: "Change an attribute and print its new value",
	Args:  cobra.ExactArgs(3),
	RunE:  runAttrSet,
}

func init() {
	rootCmd.AddCommand(attrCmd)
	attrCmd.AddCommand(attrGetCmd)
	attrCmd.AddCommand(attrSetCmd)
}

func lookupAttribute(name string) (visa.Attribute, error) {
	a, ok := visa.LookupAttribute(name)
	if !ok {
		return 0, fmt.Errorf("unknown attribute %q", name)
	}
	return a, nil
}

func runAttrGet(cmd *cobra.Command, args []string) error {
	var attrs []visa.Attribute
	for _, name := range args[1:] {
		a, err := lookupAttribute(name)
		if err != nil {
			return err
		}
		attrs = append(attrs, a)
	}

	return withSession(args[0], func(s *visa.Session) error {
		if len(attrs) == 0 {
			values := sessionAttributes(s)
			for _, name := range visa.AttributeNames() {
				if v, ok := values[name]; ok {
					fmt.Printf("%s = %v\n", name, v)
				}
			}
			return nil
		}
		for _, a := range attrs {
			v, err := s.GetAttribute(a)
			if err != nil {
				return fmt.Errorf("failed to get %s: %w", a, err)
			}
			fmt.Printf("%s = %v\n", a, formatValue(v))
		}
		return nil
	})
}

func runAttrSet(cmd *cobra.Command, args []string) error {
	a, err := lookupAttribute(args[1])
	if err != nil {
		return err
	}
	value, err := a.ParseValue(args[2])
	if err != nil {
		return err
	}

	return withSession(args[0], func(s *visa.Session) error {
		if err := s.SetAttribute(a, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", a, err)
		}
		v, err := s.GetAttribute(a)
		if err != nil {
			// Some transports cannot report the value back.
			fmt.Printf("%s set\n", a)
			return nil
		}
		fmt.Printf("%s = %v\n", a, formatValue(v))
		return nil
	})
}
