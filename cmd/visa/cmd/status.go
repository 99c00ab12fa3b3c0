package cmd

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/visa"
)

var statusCmd = &cobra.Command{
	Use:   "status <code|name>",
	Short: "Describe a VISA completion code",
	Long: `Print the name, value and description of a completion code. Codes may
be given as hex (0xBFFF0015), signed decimal (-1073807339) or by name
(VI_ERROR_TMO).`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var stbCmd = &cobra.Command{
	Use:   "stb <resource>",
	Short: "Read the status byte (serial poll)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSTB,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stbCmd)
}

func parseStatus(text string) (visa.Status, error) {
	if st, ok := visa.LookupStatus(strings.ToUpper(text)); ok {
		return st, nil
	}
	n, err := strconv.ParseInt(text, 0, 64)
	if err != nil || n < math.MinInt32 || n > math.MaxUint32 {
		return 0, fmt.Errorf("invalid status code %q", text)
	}
	return visa.Status(int32(uint32(n))), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := parseStatus(args[0])
	if err != nil {
		return err
	}

	rm, err := visa.OpenDefaultRM()
	if err != nil {
		return err
	}
	defer rm.Close()

	desc, err := rm.StatusDesc(st)
	if err != nil {
		return err
	}
	fmt.Printf("%s (0x%08X, %d)\n", st.Name(), uint32(st), int32(st))
	fmt.Printf("  %s\n", desc)
	fmt.Printf("  Outcome: %s\n", st.Outcome())
	return nil
}

var stbBits = []struct {
	mask byte
	name string
}{
	{0x40, "RQS"},
	{0x20, "ESB"},
	{0x10, "MAV"},
}

func runSTB(cmd *cobra.Command, args []string) error {
	return withSession(args[0], func(s *visa.Session) error {
		stb, err := s.ReadSTB()
		if err != nil {
			return fmt.Errorf("serial poll failed: %w", err)
		}
		var set []string
		for _, b := range stbBits {
			if stb&b.mask != 0 {
				set = append(set, b.name)
			}
		}
		if len(set) == 0 {
			fmt.Printf("0x%02X\n", stb)
			return nil
		}
		fmt.Printf("0x%02X (%s)\n", stb, strings.Join(set, " "))
		return nil
	})
}
