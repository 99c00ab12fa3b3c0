package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/visa"
)

var (
	noNewline bool
	writeFile string
	readCount int
	readFile  string
)

var queryCmd = &cobra.Command{
	Use:   "query <resource> <command>",
	Short: "Write a command and print the response",
	Long: `Write a command terminated by a newline and read one response.

Examples:
  visa query GPIB0::22::INSTR "*IDN?"
  visa query dmm "MEAS:VOLT:DC?"`,
	Args: cobra.ExactArgs(2),
	RunE: runQuery,
}

var writeCmd = &cobra.Command{
	Use:   "write <resource> [data]",
	Short: "Write data to a resource",
	Long: `Write data to a resource. A newline is appended unless --no-newline
is given. With --file the contents of a file are sent instead.

Examples:
  visa write GPIB0::22::INSTR "*RST"
  visa write --file setup.scpi USB0::0x1AB1::0x04CE::DS1ZA000000001::INSTR`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runWrite,
}

var readCmd = &cobra.Command{
	Use:   "read <resource>",
	Short: "Read a response from a resource",
	Long: `Read until END, the termination character or the buffer is full.
With --file the data is written to a file instead of stdout.

Examples:
  visa read GPIB0::22::INSTR
  visa read --count 1200 --file wave.bin USB0::0x1AB1::0x04CE::DS1ZA000000001::INSTR`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(readCmd)

	writeCmd.Flags().BoolVarP(&noNewline, "no-newline", "n", false, "do not append a newline")
	writeCmd.Flags().StringVarP(&writeFile, "file", "f", "", "send the contents of a file")
	readCmd.Flags().IntVar(&readCount, "count", 0, "maximum bytes to read (0 reads a whole response)")
	readCmd.Flags().StringVarP(&readFile, "file", "f", "", "write the data to a file")
}

func runQuery(cmd *cobra.Command, args []string) error {
	return withSession(args[0], func(s *visa.Session) error {
		resp, err := s.Query(args[1])
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		fmt.Println(strings.TrimRight(resp, "\r\n"))
		return nil
	})
}

func runWrite(cmd *cobra.Command, args []string) error {
	if writeFile == "" && len(args) < 2 {
		return fmt.Errorf("nothing to write: give data or --file")
	}
	if writeFile != "" && len(args) == 2 {
		return fmt.Errorf("data and --file are mutually exclusive")
	}

	return withSession(args[0], func(s *visa.Session) error {
		var c visa.Completion
		var err error
		var want int
		if writeFile != "" {
			info, statErr := os.Stat(writeFile)
			if statErr != nil {
				return fmt.Errorf("failed to read %s: %w", writeFile, statErr)
			}
			if info.Size() == 0 {
				return fmt.Errorf("%s is empty", writeFile)
			}
			want = int(info.Size())
			c, err = s.WriteFromFile(writeFile, want)
		} else {
			data := args[1]
			if !noNewline {
				data += "\n"
			}
			want = len(data)
			c, err = s.WriteString(data)
		}
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		if c.Count < want {
			fmt.Printf("Short write: %d of %d byte(s) sent\n", c.Count, want)
			return visa.ShortWrite("Write", s.Name(), c.Count, want)
		}
		if verbose {
			fmt.Printf("Wrote %d byte(s): %s\n", c.Count, c.Status.Name())
		}
		return nil
	})
}

func runRead(cmd *cobra.Command, args []string) error {
	if readCount < 0 {
		return fmt.Errorf("--count must be >= 0")
	}

	return withSession(args[0], func(s *visa.Session) error {
		if readFile != "" {
			count := readCount
			if count == 0 {
				count = 1 << 20
			}
			c, err := s.ReadToFile(readFile, count)
			if err != nil {
				return fmt.Errorf("read failed: %w", err)
			}
			fmt.Printf("Read %d byte(s) to %s: %s\n", c.Count, readFile, c.Status.Name())
			return nil
		}

		if readCount == 0 {
			resp, err := s.ReadString()
			if err != nil {
				return fmt.Errorf("read failed: %w", err)
			}
			fmt.Println(strings.TrimRight(resp, "\r\n"))
			return nil
		}

		buf := make([]byte, readCount)
		c, err := s.Read(buf)
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		fmt.Println(strings.TrimRight(string(buf[:c.Count]), "\r\n"))
		if verbose || c.Truncated() {
			fmt.Printf("Read %d byte(s): %s\n", c.Count, c.Status.Name())
		}
		return nil
	})
}
