// pkg/cli/command.go
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/phuslu/log"
	"github.com/timtadh/getopt"

	"vmem/pkg/files"
	"vmem/pkg/logging"
	"vmem/pkg/vm"
)

var ErrorCodes = map[string]int{
	"usage":   0,
	"failed":  1,
	"opts":    3,
	"badint":  5,
	"badfile": 7,
	"locked":  8,
}

var UsageMessage = "vmemctl [options] <command> <path>"
var ExtendedMessage = `
vmemctl -- inspect and edit append-only memory-mapped column files

Commands
  stat          print the size and page layout of the file
  append        append stdin (or --input) to the end of the file
  cat           copy the file content to stdout (or --output)
  truncate      discard all content, keeping one zeroed page
  sync          flush every mapped page to disk

Options
  -h, --help                view this message
  -p, --page-size=<bytes>   mapping page size (default 16777216)
  -i, --input=<path>        append: read from path instead of stdin
  -o, --output=<path>       cat: write to path instead of stdout
  --offset=<bytes>          cat: start reading at offset
  --length=<bytes>          cat: read at most length bytes
  --async                   sync: schedule the flush without waiting
  -v, --verbose             log every page mapping to stderr
`

// Command runs one vmemctl invocation against explicit streams.
type Command struct {
	input     io.Reader
	output    io.Writer
	errOutput io.Writer

	pageSize   int64
	inputPath  string
	outputPath string
	offset     int64
	length     int64
	async      bool
	verbose    bool
}

func NewCommand(input io.Reader, output, errOutput io.Writer) *Command {
	return &Command{
		input:     input,
		output:    output,
		errOutput: errOutput,
		pageSize:  vm.DefaultPageSize,
		length:    -1,
	}
}

// Run parses args (without the program name) and executes the command.
// It returns the process exit code.
func (c *Command) Run(args []string) int {
	args, optargs, err := getopt.GetOpt(
		args,
		"hp:i:o:v",
		[]string{
			"help", "page-size=", "input=", "output=",
			"offset=", "length=", "async", "verbose",
		},
	)
	if err != nil {
		fmt.Fprintln(c.errOutput, err)
		return c.usage(ErrorCodes["opts"])
	}

	for _, oa := range optargs {
		switch oa.Opt() {
		case "-h", "--help":
			return c.usage(0)
		case "-p", "--page-size":
			if c.pageSize, err = parseSize(oa.Arg()); err != nil {
				fmt.Fprintln(c.errOutput, err)
				return c.usage(ErrorCodes["badint"])
			}
		case "-i", "--input":
			c.inputPath = oa.Arg()
		case "-o", "--output":
			c.outputPath = oa.Arg()
		case "--offset":
			if c.offset, err = parseSize(oa.Arg()); err != nil {
				fmt.Fprintln(c.errOutput, err)
				return c.usage(ErrorCodes["badint"])
			}
		case "--length":
			if c.length, err = parseSize(oa.Arg()); err != nil {
				fmt.Fprintln(c.errOutput, err)
				return c.usage(ErrorCodes["badint"])
			}
		case "--async":
			c.async = true
		case "-v", "--verbose":
			c.verbose = true
		default:
			fmt.Fprintf(c.errOutput, "Unknown flag '%v'\n", oa.Opt())
			return c.usage(ErrorCodes["opts"])
		}
	}

	if len(args) != 2 {
		fmt.Fprintln(c.errOutput, "Must supply a command and a path, try --help")
		return c.usage(ErrorCodes["opts"])
	}

	commands := map[string]func(*vm.ReadWriteMemory) error{
		"stat":     c.stat,
		"append":   c.append,
		"cat":      c.cat,
		"truncate": c.truncate,
		"sync":     c.sync,
	}
	cmd, has := commands[args[0]]
	if !has {
		fmt.Fprintf(c.errOutput, "Command '%v' not supported, try --help\n", args[0])
		return c.usage(ErrorCodes["opts"])
	}

	if err := c.withMemory(args[1], cmd); err != nil {
		fmt.Fprintf(c.errOutput, "Error: %v\n", err)
		if errors.Is(err, files.ErrLocked) {
			return ErrorCodes["locked"]
		}
		return ErrorCodes["failed"]
	}
	return 0
}

func (c *Command) usage(code int) int {
	fmt.Fprintln(c.errOutput, UsageMessage)
	if code == 0 {
		fmt.Fprintln(c.output, ExtendedMessage)
		return ErrorCodes["usage"]
	}
	fmt.Fprintln(c.errOutput, "Try -h or --help for help")
	return code
}

func (c *Command) logger() *log.Logger {
	if c.verbose {
		return logging.CreateDebugLogger(c.errOutput)
	}
	return logging.CreateLogger("error", c.errOutput)
}

// withMemory holds an exclusive lock on path for the lifetime of fn. The
// lock is taken on its own descriptor before the memory is opened, since
// opening replays the file and closing shrinks it.
func (c *Command) withMemory(path string, fn func(*vm.ReadWriteMemory) error) error {
	var ff files.OS
	lockFd, err := ff.OpenRW(path)
	if err != nil {
		return err
	}
	defer ff.Close(lockFd)
	if err := files.LockExclusive(lockFd); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer files.Unlock(lockFd)

	m, err := vm.OpenReadWriteMemory(path, vm.Options{
		PageSize: c.pageSize,
		Facade:   ff,
		Logger:   c.logger(),
	})
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func (c *Command) stat(m *vm.ReadWriteMemory) error {
	fmt.Fprintf(c.output, "path:         %s\n", m.Path())
	fmt.Fprintf(c.output, "size:         %d\n", m.AppendOffset())
	fmt.Fprintf(c.output, "page size:    %d\n", m.PageSize())
	fmt.Fprintf(c.output, "pages:        %d\n", m.Pages())
	fmt.Fprintf(c.output, "mapped pages: %d\n", m.MappedPages())
	return nil
}

func (c *Command) append(m *vm.ReadWriteMemory) error {
	in := c.input
	if c.inputPath != "" {
		f, err := os.Open(c.inputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	n, err := io.Copy(m, in)
	if err != nil {
		return fmt.Errorf("append failed after %d bytes: %w", n, err)
	}
	fmt.Fprintf(c.output, "appended %d bytes, size %d\n", n, m.AppendOffset())
	return nil
}

func (c *Command) cat(m *vm.ReadWriteMemory) error {
	out := c.output
	if c.outputPath != "" {
		f, err := os.Create(c.outputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	size := m.AppendOffset() - c.offset
	if c.length >= 0 && c.length < size {
		size = c.length
	}
	if size <= 0 {
		return nil
	}
	_, err := io.Copy(out, io.NewSectionReader(m, c.offset, size))
	return err
}

func (c *Command) truncate(m *vm.ReadWriteMemory) error {
	if err := m.Truncate(); err != nil {
		return err
	}
	fmt.Fprintln(c.output, "truncated")
	return nil
}

func (c *Command) sync(m *vm.ReadWriteMemory) error {
	m.Sync(c.async)
	fmt.Fprintf(c.output, "synced %d pages\n", m.MappedPages())
	return nil
}

func parseSize(str string) (int64, error) {
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expected an integer, got '%s'", str)
	}
	if n < 0 {
		return 0, fmt.Errorf("expected a non-negative integer, got %d", n)
	}
	return n, nil
}
