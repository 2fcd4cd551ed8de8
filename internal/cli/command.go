package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// anyArgs accepts one or more positional arguments.
const anyArgs = -1

// Command is one goslide subcommand. Its name is the name of its FlagSet.
type Command struct {
	Flags *flag.FlagSet

	// Args describes the positional arguments, e.g. "<slide> <name>".
	Args string

	// NArgs is the exact number of positional arguments, or anyArgs.
	NArgs int

	Short string

	// Exec runs with the positional arguments once their count is checked.
	Exec func(ctx context.Context, o *IO, args []string) error
}

func (c *Command) Name() string {
	return c.Flags.Name()
}

// Synopsis is the command line shown in help, e.g. "region <slide> [flags]".
func (c *Command) Synopsis() string {
	parts := []string{c.Name()}
	if c.Args != "" {
		parts = append(parts, c.Args)
	}
	if c.Flags.HasFlags() {
		parts = append(parts, "[flags]")
	}
	return strings.Join(parts, " ")
}

// HelpLine is the command's row in the global command table.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-11s %-19s %s", c.Name(), c.Args, c.Short)
}

func (c *Command) PrintHelp(o *IO) {
	o.Printf("Usage: goslide %s\n\n%s\n", c.Synopsis(), c.Short)
	if c.Flags.HasFlags() {
		o.Printf("\nFlags:\n%s", c.Flags.FlagUsages())
	}
}

func (c *Command) checkArgs(args []string) error {
	switch {
	case c.NArgs == anyArgs && len(args) == 0:
		return fmt.Errorf("%w: %s needs at least one argument: %s", errUsage, c.Name(), c.Args)
	case c.NArgs != anyArgs && len(args) != c.NArgs:
		if c.NArgs == 0 {
			return fmt.Errorf("%w: %s takes no arguments", errUsage, c.Name())
		}
		return fmt.Errorf("%w: %s takes %d argument(s): %s", errUsage, c.Name(), c.NArgs, c.Args)
	}
	return nil
}

// Run parses flags, checks the arguments and executes the command. It returns
// the process exit code; usage errors also print the command's help.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)
			return 0
		}
		return c.usageError(o, err)
	}
	if err := c.checkArgs(c.Flags.Args()); err != nil {
		return c.usageError(o, err)
	}

	if err := c.Exec(ctx, o, c.Flags.Args()); err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}
	return 0
}

func (c *Command) usageError(o *IO, err error) int {
	o.ErrPrintln("error:", err)
	o.ErrPrintln("usage: goslide", c.Synopsis())
	return 1
}
