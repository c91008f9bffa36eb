package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command defines one blockfsctl subcommand with unified flag parsing and
// help generation, grounded on internal/cli/command.go's Command/Run
// pattern (FlagSet + Usage + Exec), adapted from a ticket-tracker CLI to a
// device-image CLI: the structure is identical, the verbs are not.
type Command struct {
	Flags *flag.FlagSet
	Usage string
	Short string
	Exec  func(ctx context.Context, args []string) error
}

// Name returns the command name (the first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// HelpLine renders one line of the top-level command listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

// Run parses flags and executes the command, returning a process exit code.
func (c *Command) Run(ctx context.Context, args []string) int {
	c.Flags.SetOutput(&strings.Builder{}) // discard pflag's own error text

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Println("Usage: blockfsctl", c.Usage)
			return 0
		}

		fmt.Fprintln(stderr, "error:", err)

		return 2
	}

	if err := c.Exec(ctx, c.Flags.Args()); err != nil {
		fmt.Fprintln(stderr, "error:", err)

		return 1
	}

	return 0
}
