// Command blockfsctl is a playground/ops CLI over an already-formatted
// device image: it drives the journal and extent packages' public
// operations directly, the same role cmd/mddb/main.go plays for pkg/mddb
// (subcommand dispatch over a library, no business logic of its own) with
// cmd/sloty/main.go's liner-REPL "shell" mode layered on top.
//
// Formatting a fresh device image is out of scope (the external
// formatter's job, spec.md §1); blockfsctl only operates on regions
// described by an existing config file (internal/config).
package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

var stderr = os.Stderr

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	name := args[0]
	rest := args[1:]

	if name == "help" || name == "-h" || name == "--help" {
		printUsage()
		return 0
	}

	cmd, ok := commands()[name]
	if !ok {
		fmt.Fprintf(stderr, "error: unknown command %q\n\n", name)
		printUsage()

		return 2
	}

	return cmd.Run(context.Background(), rest)
}

func printUsage() {
	fmt.Println("Usage: blockfsctl <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")

	for _, name := range commandOrder {
		fmt.Println(commands()[name].HelpLine())
	}
}

var commandOrder = []string{
	"stats", "describe", "checkpoint", "recover", "alloc", "free", "commit", "shell",
}

// commonFlags attaches the --config/--region flags every region-scoped
// subcommand needs and returns accessors for their parsed values.
func commonFlags(fs *flag.FlagSet) (configPath, region *string) {
	configPath = fs.String("config", "", "path to the blockfsctl JSONC config file")
	region = fs.String("region", "", "region name from the config file")

	return configPath, region
}
