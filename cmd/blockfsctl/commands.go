package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/blockfs-core/blockfs/internal/report"
	"github.com/blockfs-core/blockfs/pkg/blockdev"
	"github.com/blockfs-core/blockfs/pkg/extent"
	"github.com/blockfs-core/blockfs/pkg/journal"
)

func commands() map[string]*Command {
	return map[string]*Command{
		"stats":      statsCommand(),
		"describe":   describeCommand(),
		"checkpoint": checkpointCommand(),
		"recover":    recoverCommand(),
		"alloc":      allocCommand(),
		"free":       freeCommand(),
		"commit":     commitCommand(),
		"shell":      shellCommand(),
	}
}

// snapshot is the describe/stats payload: journal and allocator state in
// one struct, serializable as JSON or YAML.
type snapshot struct {
	Region   string        `json:"region" yaml:"region"`
	Journal  journal.Stats `json:"journal" yaml:"journal"`
	Extent   extent.Stats  `json:"extent" yaml:"extent"`
	FragRate float64       `json:"fragmentation_ratio" yaml:"fragmentation_ratio"` //nolint:tagliatelle
}

func snapshotFor(s *session) snapshot {
	return snapshot{
		Region:   s.region.Name,
		Journal:  s.mgr.Stats(),
		Extent:   s.alloc.GetStats(),
		FragRate: s.alloc.FragmentationRatio(),
	}
}

func statsCommand() *Command {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	configPath, region := commonFlags(fs)

	return &Command{
		Flags: fs,
		Usage: "stats --config=<path> --region=<name>",
		Short: "print journal and allocator counters as a table",
		Exec: func(_ context.Context, _ []string) error {
			s, err := openSession(*configPath, *region)
			if err != nil {
				return err
			}
			defer s.Close()

			printStatsTable(snapshotFor(s))

			return nil
		},
	}
}

// printStatsTable renders a two-column, width-aligned table using
// go-runewidth so labels and values line up even with multi-byte region
// names, the same column-alignment need ls.go's table output addresses
// for ticket listings.
func printStatsTable(snap snapshot) {
	rows := [][2]string{
		{"region", snap.Region},
		{"journal.head", strconv.FormatUint(uint64(snap.Journal.Head), 10)},
		{"journal.tail", strconv.FormatUint(uint64(snap.Journal.Tail), 10)},
		{"journal.sequence", strconv.FormatUint(snap.Journal.Sequence, 10)},
		{"journal.available_slots", strconv.FormatUint(uint64(snap.Journal.AvailableSlots), 10)},
		{"journal.active_transactions", strconv.Itoa(snap.Journal.ActiveTransactions)},
		{"extent.total", strconv.FormatUint(uint64(snap.Extent.Total), 10)},
		{"extent.free", strconv.FormatUint(uint64(snap.Extent.Free), 10)},
		{"extent.allocated", strconv.FormatUint(uint64(snap.Extent.Allocated), 10)},
		{"extent.fragmentation_ratio", strconv.FormatFloat(snap.FragRate, 'f', 4, 64)},
	}

	width := 0
	for _, row := range rows {
		if w := runewidth.StringWidth(row[0]); w > width {
			width = w
		}
	}

	for _, row := range rows {
		pad := width - runewidth.StringWidth(row[0])
		fmt.Printf("%s%s  %s\n", row[0], strings.Repeat(" ", pad), row[1])
	}
}

func describeCommand() *Command {
	fs := flag.NewFlagSet("describe", flag.ContinueOnError)
	configPath, region := commonFlags(fs)
	format := fs.String("format", "table", "output format: table|json|yaml")

	return &Command{
		Flags: fs,
		Usage: "describe --config=<path> --region=<name> [--format=table|json|yaml]",
		Short: "dump a full region snapshot for operator inspection",
		Exec: func(_ context.Context, _ []string) error {
			s, err := openSession(*configPath, *region)
			if err != nil {
				return err
			}
			defer s.Close()

			snap := snapshotFor(s)

			switch *format {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")

				return enc.Encode(snap)
			case "yaml":
				out, err := yaml.Marshal(snap)
				if err != nil {
					return fmt.Errorf("marshaling yaml: %w", err)
				}

				_, err = os.Stdout.Write(out)

				return err
			case "table", "":
				printStatsTable(snap)
				return nil
			default:
				return fmt.Errorf("unknown --format %q, want table|json|yaml", *format)
			}
		},
	}
}

func checkpointCommand() *Command {
	fs := flag.NewFlagSet("checkpoint", flag.ContinueOnError)
	configPath, region := commonFlags(fs)
	reportPath := fs.String("report", "", "optional path to write an operator-facing report entry to (replaces the file)")

	return &Command{
		Flags: fs,
		Usage: "checkpoint --config=<path> --region=<name> [--report=<path>]",
		Short: "apply journaled writes to their targets and advance head",
		Exec: func(_ context.Context, _ []string) error {
			s, err := openSession(*configPath, *region)
			if err != nil {
				return err
			}
			defer s.Close()

			before := s.mgr.Stats()

			if err := s.mgr.Checkpoint(); err != nil {
				return err
			}

			after := s.mgr.Stats()
			applied := int((after.Head - before.Head + after.TotalBlocks) % after.TotalBlocks)

			fmt.Println("checkpoint complete")

			return writeReport(*reportPath, report.Entry{
				Time:   time.Now(),
				Op:     report.OpCheckpoint,
				Region: s.region.Name,
				Count:  applied,
				Detail: fmt.Sprintf("head %d -> %d", before.Head, after.Head),
			})
		},
	}
}

func recoverCommand() *Command {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	configPath, region := commonFlags(fs)
	reportPath := fs.String("report", "", "optional path to write an operator-facing report entry to (replaces the file)")

	return &Command{
		Flags: fs,
		Usage: "recover --config=<path> --region=<name> [--report=<path>]",
		Short: "replay committed-but-unapplied transactions",
		Exec: func(_ context.Context, _ []string) error {
			s, err := openSession(*configPath, *region)
			if err != nil {
				return err
			}
			defer s.Close()

			count, err := s.mgr.Recover()
			if err != nil {
				return err
			}

			fmt.Printf("recovered %d transaction(s)\n", count)

			return writeReport(*reportPath, report.Entry{
				Time:   time.Now(),
				Op:     report.OpRecover,
				Region: s.region.Name,
				Count:  count,
				Detail: "replayed committed-but-unapplied transactions",
			})
		},
	}
}

// writeReport atomically replaces path's contents with a single-entry
// report, or does nothing when path is empty — --report is an opt-in audit
// trail, not a requirement for day-to-day use. Each call overwrites rather
// than appends, matching report.WriteTo's atomic-replace contract; an
// operator who wants history points --report at a fresh path per run.
func writeReport(path string, entry report.Entry) error {
	if path == "" {
		return nil
	}

	return report.WriteTo(path, []report.Entry{entry})
}

func allocCommand() *Command {
	fs := flag.NewFlagSet("alloc", flag.ContinueOnError)
	configPath, region := commonFlags(fs)
	hint := fs.Uint32("hint", 0, "block number to start the first-fit scan at")
	minLen := fs.Uint32("min", 1, "minimum run length")
	maxLen := fs.Uint32("max", 1, "maximum run length")

	return &Command{
		Flags: fs,
		Usage: "alloc --config=<path> --region=<name> --hint=N --min=N --max=N",
		Short: "allocate an extent of free blocks",
		Exec: func(_ context.Context, _ []string) error {
			s, err := openSession(*configPath, *region)
			if err != nil {
				return err
			}
			defer s.Close()

			ext, err := s.alloc.AllocateExtent(*hint, *minLen, *maxLen)
			if err != nil {
				return err
			}

			if err := s.alloc.SyncBitmapToDisk(); err != nil {
				return err
			}

			fmt.Println(ext.String())

			return nil
		},
	}
}

func freeCommand() *Command {
	fs := flag.NewFlagSet("free", flag.ContinueOnError)
	configPath, region := commonFlags(fs)
	start := fs.Uint32("start", 0, "extent start block")
	length := fs.Uint32("length", 0, "extent length in blocks")

	return &Command{
		Flags: fs,
		Usage: "free --config=<path> --region=<name> --start=N --length=N",
		Short: "release a previously allocated extent",
		Exec: func(_ context.Context, _ []string) error {
			s, err := openSession(*configPath, *region)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.alloc.FreeExtent(extent.Extent{Start: *start, Length: *length}); err != nil {
				return err
			}

			return s.alloc.SyncBitmapToDisk()
		},
	}
}

// commitCommand scripts a full begin/write*/commit sequence within a
// single process invocation via repeated --write target:path flags, each
// path naming a file holding exactly blockdev.BlockSize bytes to journal
// at that target block. The interactive "shell" command is the one that
// can hold begin/write/commit/abort apart across separate steps, since it
// keeps the Manager and an open Transaction alive across REPL commands.
func commitCommand() *Command {
	fs := flag.NewFlagSet("commit", flag.ContinueOnError)
	configPath, region := commonFlags(fs)

	var writes []string

	fs.StringArrayVar(&writes, "write", nil, "target:path, repeatable; path must hold exactly 4096 bytes")

	return &Command{
		Flags: fs,
		Usage: "commit --config=<path> --region=<name> --write=target:path [--write=target:path ...]",
		Short: "journal and commit one scripted transaction",
		Exec: func(_ context.Context, _ []string) error {
			s, err := openSession(*configPath, *region)
			if err != nil {
				return err
			}
			defer s.Close()

			tx := s.mgr.BeginTransaction()

			for _, w := range writes {
				target, path, err := parseWrite(w)
				if err != nil {
					_ = tx.Abort()
					return err
				}

				data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
				if err != nil {
					_ = tx.Abort()
					return fmt.Errorf("reading %s: %w", path, err)
				}

				if len(data) != blockdev.BlockSize {
					_ = tx.Abort()
					return fmt.Errorf("%s is %d bytes, want %d", path, len(data), blockdev.BlockSize)
				}

				if err := tx.WriteBlock(target, data); err != nil {
					_ = tx.Abort()
					return err
				}
			}

			if err := tx.Commit(); err != nil {
				return err
			}

			fmt.Printf("committed transaction %d (%d block writes)\n", tx.ID(), len(writes))

			return nil
		},
	}
}

func parseWrite(spec string) (target uint32, path string, err error) {
	before, after, found := strings.Cut(spec, ":")
	if !found {
		return 0, "", fmt.Errorf("--write %q must be target:path", spec)
	}

	n, err := strconv.ParseUint(before, 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("--write %q: invalid target block: %w", spec, err)
	}

	return uint32(n), after, nil
}
