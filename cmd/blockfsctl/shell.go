package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/blockfs-core/blockfs/pkg/blockdev"
	"github.com/blockfs-core/blockfs/pkg/extent"
)

func shellCommand() *Command {
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	configPath, region := commonFlags(fs)

	return &Command{
		Flags: fs,
		Usage: "shell --config=<path> --region=<name>",
		Short: "interactive begin/write/commit/abort session over one region",
		Exec: func(_ context.Context, _ []string) error {
			s, err := openSession(*configPath, *region)
			if err != nil {
				return err
			}
			defer s.Close()

			repl := &shellREPL{session: s}

			return repl.Run()
		},
	}
}

// shellREPL is the interactive command loop, grounded on cmd/sloty/main.go's
// REPL: one long-lived liner.State reading commands into a switch, the
// session standing in for sloty's *slotcache.Cache. Unlike the scripted
// "commit" subcommand, the shell can hold a Transaction open across
// several typed commands (begin, then write*, then commit or abort).
type shellREPL struct {
	session *session
	liner   *liner.State
	tx      *openTx
}

type openTx struct {
	id uint64
	tx writeCommitter
}

// writeCommitter is the subset of *journal.Transaction the shell drives,
// narrowed so tests can substitute a fake.
type writeCommitter interface {
	WriteBlock(target uint32, payload []byte) error
	Commit() error
	Abort() error
	ID() uint64
}

func shellHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".blockfsctl_history")
}

// Run starts the REPL loop.
func (r *shellREPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(shellHistoryFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("blockfsctl shell - region %q\n", r.session.region.Name)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("blockfsctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			if r.tx != nil {
				fmt.Println("aborting open transaction before exit")
				_ = r.tx.tx.Abort()
			}

			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "begin":
			r.cmdBegin()

		case "write":
			r.cmdWrite(args)

		case "commit":
			r.cmdCommit()

		case "abort":
			r.cmdAbort()

		case "alloc":
			r.cmdAlloc(args)

		case "free":
			r.cmdFree(args)

		case "checkpoint":
			r.cmdCheckpoint()

		case "recover":
			r.cmdRecover()

		case "stats", "describe":
			printStatsTable(snapshotFor(r.session))

		default:
			fmt.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *shellREPL) saveHistory() {
	if path := shellHistoryFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *shellREPL) completer(line string) []string {
	verbs := []string{"begin", "write", "commit", "abort", "alloc", "free", "checkpoint", "recover", "stats", "describe", "help", "exit"}

	var out []string

	for _, v := range verbs {
		if strings.HasPrefix(v, strings.ToLower(line)) {
			out = append(out, v)
		}
	}

	return out
}

func (r *shellREPL) printHelp() {
	fmt.Println(`Commands:
  begin                    start a transaction
  write <target> <byte>    queue a block write; payload is filled with the repeated byte
  commit                   commit the open transaction
  abort                    discard the open transaction
  alloc <hint> <min> <max> allocate an extent
  free <start> <length>    free an extent
  checkpoint               apply journaled writes and advance head
  recover                  replay committed-but-unapplied transactions
  stats, describe          print region counters
  exit, quit, q            leave the shell`)
}

func (r *shellREPL) cmdBegin() {
	if r.tx != nil {
		fmt.Println("a transaction is already open; commit or abort it first")
		return
	}

	tx := r.session.mgr.BeginTransaction()
	r.tx = &openTx{id: tx.ID(), tx: tx}
	fmt.Printf("began transaction %d\n", tx.ID())
}

func (r *shellREPL) cmdWrite(args []string) {
	if r.tx == nil {
		fmt.Println("no open transaction; run 'begin' first")
		return
	}

	if len(args) != 2 {
		fmt.Println("usage: write <target> <fill-byte 0-255>")
		return
	}

	target, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Println("invalid target:", err)
		return
	}

	fill, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		fmt.Println("invalid fill byte:", err)
		return
	}

	payload := make([]byte, blockdev.BlockSize)
	for i := range payload {
		payload[i] = byte(fill)
	}

	if err := r.tx.tx.WriteBlock(uint32(target), payload); err != nil {
		fmt.Println("write failed:", err)
		return
	}

	fmt.Printf("queued write to block %d\n", target)
}

func (r *shellREPL) cmdCommit() {
	if r.tx == nil {
		fmt.Println("no open transaction")
		return
	}

	err := r.tx.tx.Commit()
	id := r.tx.id
	r.tx = nil

	if err != nil {
		fmt.Println("commit failed:", err)
		return
	}

	fmt.Printf("committed transaction %d\n", id)
}

func (r *shellREPL) cmdAbort() {
	if r.tx == nil {
		fmt.Println("no open transaction")
		return
	}

	err := r.tx.tx.Abort()
	id := r.tx.id
	r.tx = nil

	if err != nil {
		fmt.Println("abort failed:", err)
		return
	}

	fmt.Printf("aborted transaction %d\n", id)
}

func (r *shellREPL) cmdAlloc(args []string) {
	if len(args) != 3 {
		fmt.Println("usage: alloc <hint> <min> <max>")
		return
	}

	hint, err1 := strconv.ParseUint(args[0], 10, 32)
	minLen, err2 := strconv.ParseUint(args[1], 10, 32)
	maxLen, err3 := strconv.ParseUint(args[2], 10, 32)

	if err1 != nil || err2 != nil || err3 != nil {
		fmt.Println("hint/min/max must be non-negative integers")
		return
	}

	ext, err := r.session.alloc.AllocateExtent(uint32(hint), uint32(minLen), uint32(maxLen))
	if err != nil {
		fmt.Println("alloc failed:", err)
		return
	}

	if err := r.session.alloc.SyncBitmapToDisk(); err != nil {
		fmt.Println("bitmap sync failed:", err)
		return
	}

	fmt.Println(ext.String())
}

func (r *shellREPL) cmdFree(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: free <start> <length>")
		return
	}

	start, err1 := strconv.ParseUint(args[0], 10, 32)
	length, err2 := strconv.ParseUint(args[1], 10, 32)

	if err1 != nil || err2 != nil {
		fmt.Println("start/length must be non-negative integers")
		return
	}

	if err := r.session.alloc.FreeExtent(extent.Extent{Start: uint32(start), Length: uint32(length)}); err != nil {
		fmt.Println("free failed:", err)
		return
	}

	if err := r.session.alloc.SyncBitmapToDisk(); err != nil {
		fmt.Println("bitmap sync failed:", err)
	}
}

func (r *shellREPL) cmdCheckpoint() {
	if err := r.session.mgr.Checkpoint(); err != nil {
		fmt.Println("checkpoint failed:", err)
		return
	}

	fmt.Println("checkpoint complete")
}

func (r *shellREPL) cmdRecover() {
	count, err := r.session.mgr.Recover()
	if err != nil {
		fmt.Println("recover failed:", err)
		return
	}

	fmt.Printf("recovered %d transaction(s)\n", count)
}
