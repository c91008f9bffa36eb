// Package report writes the textual, operator-facing recover()/checkpoint()
// summaries spec.md §7 calls for ("Logging is textual and intended for
// operators, not for machine parsing") to a side file, atomically.
//
// It reuses github.com/natefinch/atomic directly rather than
// reimplementing pkg/fs/atomic_write.go's temp-file-then-rename dance: the
// teacher already depends on the upstream package for exactly this need at
// the application layer, one level above the FS abstraction pkg/fs wraps.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/natefinch/atomic"
)

// Op identifies which journal protocol step a report entry describes.
type Op string

const (
	OpRecover    Op = "recover"
	OpCheckpoint Op = "checkpoint"
)

// Entry is one operator-facing report line.
type Entry struct {
	Time   time.Time
	Op     Op
	Region string
	Count  int // transactions recovered, or journal slots a checkpoint moved head past
	Detail string
}

// Render formats entries as plain text, one line per entry, in the order
// given —
// meant to be read by a human operator, never parsed by another program
// (spec.md §7).
func Render(entries []Entry) []byte {
	var buf bytes.Buffer

	for _, e := range entries {
		fmt.Fprintf(&buf, "%s %-10s region=%-16s count=%-6d %s\n",
			e.Time.UTC().Format(time.RFC3339), e.Op, e.Region, e.Count, e.Detail)
	}

	return buf.Bytes()
}

// WriteTo atomically replaces path's contents with the rendered report, so
// a concurrent reader (an operator's `tail`, a monitoring script) never
// observes a partially written file.
func WriteTo(path string, entries []Entry) error {
	return atomic.WriteFile(path, bytes.NewReader(Render(entries)))
}
