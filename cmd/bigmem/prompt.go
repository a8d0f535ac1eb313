package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kalambet/bigmem/internal/syncer"
)

// terminalPrompter asks on out and reads a y/N answer from in.
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: bufio.NewReader(in), out: out}
}

func (p *terminalPrompter) Confirm(ctx context.Context, m syncer.Mismatch) (syncer.Decision, error) {
	fmt.Fprintln(p.out, colorize(colorBold+colorYellow, m.Title))
	fmt.Fprintln(p.out, m.Message)
	fmt.Fprintf(p.out, "  requested %s, kernel has %s (attempt %d)\n",
		colorize(colorCyan, m.Requested), colorize(colorRed, m.Actual), m.Attempt)
	fmt.Fprint(p.out, "Retry? [y/N] ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return syncer.Decline, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.err != io.EOF {
			return syncer.Decline, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return syncer.Retry, nil
		}
		if a.err == io.EOF {
			fmt.Fprintln(p.out)
		}
		return syncer.Decline, nil
	}
}
