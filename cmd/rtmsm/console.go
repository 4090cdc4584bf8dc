package main

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/loykin/rtmsm/internal/dispatch"
	"github.com/loykin/rtmsm/internal/logger"
)

// runConsole feeds lines from in to the dispatcher until ctx is done, in is
// exhausted, or the operator types quit/exit. Dispatch errors are already
// reported by the dispatcher.
func runConsole(ctx context.Context, in io.Reader, d *dispatch.Dispatcher, logf logger.LogFunc) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "":
				continue
			case "quit", "exit":
				logf("👋 Leaving the console.")
				return
			}
			_ = d.Dispatch(ctx, line)
		}
	}
}
