//go:build !windows

package main

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// watchResize reports terminal size changes until the returned stop func is
// called.
func watchResize(fd int, onResize func(cols, rows int)) func() {
	if !term.IsTerminal(fd) {
		return func() {}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGWINCH)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-sigs:
				if cols, rows, err := term.GetSize(fd); err == nil {
					onResize(cols, rows)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
