//go:build windows

package main

// Windows consoles do not signal size changes.
func watchResize(fd int, onResize func(cols, rows int)) func() {
	return func() {}
}
