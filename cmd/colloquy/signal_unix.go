//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals lists the signals that cancel a running dialogue.
// SIGTERM covers process managers; SIGINT covers ctrl-c.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
