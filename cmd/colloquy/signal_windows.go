//go:build windows

package main

import "os"

// terminationSignals lists the signals that cancel a running dialogue.
// Windows only delivers os.Interrupt.
var terminationSignals = []os.Signal{os.Interrupt}
