// Package debug provides a gated diagnostic logger: output only appears
// when enabled via the MUTSYNC_DEBUG environment variable or SetVerbose.
package debug

import (
	"fmt"
	"os"
)

var (
	enabled     = os.Getenv("MUTSYNC_DEBUG") != ""
	verboseMode = false
	quietMode   = false
)

// Enabled reports whether debug output is currently turned on.
func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables or disables verbose/debug output, overriding the
// environment variable for the process lifetime.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet suppresses normal (non-debug) informational output.
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet reports whether quiet mode is enabled.
func IsQuiet() bool {
	return quietMode
}

// Logf writes a diagnostic line to stderr when debug output is enabled.
func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

// PrintNormal writes informational output to stdout unless quiet mode is
// enabled.
func PrintNormal(format string, args ...interface{}) {
	if !quietMode {
		fmt.Printf(format, args...)
	}
}

// PrintlnNormal writes a line to stdout unless quiet mode is enabled.
func PrintlnNormal(args ...interface{}) {
	if !quietMode {
		fmt.Println(args...)
	}
}
