package main

import (
	"fmt"
	"os"
)

// Terminal output helpers for the arxival commands. All human-facing
// status lines go to stderr so command results on stdout stay pipeable.

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func statusLine(color, prefix, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { statusLine(colorGreen, "✓ ", format, args...) }
func printError(format string, args ...any)   { statusLine(colorRed, "✗ ", format, args...) }
func printWarning(format string, args ...any) { statusLine(colorYellow, "⚠ ", format, args...) }
func printStep(format string, args ...any)    { statusLine(colorCyan, "→ ", format, args...) }

// printStatus renders one "Label: value" line of a status report.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
