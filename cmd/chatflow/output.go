package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// diag receives status lines so stdout stays clean for command output.
var diag io.Writer = os.Stderr

type tone struct {
	color  string
	symbol string
}

var (
	toneSuccess = tone{colorGreen, "✓"}
	toneError   = tone{colorRed, "✗"}
	toneWarning = tone{colorYellow, "⚠"}
	toneStep    = tone{colorCyan, "→"}
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func say(t tone, format string, args ...any) {
	fmt.Fprintln(diag, colorize(t.color, t.symbol+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { say(toneSuccess, format, args...) }
func printError(format string, args ...any)   { say(toneError, format, args...) }
func printWarning(format string, args ...any) { say(toneWarning, format, args...) }
func printStep(format string, args ...any)    { say(toneStep, format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(diag, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// truncateRunes cuts s to n runes, marking the cut with "...".
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
