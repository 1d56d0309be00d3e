package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	reset  = "\033[0m"
	dim    = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	cyan   = "\033[36m"
	bold   = "\033[1m"
)

var (
	mu       sync.Mutex
	colorOut = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
)

func paint(color, s string) string {
	if !colorOut {
		return s
	}
	return color + s + reset
}

func line(level, color, tag, msg string) {
	mu.Lock()
	defer mu.Unlock()
	ts := time.Now().Format("15:04:05")
	fmt.Fprintf(os.Stdout, "%s %s %s %s\n",
		paint(dim, ts),
		paint(color, fmt.Sprintf("%-4s", level)),
		paint(bold, "["+tag+"]"),
		msg,
	)
}

// Info logs a neutral message under the given tag.
func Info(tag, msg string) { line("INFO", cyan, tag, msg) }

// Success logs a completed step.
func Success(tag, msg string) { line("OK", green, tag, msg) }

// Warn logs a recoverable problem.
func Warn(tag, msg string) { line("WARN", yellow, tag, msg) }

// Error logs a failure. It never exits the process.
func Error(tag, msg string) { line("ERR", red, tag, msg) }

// Banner prints the startup banner.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	mu.Lock()
	defer mu.Unlock()
	title := "PSS Watcher " + version
	rule := strings.Repeat("=", len(title)+4)
	fmt.Fprintln(os.Stdout, paint(cyan, rule))
	fmt.Fprintln(os.Stdout, paint(bold, "  "+title))
	fmt.Fprintln(os.Stdout, paint(cyan, rule))
}

// Section prints a section header.
func Section(title string) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stdout, "\n%s\n", paint(bold, "-- "+title+" --"))
}

// Stats prints a single key/value line.
func Stats(key string, value interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stdout, "   %-22s %v\n", paint(dim, key+":"), value)
}
