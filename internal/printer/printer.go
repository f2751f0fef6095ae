package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/xilenv/bbwatch/pkg/blackboard"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow)
	red     = color.New(color.FgRed, color.Bold)
	cyan    = color.New(color.FgCyan)
	magenta = color.New(color.FgMagenta)
	faint   = color.New(color.Faint)
)

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Print(msg)
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a warning message in yellow with a warning emoji prefix
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Print(msg)
}

// Step prints a step message with emphasis (used in multi-step operations)
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Error prints a formatted error with title, explanation and suggestions to
// stderr and returns a plain error for Cobra
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with an additional block of key/value details,
// printed in key order
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	writeError(os.Stderr, title, explanation, context, suggestions)
	// Cobra won't print it due to SilenceErrors
	return fmt.Errorf("%s", title)
}

func writeError(w io.Writer, title, explanation string, context map[string]string, suggestions []string) {
	red.Fprintf(w, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(w, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, context[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(w, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(w, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(w, "  %d. %s\n", i+1, s)
		}
	}
}

// Change renders one observed change as a single colored line:
//
//	15:04:05.000 [panel] speed (#3) value|unit = 42 km/h
//
// v may be nil when the variable is already gone.
func Change(w io.Writer, at time.Time, panel string, vid blackboard.VID, flags blackboard.ObservationFlags, v *blackboard.Variable) {
	faint.Fprint(w, at.Format("15:04:05.000"))
	fmt.Fprint(w, " ")
	cyan.Fprintf(w, "[%s]", panel)

	name := "?"
	if v != nil {
		name = v.Label()
	}
	fmt.Fprintf(w, " %s (#%d) ", name, vid)

	switch {
	case flags.Overlaps(blackboard.ObserveRemoveVariable):
		red.Fprint(w, flags.String())
	case flags.Overlaps(blackboard.ObserveAddVariable):
		green.Fprint(w, flags.String())
	default:
		magenta.Fprint(w, flags.String())
	}

	if v != nil && !flags.Overlaps(blackboard.ObserveRemoveVariable) {
		fmt.Fprintf(w, " = %s", FormatValue(v))
	}
	fmt.Fprintln(w)
}

// FormatValue renders a variable's value with its precision and unit
func FormatValue(v *blackboard.Variable) string {
	s := fmt.Sprintf("%.*f", v.Precision, v.Value)
	if v.Precision == 0 && v.Value != float64(int64(v.Value)) {
		s = fmt.Sprintf("%g", v.Value)
	}
	if v.Unit != "" {
		s += " " + v.Unit
	}
	return s
}
