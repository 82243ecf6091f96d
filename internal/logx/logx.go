// Package logx renders the structured stderr log records described in
// §7: {level, message, key=value ...}. Coloring follows the teacher's
// convention of composing color.New(...).SprintFunc() with fmt, rather
// than the package-level color.Red/color.Green helpers.
package logx

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

var (
	info  = color.New(color.FgGreen).SprintFunc()
	warn  = color.New(color.FgYellow).SprintFunc()
	fail  = color.New(color.FgRed).SprintFunc()
	dim   = color.New(color.FgHiBlack).SprintFunc()
)

// Field is one key=value pair attached to a log record.
type Field struct {
	Key   string
	Value interface{}
}

// F constructs a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Info logs a successful or routine event.
func Info(message string, fields ...Field) {
	emit(info("info"), message, fields)
}

// Warn logs a recoverable problem.
func Warn(message string, fields ...Field) {
	emit(warn("warn"), message, fields)
}

// Error logs a failure the caller is proceeding past.
func Error(message string, fields ...Field) {
	emit(fail("error"), message, fields)
}

func emit(level, message string, fields []Field) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", level, message)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", dim(f.Key), f.Value)
	}
	fmt.Fprintln(os.Stderr, b.String())
}
