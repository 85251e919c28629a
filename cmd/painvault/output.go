package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warningColor = color.New(color.FgYellow)
	boldColor    = color.New(color.Bold)
	dimColor     = color.New(color.Faint)
)

// success prints a success message in green.
func success(format string, a ...any) {
	successColor.Fprintf(os.Stdout, "✓ "+format+"\n", a...)
}

// failure prints an error message in red on stderr.
func failure(format string, a ...any) {
	errorColor.Fprintf(os.Stderr, "✗ "+format+"\n", a...)
}

// warning prints a warning message in yellow.
func warning(format string, a ...any) {
	warningColor.Fprintf(os.Stdout, "⚠ "+format+"\n", a...)
}

func bold(format string, a ...any) string {
	return boldColor.Sprintf(format, a...)
}

func dim(format string, a ...any) string {
	return dimColor.Sprintf(format, a...)
}

// printKeyValue prints a key-value pair with the key highlighted.
func printKeyValue(key string, value any) {
	fmt.Printf("%s: %v\n", boldColor.Sprint(key), value)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// promptConfirm asks for user confirmation and returns true if confirmed.
func promptConfirm(message string) bool {
	fmt.Printf("%s [y/N]: ", message)

	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false
	}
	return response == "y" || response == "Y" || response == "yes" || response == "Yes" || response == "YES"
}

// ago renders t relative to now, or "never".
func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t).Round(time.Second)
	if d < time.Minute {
		return "just now"
	}
	return fmt.Sprintf("%s ago (%s)", d, t.Local().Format(time.DateTime))
}
