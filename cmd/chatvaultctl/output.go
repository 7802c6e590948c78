package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/matheus3301/chatvault/internal/api"
)

var (
	titleColor   = color.New(color.FgMagenta, color.Bold)
	labelColor   = color.New(color.FgHiBlack)
	okColor      = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	scoreColor   = color.New(color.FgCyan)
	sourceColors = map[string]*color.Color{
		"lexical": color.New(color.FgBlue),
		"vector":  color.New(color.FgHiMagenta),
		"both":    color.New(color.FgGreen, color.Bold),
	}
)

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func field(label, format string, args ...any) {
	labelColor.Printf("%-10s ", label+":")
	fmt.Printf(format+"\n", args...)
}

func stateColor(state string) *color.Color {
	switch state {
	case "READY":
		return okColor
	case "SYNCING", "CONNECTING", "BOOTING":
		return warnColor
	default:
		return errorColor
	}
}

func resultColor(result string) *color.Color {
	switch result {
	case "success":
		return okColor
	case "partial", "aborted":
		return warnColor
	case "":
		return labelColor
	default:
		return errorColor
	}
}

// millis renders a unix-millis timestamp relative to now.
func millis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return humanize.Time(time.UnixMilli(ms))
}

func printEvent(e api.ProgressEvent) {
	bar := progressBar(e.Percent, 20)
	line := fmt.Sprintf("%s %-5s %s %3d%% %s", shortID(e.JobID), e.Job, bar, e.Percent, e.Message)
	if e.Terminal() {
		resultColor(e.Result).Println(line + " [" + e.Result + "]")
		return
	}
	fmt.Println(line)
}

func progressBar(percent, width int) string {
	filled := max(0, min(width, percent*width/100))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
