package runner

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

func wrapText(text string, width int) []string {
	var lines []string

	currentLine := ""
	currentWidth := 0

	for _, r := range text {
		w := runewidth.RuneWidth(r)
		if currentWidth+w > width {
			lines = append(lines, currentLine)
			currentLine = string(r)
			currentWidth = w
		} else {
			currentLine += string(r)
			currentWidth += w
		}
	}

	if currentLine != "" {
		lines = append(lines, currentLine)
	}

	return lines
}

// box frames lines in a double-line border. A width <= 0 uses the terminal width, or 80.
func box(lines []string, width int) string {
	if width <= 0 {
		var err error

		width, _, err = term.GetSize(0)
		if err != nil {
			width = 80
		}
	}

	if width < 20 {
		width = 20
	}

	contentWidth := width - 4

	var wrapped []string
	for _, line := range lines {
		wrapped = append(wrapped, wrapText(line, contentWidth)...)
	}

	var b strings.Builder

	b.WriteString("╔" + strings.Repeat("═", width-2) + "╗\n")

	for _, line := range wrapped {
		padding := contentWidth - runewidth.StringWidth(line)
		if padding < 0 {
			padding = 0
		}

		fmt.Fprintf(&b, "║ %s%s ║\n", line, strings.Repeat(" ", padding))
	}

	b.WriteString("╚" + strings.Repeat("═", width-2) + "╝\n")

	return b.String()
}

var runModeNames = map[int]string{
	RunModeWorker:    "worker",
	RunModeAwsLambda: "aws-lambda",
	RunModeMigrate:   "migrate",
}

// Banner prints the startup summary. Secrets are never part of it.
func Banner(w io.Writer, cfg *Config) {
	lines := []string{
		"📂 ferris-file-sync",
		"mode: " + runModeNames[cfg.RunMode],
	}

	if cfg.RunMode == RunModeWorker {
		lines = append(lines,
			"queue: "+cfg.QueueURL,
			fmt.Sprintf("concurrency: %d", cfg.WorkerConcurrency),
		)
	}

	if cfg.RedisURL != "" {
		lines = append(lines, "refresh lock: redis")
	}

	if cfg.MetricsAddr != "" {
		lines = append(lines, "metrics: "+cfg.MetricsAddr)
	}

	for _, name := range cfg.InsecureDefaults() {
		lines = append(lines, "⚠ "+name+" uses the local development default")
	}

	fmt.Fprintln(w, box(lines, 0))
}
