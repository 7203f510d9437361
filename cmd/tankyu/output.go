package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/conversation"
)

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

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatTurn renders the reply, its follow-ups and the support decision.
func formatTurn(resp conversation.Response) string {
	var b strings.Builder
	b.WriteString(resp.Response)
	b.WriteString("\n")
	for _, f := range resp.Followups {
		fmt.Fprintf(&b, "  %s %s\n", colorize(colorCyan, "→"), f)
	}
	acts := lo.Map(resp.SelectedActs, func(a agent.SpeechAct, _ int) string { return a.String() })
	fmt.Fprintf(&b, "%s %s [%s]  %s\n",
		colorize(colorBold, "support:"), resp.SupportType, strings.Join(acts, ", "),
		colorize(colorYellow, "conversation "+resp.ConversationID))
	return b.String()
}

func printTurn(resp conversation.Response) {
	fmt.Print(formatTurn(resp))
}

func printMessage(m agent.Message) {
	who := colorize(colorGreen, "you")
	if m.Sender == agent.SenderAssistant {
		who = colorize(colorCyan, "tutor")
	}
	fmt.Printf("%s %s  %s\n", m.CreatedAt.Format("2006-01-02 15:04"), who, m.Text)
}
