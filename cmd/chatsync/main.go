package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"chatsync"
	"chatsync/domain"
	"chatsync/internal"
)

const renderInterval = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run keeps initialization and teardown in one place so defers fire before
// the process exits.
func run() error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := newLogger(cfg.LogLevel)

	engine, err := chatsync.New(log, cfg)
	if err != nil {
		return err
	}
	defer engine.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		// Cached state still renders; the manager keeps retrying.
		log.Warn("Starting without a live connection", "error", err)
	}

	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down")
			return nil
		case <-ticker.C:
			render(engine)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// render prints the conversation catalog the way the engine sees it.
func render(engine *chatsync.Engine) {
	fmt.Println(color.New(color.BgBlack, color.FgGreen).
		Render(fmt.Sprintf("  ====== chatsync [%s] ======", engine.Status())))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Conversation", "Kind", "Unread", "Last Message", "At"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, conv := range engine.Conversations() {
		name := conv.Name
		if name == "" {
			name = conv.ID
		}
		var excerpt, at string
		if conv.LastMessage != nil {
			excerpt = conv.LastMessage.Excerpt
			at = conv.LastMessage.At.Format("15:04:05")
		}
		unread := fmt.Sprintf("%d", conv.UnreadCount)
		if conv.UnreadCount > 0 {
			unread = color.New(color.FgRed).Render(unread)
		}
		table.Append([]string{name, string(conv.Kind), unread, excerpt, at})
	}
	table.Render()

	renderTimeline(engine)
}

func renderTimeline(engine *chatsync.Engine) {
	convs := engine.Conversations()
	if len(convs) == 0 {
		return
	}
	current := convs[0].ID
	for _, m := range engine.Messages(current) {
		line := fmt.Sprintf("  [%s] %s: %s", statusGlyph(m.Status), m.SenderID, domain.Excerpt(m.Content))
		fmt.Println(line)
	}
	if typing := engine.Typing(current); len(typing) > 0 {
		fmt.Println(color.New(color.FgCyan).
			Render(fmt.Sprintf("  %s typing...", strings.Join(typing, ", "))))
	}
}

func statusGlyph(s domain.MessageStatus) string {
	switch s {
	case domain.StatusSending:
		return "…"
	case domain.StatusSent:
		return "✓"
	case domain.StatusDelivered:
		return "✓✓"
	case domain.StatusRead:
		return color.New(color.FgBlue).Render("✓✓")
	case domain.StatusFailed:
		return color.New(color.FgRed).Render("✗")
	default:
		return "?"
	}
}
