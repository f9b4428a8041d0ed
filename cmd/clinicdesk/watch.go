package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinicdesk/clinicdesk/internal/cache"
	"github.com/clinicdesk/clinicdesk/internal/message"
	"github.com/clinicdesk/clinicdesk/internal/reconcile"
)

func newWatchCommand() *cobra.Command {
	var (
		apiURL string
		phone  string
	)
	cmd := &cobra.Command{
		Use:   "watch <conversation-id>",
		Short: "Follow a conversation live; each stdin line is sent as a reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), apiURL, args[0], phone, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "inbox API base URL")
	cmd.Flags().StringVar(&phone, "phone", "", "recipient phone; defaults to the conversation contact")
	return cmd
}

func runWatch(parent context.Context, apiURL, conversationID, phone string, in io.Reader, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	views, err := cache.Open(ctx, log, cfg.Cache)
	if err != nil {
		return err
	}
	defer func() {
		if err := views.Close(); err != nil {
			log.Warn("close cache failed", slog.Any("error", err))
		}
	}()

	api := reconcile.NewHTTPClient(apiURL, &http.Client{Timeout: 30 * time.Second})
	engine := reconcile.NewEngine(reconcile.Options{
		Loader:     api,
		Feed:       reconcile.NewWSFeed(log, apiURL, nil),
		ReadMarker: api,
		Sender:     api,
		Cache:      &renderingCache{next: views, out: out},
		Logger:     log,
	})
	defer engine.Close()

	if err := engine.Open(ctx, conversationID); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			body := strings.TrimSpace(line)
			if body == "" {
				continue
			}
			if _, err := engine.Send(ctx, reconcile.Draft{Body: body, Phone: phone}); err != nil {
				fmt.Fprintf(out, "! send failed: %v\n", err)
			}
		}
	}
}

// renderingCache prints every view change before storing it.
type renderingCache struct {
	next reconcile.ViewCache
	out  io.Writer
	mu   sync.Mutex
}

func (r *renderingCache) PutView(ctx context.Context, conversationID string, v any) error {
	if list, ok := v.([]reconcile.Message); ok {
		r.render(list)
	}
	return r.next.PutView(ctx, conversationID, v)
}

func (r *renderingCache) PutUnread(ctx context.Context, conversationID string, unread int) error {
	return r.next.PutUnread(ctx, conversationID, unread)
}

func (r *renderingCache) render(list []reconcile.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, strings.Repeat("-", 40))
	for _, m := range list {
		arrow := "<"
		if m.Direction == message.DirectionOutbound {
			arrow = ">"
		}
		fmt.Fprintf(r.out, "%s %s [%s] %s\n", m.CreatedAt.Local().Format("15:04:05"), arrow, m.Status, m.Body)
	}
}
