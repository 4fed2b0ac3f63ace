// pushgate-tail follows a user's live notification stream from a terminal.
// It runs the same reconciliation loop browser clients do, so it doubles
// as an end-to-end smoke test against a running gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tasklink/pushgate/internal/logging"
	"github.com/tasklink/pushgate/internal/reconcile"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("PUSHGATE_BASE_URL", "http://127.0.0.1:8080"), "pushgate base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("PUSHGATE_TOKEN")), "bearer token")
	userID := flag.String("user", strings.TrimSpace(os.Getenv("PUSHGATE_USER")), "user ID the token belongs to")
	timeout := flag.Duration("timeout", durationEnv("PUSHGATE_TAIL_TIMEOUT", 15*time.Second), "per-request timeout")
	logLevel := flag.String("log-level", envOrDefault("PUSHGATE_LOG_LEVEL", "warn"), "log level")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required (--token or PUSHGATE_TOKEN)")
		os.Exit(1)
	}
	if strings.TrimSpace(*userID) == "" {
		fmt.Fprintln(os.Stderr, "user is required (--user or PUSHGATE_USER)")
		os.Exit(1)
	}

	logger := logging.New(*logLevel, false, os.Stderr)

	manager := reconcile.NewManager(reconcile.ManagerOptions{
		API:       reconcile.NewHTTPClient(*baseURL, *token, *userID, &http.Client{Timeout: *timeout}),
		Transport: reconcile.NewWebsocketTransport(*baseURL, *token),
		Logger:    logger,
	})
	manager.Start()
	defer manager.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("tailing notifications for %s (Ctrl+C to stop)\n", *userID)
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nstopping")
			return
		case notification := <-manager.Toasts():
			fmt.Printf("[%s] %s %s %s\n",
				notification.CreatedAt.Format(time.RFC3339),
				notification.Type,
				notification.ID,
				string(notification.Data))
		case update := <-manager.Updates():
			fmt.Printf("-- %d notifications, %d unread --\n", len(update.Notifications), update.Unread)
		case err := <-manager.Errors():
			fmt.Fprintf(os.Stderr, "acknowledgement failed: %v\n", err)
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback)
		return fallback
	}
	return value
}
