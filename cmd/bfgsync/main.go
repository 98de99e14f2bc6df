package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"bfgsync/internal/allocation"
	"bfgsync/internal/client"
	"bfgsync/internal/collection"
	"bfgsync/internal/model"
	"bfgsync/internal/policy"
)

const dateLayout = "2006-01-02"

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("bfgsync - read planning data from and run static calculations on the BFG platform")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  bfgsync fetch --table TABLE [--key name] [--filter field=value] [--order-by field]")
	fmt.Println("  bfgsync my-users")
	fmt.Println("  bfgsync orders --plan PLAN_ID")
	fmt.Println("  bfgsync spec --entity ENTITY_ID")
	fmt.Println("  bfgsync last-department --entity ENTITY_ID [--department IDENTITY]")
	fmt.Println("  bfgsync import-plan --file plan.xlsx [--type 1]")
	fmt.Println("  bfgsync delete-plan --id PLAN_ID")
	fmt.Println("  bfgsync static --plan PLAN_ID [--start 2024-01-01] [--stop 2024-12-31] [--wip] [--delete]")
	fmt.Println("  bfgsync delete-static --id SESSION_ID")
	fmt.Println("  bfgsync events")
	fmt.Println("  bfgsync config-init [--path config.yml]")
	fmt.Println("")
	fmt.Println("Every platform command accepts --config (default config.yml) and --log-level.")
}

// loadRuntime reads the config and builds the stderr logger shared by a
// command's components.
func loadRuntime(configPath string, logLevel string) (policy.Config, *slog.Logger, error) {
	logger, err := newLogger(os.Stderr, logLevel)
	if err != nil {
		return policy.Config{}, nil, err
	}
	cfg, path, err := policy.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger.Debug("config loaded", "path", path, "url", cfg.Input.URL, "events", cfg.Events.Backend)
	return cfg, logger, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if strings.TrimSpace(level) != "" {
		if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
			return nil, fmt.Errorf("invalid --log-level %q", level)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func openClient(cfg policy.Config, logger *slog.Logger, publisher allocation.TransitionPublisher) (*client.Client, error) {
	return client.New(cfg, client.Options{
		Publisher: publisher,
		Progress:  progressLogger(logger),
		Logger:    logger,
	})
}

func progressLogger(logger *slog.Logger) collection.Progress {
	return func(table string, fetched int, total int) {
		logger.Info("collection page", "table", table, "fetched", fetched, "total", total)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// parseFilters turns repeated field=value flags into collection filters.
func parseFilters(values []string) (url.Values, error) {
	filters := url.Values{}
	for _, raw := range values {
		for _, token := range strings.Split(raw, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			field, value, ok := strings.Cut(token, "=")
			field = strings.TrimSpace(field)
			if !ok || field == "" {
				return nil, fmt.Errorf("invalid filter %q, expected field=value", token)
			}
			filters.Add(field, strings.TrimSpace(value))
		}
	}
	return filters, nil
}

func parseDate(name string, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.ParseInLocation(dateLayout, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q, expected YYYY-MM-DD", name, value)
	}
	return parsed, nil
}

func normalizeInputTokens(values []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, raw := range values {
		for _, token := range strings.Split(raw, ",") {
			token = strings.TrimSpace(token)
			if token == "" || seen[token] {
				continue
			}
			seen[token] = true
			out = append(out, token)
		}
	}
	return out
}

// writeKeys prints the key field of every row of table, one per line,
// sorted. Rows without the key are skipped.
func writeKeys(w io.Writer, tables model.Tables, table string, key string) int {
	values := []string{}
	for _, row := range tables[table] {
		if value, ok := row.String(key); ok {
			values = append(values, value)
		}
	}
	sort.Strings(values)
	for _, value := range values {
		fmt.Fprintln(w, value)
	}
	return len(values)
}

func writeSpec(w io.Writer, spec map[int64]float64) {
	ids := make([]int64, 0, len(spec))
	for id := range spec {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Fprintf(w, "%d\t%g\n", id, spec[id])
	}
}

func formatTransition(transition model.AllocationTransition) string {
	line := fmt.Sprintf("%s  %s -> %s", transition.At.Format(time.RFC3339), transition.From, transition.To)
	if transition.Detail != "" {
		line += "  " + transition.Detail
	}
	return line
}
