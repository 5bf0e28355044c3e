// ptcctl is the operator CLI: inspect workers, messages and dead
// letters in the shared stores, and replay or resolve failures.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"ptc/internal/config"
	"ptc/internal/deadletter"
	"ptc/internal/domain"
	"ptc/internal/id"
	"ptc/internal/storage/sqlite"
)

func main() {
	app := &cli.App{
		Name:  "ptcctl",
		Usage: "inspect and operate the task coordination stores",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "optional JSON config file"},
		},
		Commands: []*cli.Command{
			statusCommand(),
			workersCommand(),
			deadLettersCommand(),
			retryCommand(),
			resolveCommand(),
			statsCommand(),
			exportCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStores loads config and opens the four databases for the duration
// of one command.
func openStores(c *cli.Context) (*config.Config, *sqlite.Stores, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	stores, err := sqlite.OpenAll(c.Context, cfg.StoragePaths())
	if err != nil {
		return nil, nil, err
	}
	return cfg, stores, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show aggregate worker, message, claim and dead-letter counts",
		Action: func(c *cli.Context) error {
			cfg, stores, err := openStores(c)
			if err != nil {
				return err
			}
			defer stores.Close()

			workers, err := stores.Workers.Stats(c.Context)
			if err != nil {
				return err
			}
			messages, err := stores.Messages.Stats(c.Context)
			if err != nil {
				return err
			}
			claims, err := stores.Claims.Stats(c.Context)
			if err != nil {
				return err
			}
			letters, err := stores.DeadLetters.Stats(c.Context)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"namespace":    cfg.Namespace,
				"workers":      workers,
				"messages":     messages,
				"claims":       claims,
				"dead_letters": letters,
			})
		},
	}
}

func workersCommand() *cli.Command {
	return &cli.Command{
		Name:  "workers",
		Usage: "list registered workers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Usage: "filter by status (active, stale, offline)"},
		},
		Action: func(c *cli.Context) error {
			_, stores, err := openStores(c)
			if err != nil {
				return err
			}
			defer stores.Close()

			workers, err := stores.Workers.List(c.Context, domain.WorkerStatus(c.String("status")))
			if err != nil {
				return err
			}
			now := time.Now()
			for _, w := range workers {
				fmt.Printf("%-20s %-8s pid=%-7d heartbeat=%s ago  %s\n",
					w.ID, w.Status, w.PID,
					w.HeartbeatAge(now).Round(time.Second),
					strings.Join(w.Capabilities, ","))
			}
			if len(workers) == 0 {
				fmt.Println("no workers registered")
			}
			return nil
		},
	}
}

func deadLettersCommand() *cli.Command {
	return &cli.Command{
		Name:  "dead-letters",
		Usage: "list dead letters, unresolved first",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "include resolved entries"},
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum entries to show"},
		},
		Action: func(c *cli.Context) error {
			_, stores, err := openStores(c)
			if err != nil {
				return err
			}
			defer stores.Close()

			letters, err := stores.DeadLetters.List(c.Context, sqlite.ListOptions{
				Unresolved: !c.Bool("all"),
				Limit:      c.Int("limit"),
			})
			if err != nil {
				return err
			}
			for _, dl := range letters {
				state := "unresolved"
				if dl.Resolved {
					state = string(dl.Resolution)
				}
				fmt.Printf("%-44s %-10s type=%-16s retries=%d  %s  %s\n",
					dl.ID, state, dl.Type, dl.RetryCount,
					dl.FailedAt.Format(time.RFC3339), dl.Error)
			}
			if len(letters) == 0 {
				fmt.Println("no dead letters")
			}
			return nil
		},
	}
}

func retryCommand() *cli.Command {
	return &cli.Command{
		Name:      "retry",
		Usage:     "re-send dead-lettered messages as fresh entries",
		ArgsUsage: "[dead-letter-id]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "retry every unresolved dead letter"},
			&cli.StringFlag{Name: "filter", Usage: "retry unresolved letters matching type=<value>"},
			&cli.BoolFlag{Name: "dry-run", Usage: "show what would be retried without changing anything"},
		},
		Action: func(c *cli.Context) error {
			cfg, stores, err := openStores(c)
			if err != nil {
				return err
			}
			defer stores.Close()
			svc := deadletter.New(stores.DeadLetters, stores.Messages, nil)

			targets, err := retryTargets(c, stores)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				fmt.Println("nothing to retry")
				return nil
			}

			if c.Bool("dry-run") {
				for _, dl := range targets {
					fmt.Printf("would retry %s (type=%s, retries=%d)\n", dl.ID, dl.Type, dl.RetryCount)
				}
				fmt.Printf("%d dead letter(s) would be retried\n", len(targets))
				return nil
			}

			var retried int
			for _, dl := range targets {
				msg, err := svc.Retry(c.Context, dl.ID)
				if err != nil {
					return fmt.Errorf("retry %s: %w", dl.ID, err)
				}
				if msg == nil {
					continue
				}
				// The original row is terminal; the replay goes out as a
				// fresh message correlated back to it.
				original := msg.ID
				msg.ID = id.NewMessageID(id.Options{Prefix: cfg.Namespace, Timestamp: true})
				if msg.CorrelationID == "" {
					msg.CorrelationID = original
				}
				msg.Status = domain.StatusPending
				msg.Timestamp = time.Now().UnixMilli()
				if err := stores.Messages.StoreOutgoing(c.Context, msg); err != nil {
					return fmt.Errorf("re-send %s: %w", dl.ID, err)
				}
				fmt.Printf("retried %s as %s\n", dl.ID, msg.ID)
				retried++
			}
			fmt.Printf("%d dead letter(s) retried\n", retried)
			return nil
		},
	}
}

// retryTargets resolves the positional id, --all or --filter selection
// into concrete dead-letter rows.
func retryTargets(c *cli.Context, stores *sqlite.Stores) ([]*domain.DeadLetter, error) {
	ctx := c.Context
	switch {
	case c.Args().Len() == 1:
		dl, err := stores.DeadLetters.Get(ctx, c.Args().First())
		if err != nil {
			return nil, err
		}
		if dl.Resolved {
			return nil, fmt.Errorf("%s: %w", dl.ID, domain.ErrDeadLetterResolved)
		}
		return []*domain.DeadLetter{dl}, nil
	case c.Bool("all"):
		return stores.DeadLetters.List(ctx, sqlite.ListOptions{Unresolved: true, Limit: -1})
	case c.String("filter") != "":
		key, value, ok := strings.Cut(c.String("filter"), "=")
		if !ok || key != "type" {
			return nil, fmt.Errorf("unsupported filter %q, expected type=<value>", c.String("filter"))
		}
		letters, err := stores.DeadLetters.List(ctx, sqlite.ListOptions{Unresolved: true, Limit: -1})
		if err != nil {
			return nil, err
		}
		var matched []*domain.DeadLetter
		for _, dl := range letters {
			if dl.Type == value {
				matched = append(matched, dl)
			}
		}
		return matched, nil
	default:
		return nil, fmt.Errorf("a dead-letter id, --all or --filter is required")
	}
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "terminally resolve a dead letter",
		ArgsUsage: "<dead-letter-id> [retried|skipped|escalated]",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("a dead-letter id is required")
			}
			resolution := domain.ResolutionSkipped
			if c.Args().Len() > 1 {
				resolution = domain.Resolution(c.Args().Get(1))
				if !resolution.Valid() {
					return fmt.Errorf("unknown resolution %q", c.Args().Get(1))
				}
			}

			_, stores, err := openStores(c)
			if err != nil {
				return err
			}
			defer stores.Close()

			changed, err := stores.DeadLetters.Resolve(c.Context, c.Args().First(), resolution)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Printf("%s was already resolved\n", c.Args().First())
				return nil
			}
			fmt.Printf("resolved %s as %s\n", c.Args().First(), resolution)
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "show dead-letter statistics",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "trends", Usage: "include daily failure counts and top errors"},
			&cli.IntFlag{Name: "days", Value: 7, Usage: "trailing window for --trends"},
		},
		Action: func(c *cli.Context) error {
			_, stores, err := openStores(c)
			if err != nil {
				return err
			}
			defer stores.Close()

			stats, err := stores.DeadLetters.Stats(c.Context)
			if err != nil {
				return err
			}
			if !c.Bool("trends") {
				return printJSON(stats)
			}

			svc := deadletter.New(stores.DeadLetters, stores.Messages, nil)
			byDay, topErrors, err := svc.Trends(c.Context, c.Int("days"), 5)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"stats":      stats,
				"by_day":     byDay,
				"top_errors": topErrors,
			})
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "export dead letters as a JSON snapshot",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "unresolved", Usage: "export only unresolved entries"},
			&cli.StringFlag{Name: "out", Usage: "write to file instead of stdout"},
		},
		Action: func(c *cli.Context) error {
			_, stores, err := openStores(c)
			if err != nil {
				return err
			}
			defer stores.Close()

			svc := deadletter.New(stores.DeadLetters, stores.Messages, nil)
			data, err := svc.ExportData(c.Context, c.Bool("unresolved"))
			if err != nil {
				return err
			}
			if out := c.String("out"); out != "" {
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", out)
				return nil
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
