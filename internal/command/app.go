package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"changedesk/internal/approval"
	"changedesk/internal/config"
	"changedesk/internal/console"
	"changedesk/internal/feed"
	"changedesk/internal/logging"
)

type Deps struct {
	LoadConfig   func() config.Config
	RunServe     func(context.Context, config.Config) error
	RunMigrateUp func(context.Context, config.Config) error
	NewSession   func(config.Config) *console.Session
	Out          io.Writer
	In           io.Reader
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:  "changedesk",
		Usage: "task and proposal review console",
		Action: func(ctx *cli.Context) error {
			return runServe(ctx.Context, deps, loadConfig(deps))
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the API and event stream",
				Action: func(ctx *cli.Context) error {
					return runServe(ctx.Context, deps, loadConfig(deps))
				},
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending migrations",
						Action: func(ctx *cli.Context) error {
							return runMigrateUp(ctx.Context, deps, loadConfig(deps))
						},
					},
				},
			},
			{
				Name:  "watch",
				Usage: "follow the live feed",
				Action: func(ctx *cli.Context) error {
					s := newSession(deps)
					out := output(deps)
					s.Feed().OnAdd(func(e feed.Entry) { renderEntry(out, e) })
					return s.Watch(ctx.Context)
				},
			},
			{
				Name:      "submit",
				Usage:     "submit a new task",
				ArgsUsage: "<prompt>",
				Action: func(ctx *cli.Context) error {
					s := newSession(deps)
					if err := s.Refresh(ctx.Context); err != nil {
						return err
					}
					task, err := s.Submit(ctx.Context, strings.Join(ctx.Args().Slice(), " "))
					if err != nil {
						return err
					}
					renderTask(output(deps), task)
					return nil
				},
			},
			{
				Name:  "tasks",
				Usage: "list tasks",
				Action: func(ctx *cli.Context) error {
					s := newSession(deps)
					if err := s.Refresh(ctx.Context); err != nil {
						return err
					}
					renderTasks(output(deps), s.Cache().Tasks())
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "show a task with its proposals",
				ArgsUsage: "<task-id>",
				Action: func(ctx *cli.Context) error {
					detail, err := newSession(deps).Detail(ctx.Context, ctx.Args().First())
					if err != nil {
						return err
					}
					renderDetail(output(deps), detail)
					return nil
				},
			},
			{
				Name:      "approve",
				Usage:     "approve a task awaiting review",
				ArgsUsage: "<task-id>",
				Action: func(ctx *cli.Context) error {
					task, err := newSession(deps).Approve(ctx.Context, ctx.Args().First())
					if err != nil {
						return err
					}
					renderTask(output(deps), task)
					return nil
				},
			},
			{
				Name:      "deny",
				Usage:     "deny a task awaiting review",
				ArgsUsage: "<task-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "skip the confirmation prompt"},
				},
				Action: func(ctx *cli.Context) error {
					yes := ctx.Bool("yes")
					task, err := newSession(deps).Deny(ctx.Context, ctx.Args().First(), func(intent approval.DenyIntent) bool {
						return yes || confirm(deps, intent)
					})
					if errors.Is(err, console.ErrDenyCancelled) {
						_, _ = fmt.Fprintln(output(deps), "deny cancelled")
						return nil
					}
					if err != nil {
						return err
					}
					renderTask(output(deps), task)
					return nil
				},
			},
			{
				Name:      "test",
				Usage:     "start a test run for a task",
				ArgsUsage: "<task-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "manual", Usage: "record the run as manual"},
				},
				Action: func(ctx *cli.Context) error {
					return newSession(deps).Test(ctx.Context, ctx.Args().First(), ctx.Bool("manual"))
				},
			},
			{
				Name:      "delete",
				Usage:     "delete a task and its proposals",
				ArgsUsage: "<task-id>",
				Action: func(ctx *cli.Context) error {
					return newSession(deps).Delete(ctx.Context, ctx.Args().First())
				},
			},
			{
				Name:  "clear",
				Usage: "delete every task",
				Action: func(ctx *cli.Context) error {
					removed, err := newSession(deps).ClearAll(ctx.Context)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(output(deps), "removed %d task(s)\n", removed)
					return nil
				},
			},
			{
				Name:  "proposals",
				Usage: "review proposals",
				Subcommands: []*cli.Command{
					proposalCommand(deps, "approve", "approve proposals, oldest pending first"),
					proposalCommand(deps, "deny", "deny proposals"),
				},
			},
			{
				Name:  "feed",
				Usage: "live feed tools",
				Subcommands: []*cli.Command{
					{
						Name:  "export",
						Usage: "collect the feed for a while and print it",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "format", Value: "json", Usage: "json or yaml"},
							&cli.DurationFlag{Name: "window", Value: 3 * time.Second, Usage: "how long to listen before exporting"},
							&cli.StringFlag{Name: "search", Usage: "only print entries matching this text"},
						},
						Action: func(ctx *cli.Context) error {
							return exportFeed(ctx.Context, deps, ctx.String("format"), ctx.Duration("window"), ctx.String("search"))
						},
					},
				},
			},
		},
	}
}

func proposalCommand(deps Deps, verb, usage string) *cli.Command {
	return &cli.Command{
		Name:      verb,
		Usage:     usage,
		ArgsUsage: "<proposal-id>...",
		Action: func(ctx *cli.Context) error {
			s := newSession(deps)
			ids := ctx.Args().Slice()
			var (
				result approval.BulkResult
				err    error
			)
			if verb == "approve" {
				result, err = s.BulkApprove(ctx.Context, ids)
			} else {
				result, err = s.BulkDeny(ctx.Context, ids)
			}
			if err != nil {
				return err
			}
			renderBulk(output(deps), result)
			if !result.OK() {
				return fmt.Errorf("%d of %d proposal(s) failed", len(result.Failed), len(result.Failed)+len(result.Applied))
			}
			return nil
		},
	}
}

func exportFeed(ctx context.Context, deps Deps, format string, window time.Duration, search string) error {
	s := newSession(deps)
	watchCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	if err := s.Watch(watchCtx); err != nil {
		return err
	}
	if strings.TrimSpace(search) != "" {
		for _, e := range s.Feed().Search(search) {
			renderEntry(output(deps), e)
		}
		return nil
	}
	raw, err := s.Feed().Export(format)
	if err != nil {
		return err
	}
	_, err = output(deps).Write(append(raw, '\n'))
	return err
}

func confirm(deps Deps, intent approval.DenyIntent) bool {
	in := deps.In
	if in == nil {
		in = os.Stdin
	}
	_, _ = fmt.Fprintf(output(deps), "Deny task %s? This cannot be undone. [y/N] ", intent.TaskID)
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func loadConfig(deps Deps) config.Config {
	if deps.LoadConfig != nil {
		return deps.LoadConfig()
	}
	return config.LoadConfig()
}

func output(deps Deps) io.Writer {
	if deps.Out != nil {
		return deps.Out
	}
	return os.Stdout
}

func newSession(deps Deps) *console.Session {
	cfg := loadConfig(deps)
	if deps.NewSession != nil {
		return deps.NewSession(cfg)
	}
	return DefaultSession(cfg)
}

// DefaultSession talks to cfg.ServerURL with the configured token.
func DefaultSession(cfg config.Config) *console.Session {
	return console.NewSession(console.Options{
		Client:         console.NewClient(cfg.ServerURL, cfg.AuthToken, nil),
		Feed:           feed.New(cfg.FeedSize),
		Logger:         logging.NewLogger(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "changedesk-console"}),
		StreamAttempts: cfg.ReconnectMaxAttempts,
	})
}

func runServe(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}

func runMigrateUp(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunMigrateUp == nil {
		return errors.New("migrate up runner is not configured")
	}
	return deps.RunMigrateUp(ctx, cfg)
}
