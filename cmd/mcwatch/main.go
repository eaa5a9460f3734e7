// mcwatch drives the file manager core from a terminal.
//
// Configuration comes from the environment (MINICLOUDS_URL, MINICLOUDS_TOKEN,
// LOG_LEVEL, METRICS_ADDR, ...). Sub-commands:
//
//	mcwatch ls [-q text] [-from date] [-to date] [-vis all|shared|unshared] [-all]
//	mcwatch rm <name>...            Delete files
//	mcwatch share <name>            Share a file and print its URL
//	mcwatch unshare <name>          Stop sharing a file
//	mcwatch rm-all [-yes]           Delete every file
//	mcwatch check-index             Compare the index with storage
//	mcwatch rebuild                 Rebuild the index (allowed while locked)
//	mcwatch stats                   Show index totals and lock flags
//	mcwatch watch                   Follow stats and lock changes until interrupted
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/svetliomitev/miniclouds-sub000/internal/config"
	"github.com/svetliomitev/miniclouds-sub000/internal/events"
	"github.com/svetliomitev/miniclouds-sub000/internal/logging"
	"github.com/svetliomitev/miniclouds-sub000/internal/metrics"
	"github.com/svetliomitev/miniclouds-sub000/pkg/client"
	"github.com/svetliomitev/miniclouds-sub000/pkg/filemgr"
	"github.com/svetliomitev/miniclouds-sub000/pkg/models"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	commands := map[string]func(ctx context.Context, s *session, args []string) bool{
		"ls":          cmdList,
		"rm":          cmdDelete,
		"share":       cmdShare(true),
		"unshare":     cmdShare(false),
		"rm-all":      cmdDeleteAll,
		"check-index": cmdCheckIndex,
		"rebuild":     cmdRebuild,
		"stats":       cmdStats,
		"watch":       cmdWatch,
	}
	run, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	s, err := newSession(os.Args[1] == "watch")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !run(ctx, s, os.Args[2:]) {
		stop()
		logging.Sync()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mcwatch <ls|rm|share|unshare|rm-all|check-index|rebuild|stats|watch> [flags]")
}

type session struct {
	cfg    *config.Config
	client *client.Client
	term   *terminal
	m      *filemgr.Manager
}

func newSession(follow bool) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: "stderr"}); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	token := cfg.AuthToken
	if token == "" && term.IsTerminal(int(syscall.Stdin)) {
		fmt.Fprint(os.Stderr, "Token (empty for none): ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(string(b))
	}

	c := client.New(client.Config{BaseURL: cfg.ServerURL, Timeout: cfg.HTTPTimeout, AuthToken: token})

	t := newTerminal(os.Stdout)
	t.follow = follow

	deps := filemgr.Deps{
		API:       c,
		Renderer:  t,
		Presenter: t,
		Modals:    t,
		Navigator: t,
		Totals:    t,
	}
	if cfg.WatchSSE {
		deps.Stream = client.NewStatsStream(c)
	}
	m, err := filemgr.New(deps, cfg.ManagerOptions())
	if err != nil {
		return nil, err
	}
	t.lock = m.Lock().State

	if cfg.MetricsAddr != "" {
		startMetrics(cfg.MetricsAddr)
	}

	logging.Debug("session ready",
		zap.String("server", cfg.ServerURL),
		zap.Int("page_size", cfg.PageSize),
		zap.Bool("sse", cfg.WatchSSE))

	return &session{cfg: cfg, client: c, term: t, m: m}, nil
}

func startMetrics(addr string) {
	srv := &http.Server{Addr: addr, Handler: metrics.Handler()}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()
}

func cmdList(ctx context.Context, s *session, args []string) bool {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	text := fs.String("q", "", "Search text")
	from := fs.String("from", "", "Modified on or after (YYYY-MM-DD)")
	to := fs.String("to", "", "Modified on or before (YYYY-MM-DD)")
	vis := fs.String("vis", "all", "Visibility: all, shared, unshared")
	all := fs.Bool("all", false, "Load every page")
	fs.Parse(args)

	q := models.Query{Text: *text, From: *from, To: *to, Visibility: models.Visibility(*vis)}
	s.m.SetQuery(q)
	if !s.m.Boot(ctx) {
		return false
	}
	if *all {
		for s.m.List().Page().HasMore {
			if !s.m.ShowMore(ctx) {
				return false
			}
		}
	}
	return true
}

func cmdDelete(ctx context.Context, s *session, args []string) bool {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: rm needs at least one file name")
		return false
	}
	if !s.m.Boot(ctx) {
		return false
	}
	ok := true
	for _, name := range fs.Args() {
		if !s.m.DeleteFile(ctx, name) {
			ok = false
		}
	}
	return ok
}

func cmdShare(shared bool) func(ctx context.Context, s *session, args []string) bool {
	return func(ctx context.Context, s *session, args []string) bool {
		fs := flag.NewFlagSet("share", flag.ExitOnError)
		fs.Parse(args)
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Error: expected exactly one file name")
			return false
		}
		name := fs.Arg(0)
		if !s.m.Boot(ctx) {
			return false
		}
		if !s.m.SetShared(ctx, name, shared) {
			return false
		}
		page := s.m.List().Page()
		if i := page.Index(name); i >= 0 && shared {
			fmt.Println(page.Items[i].URL())
		}
		return true
	}
}

func cmdDeleteAll(ctx context.Context, s *session, args []string) bool {
	fs := flag.NewFlagSet("rm-all", flag.ExitOnError)
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	fs.Parse(args)

	if !s.m.Boot(ctx) {
		return false
	}
	if !*yes && !confirm(s, "confirm-delete-all", "Delete ALL files? [y/N] ") {
		fmt.Println("Aborted")
		return false
	}
	return s.m.DeleteAll(ctx)
}

// confirm asks on stdin while the question is registered as an open dialog.
func confirm(s *session, id, prompt string) bool {
	if !s.m.OpenDialog(id) {
		return false
	}
	defer s.m.CloseDialog(id)

	fmt.Print(prompt)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func cmdCheckIndex(ctx context.Context, s *session, args []string) bool {
	fs := flag.NewFlagSet("check-index", flag.ExitOnError)
	fs.Parse(args)
	s.m.Boot(ctx)
	return s.m.CheckIndex(ctx)
}

func cmdRebuild(ctx context.Context, s *session, args []string) bool {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	fs.Parse(args)
	s.m.Boot(ctx)
	return s.m.RebuildIndex(ctx)
}

func cmdStats(ctx context.Context, s *session, args []string) bool {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Parse(args)

	st, err := s.client.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return false
	}
	fmt.Printf("Server:        %s\n", s.cfg.ServerURL)
	fmt.Printf("Files:         %s\n", humanize.Comma(int64(st.TotalFiles)))
	fmt.Printf("Total size:    %s\n", st.HumanTotal())
	fmt.Printf("Index missing: %v\n", bool(st.IndexMissing))
	fmt.Printf("Index blocked: %v\n", bool(st.IndexBlocked))
	return true
}

func cmdWatch(ctx context.Context, s *session, args []string) bool {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	verbose := fs.Bool("events", false, "Print every coordinator event")
	fs.Parse(args)

	s.m.Boot(ctx)

	sub := s.m.Events().Subscribe()
	defer s.m.Events().Unsubscribe(sub)
	go func() {
		for ev := range sub {
			if ev.Type != events.EventLock && !*verbose {
				continue
			}
			data, err := events.MarshalEvent(ev)
			if err != nil {
				continue
			}
			logging.Info("event", zap.ByteString("event", data))
		}
	}()

	fmt.Fprintf(os.Stderr, "Watching %s every %s (Ctrl+C to stop)\n", s.cfg.ServerURL, s.cfg.StatsPollInterval)
	if err := s.m.Watch(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return false
	}
	return true
}
