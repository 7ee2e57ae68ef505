// Command parkwatchctl drives the incident workflow from a terminal through the
// parkwatch client. Several invocations can share one Redis query cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"parkwatch/client"
	"parkwatch/config"
	"parkwatch/core/cache"
	"parkwatch/core/lifecycle"
	"parkwatch/core/utils"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type ctlConfig struct {
	URL      string             `env:"PARKWATCH_URL" env-default:"http://localhost:8080"`
	Username string             `env:"PARKWATCH_USERNAME"`
	Password string             `env:"PARKWATCH_PASSWORD"`
	Timeout  time.Duration      `env:"PARKWATCH_TIMEOUT" env-default:"15s"`
	Cache    config.CacheConfig `env-prefix:""`
}

const usage = `usage: parkwatchctl [flags] <command> [args]

commands:
  list [status,...]         list incidents, newest first
  show <id>                 incident detail, comments and history
  start <id>                pending -> in_progress
  reject <id>               reject an open incident
  assign <id> <userId>      assign an open incident
  resolve <id> <notes...>   resolve with notes
  comment <id> <text...>    add a comment
`

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the environment")
	page := flag.Int("page", 1, "page for list")
	pageSize := flag.Int("page-size", 20, "page size for list")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	logger := utils.NewLoggerTo(os.Stderr)
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Fatalf("load %s: %v", *envFile, err)
	}
	var cfg ctlConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		logger.Fatalf("config: %v", err)
	}
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cache.New(cfg.Cache)
	if err != nil {
		logger.Fatalf("cache: %v", err)
	}
	c, err := client.New(cfg.URL, client.WithCache(store), client.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if _, err := c.Login(ctx, cfg.Username, cfg.Password); err != nil {
		logger.Fatalf("login: %v", err)
	}
	if err := run(ctx, c, os.Stdout, args, client.ListQuery{Page: *page, PageSize: *pageSize}); err != nil {
		logger.Fatalf("%s: %v", args[0], err)
	}
}

func run(ctx context.Context, c *client.Client, out io.Writer, args []string, q client.ListQuery) error {
	cmd, rest := args[0], args[1:]
	if cmd == "list" {
		if len(rest) > 0 {
			for _, raw := range strings.Split(rest[0], ",") {
				st, ok := lifecycle.ParseStatus(raw)
				if !ok {
					return &lifecycle.ValidationError{Field: "status", Message: "unknown status " + raw}
				}
				q.Status = append(q.Status, st)
			}
		}
		items, total, err := c.List(ctx, q)
		if err != nil {
			return err
		}
		printIncidents(out, items)
		fmt.Fprintf(out, "%d of %d\n", len(items), total)
		return nil
	}

	if len(rest) == 0 {
		return fmt.Errorf("incident id required")
	}
	id, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return &lifecycle.ValidationError{Field: "id", Message: "invalid incident id"}
	}
	text := strings.Join(rest[1:], " ")

	var inc *client.Incident
	switch cmd {
	case "show":
		return show(ctx, c, out, id)
	case "start":
		inc, err = c.ChangeStatus(ctx, id, lifecycle.StatusInProgress)
	case "reject":
		inc, err = c.ChangeStatus(ctx, id, lifecycle.StatusRejected)
	case "assign":
		var userID int64
		if len(rest) > 1 {
			userID, _ = strconv.ParseInt(rest[1], 10, 64)
		}
		inc, err = c.Assign(ctx, id, userID)
	case "resolve":
		inc, err = c.Resolve(ctx, id, text)
	case "comment":
		cm, err := c.AddComment(ctx, id, text)
		if cm == nil {
			return err
		}
		fmt.Fprintf(out, "comment %d added to incident %d\n", cm.ID, cm.IncidentID)
		return applied(out, err)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if inc == nil {
		return err
	}
	printIncidents(out, []client.Incident{*inc})
	return applied(out, err)
}

// applied reports a cache invalidation failure as a warning: the server has
// already taken the change.
func applied(out io.Writer, err error) error {
	if errors.Is(err, client.ErrCacheInvalidation) {
		fmt.Fprintf(out, "warning: %v\n", err)
		return nil
	}
	return err
}

func show(ctx context.Context, c *client.Client, out io.Writer, id int64) error {
	inc, err := c.Incident(ctx, id)
	if err != nil {
		return err
	}
	comments, err := c.Comments(ctx, id)
	if err != nil {
		return err
	}
	history, err := c.History(ctx, id)
	if err != nil {
		return err
	}
	printIncidents(out, []client.Incident{*inc})
	fmt.Fprintf(out, "\n%s\n", inc.Description)
	if inc.ResolutionNotes != nil {
		fmt.Fprintf(out, "resolution: %s\n", *inc.ResolutionNotes)
	}
	actions := make([]string, 0, len(inc.Actions()))
	for _, a := range inc.Actions() {
		actions = append(actions, string(a))
	}
	fmt.Fprintf(out, "actions: %s\n", strings.Join(actions, ", "))
	if len(comments) > 0 {
		fmt.Fprintln(out, "\ncomments:")
		for _, cm := range comments {
			fmt.Fprintf(out, "  %s user=%d %s\n", cm.CreatedAt.Format(time.RFC3339), cm.UserID, cm.Content)
		}
	}
	fmt.Fprintln(out, "\nhistory:")
	for _, h := range history {
		fmt.Fprintf(out, "  %s %-14s %s\n", h.CreatedAt.Format(time.RFC3339), h.Action, h.Details)
	}
	return nil
}

func printIncidents(out io.Writer, items []client.Incident) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSEVERITY\tPARK\tASSIGNEE\tTITLE")
	for _, inc := range items {
		assignee := "-"
		if inc.AssignedToID != nil {
			assignee = strconv.FormatInt(*inc.AssignedToID, 10)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", inc.ID, inc.Status, inc.Severity, inc.ParkID, assignee, inc.Title)
	}
	_ = tw.Flush()
}
