// Command dbqa manages and runs data-quality queries from the terminal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/beak-insights/BeakDashX/pkg/alerting"
	"github.com/beak-insights/BeakDashX/pkg/config"
	"github.com/beak-insights/BeakDashX/pkg/connections"
	"github.com/beak-insights/BeakDashX/pkg/evaluator"
	"github.com/beak-insights/BeakDashX/pkg/executor"
	"github.com/beak-insights/BeakDashX/pkg/models"
	"github.com/beak-insights/BeakDashX/pkg/notify"
	"github.com/beak-insights/BeakDashX/pkg/services"
	"github.com/beak-insights/BeakDashX/pkg/store"
)

const usage = `usage: dbqa [-config file] <command> [args]

commands:
  list [-user id] [-connection id] [-category c] [-status s]
  create <file.yaml|file.json>
  run <query id>
  enable <query id>
  disable <query id>
  check -connection id [-category c] [-max n] <sql>
`

func main() {
	logrus.SetLevel(logrus.WarnLevel)
	if os.Getenv("LOG_LEVEL") == "debug" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	configPath := flag.String("config", "", "path to config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Executor.MaxTimeout+time.Minute)
	defer cancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if err := dispatch(ctx, cfg, cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "dbqa %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cfg *config.Config, cmd string, args []string) error {
	if cmd == "check" {
		return check(ctx, cfg, args)
	}

	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required for %s", cmd)
	}
	st, err := store.NewPostgresStore(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	switch cmd {
	case "list":
		return list(ctx, st, args)
	case "create":
		return create(ctx, st, args)
	case "run":
		return run(ctx, cfg, st, args)
	case "enable", "disable":
		return setEnabled(ctx, st, args, cmd == "enable")
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func queryID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected a query id")
	}
	return strconv.ParseInt(args[0], 10, 64)
}

func list(ctx context.Context, st store.QueryStore, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	user := fs.Int64("user", 0, "owner user id")
	conn := fs.Int64("connection", 0, "connection id")
	category := fs.String("category", "", "query category")
	status := fs.String("status", "", "status of the last run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	queries, err := st.ListQueries(ctx, models.QueryFilter{
		UserID:       *user,
		ConnectionID: *conn,
		Category:     models.Category(*category),
		RunStatus:    models.ExecutionStatus(*status),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tFREQUENCY\tENABLED\tLAST RUN\tNEXT RUN")
	for _, q := range queries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\t%s\n",
			q.ID, q.Name, q.Category, q.ExecutionFrequency, q.Enabled, q.LastRunStatus, formatTime(q.NextExecutionTime))
	}
	return w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

// create reads a query definition. YAML is decoded generically and
// re-encoded so the JSON field names apply to both formats.
func create(ctx context.Context, st store.QueryStore, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected a definition file")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}
	var req models.CreateQueryRequest
	if err := json.Unmarshal(asJSON, &req); err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}

	q := req.Query()
	if err := q.Validate(); err != nil {
		return err
	}
	if err := st.CreateQuery(ctx, q); err != nil {
		return err
	}
	fmt.Printf("Created query %d (%s)\n", q.ID, q.Name)
	return nil
}

func setEnabled(ctx context.Context, st store.QueryStore, args []string, enabled bool) error {
	id, err := queryID(args)
	if err != nil {
		return err
	}
	q, err := st.GetQuery(ctx, id)
	if err != nil {
		return err
	}
	(&models.UpdateQueryRequest{Enabled: &enabled}).Apply(q)
	if err := st.UpdateQuery(ctx, q); err != nil {
		return err
	}
	fmt.Printf("Query %d enabled=%t\n", id, q.Enabled)
	return nil
}

func newResolver(cfg *config.Config, source connections.Source) (*connections.CachedResolver, error) {
	chain := connections.ChainSource{}
	if source != nil {
		chain = append(chain, source)
	}
	if cfg.Connections.File != "" {
		file, err := connections.LoadFileSource(cfg.Connections.File)
		if err != nil {
			return nil, err
		}
		chain = append(chain, file)
	}
	opener := &connections.Opener{Timeplus: cfg.Timeplus, ScanLimit: cfg.Executor.ScanLimit}
	return connections.NewCachedResolver(chain, opener.Open, cfg.Connections.CacheSize)
}

// run executes a stored query through the full pipeline, alerts included
func run(ctx context.Context, cfg *config.Config, st store.Store, args []string) error {
	id, err := queryID(args)
	if err != nil {
		return err
	}
	resolver, err := newResolver(cfg, st)
	if err != nil {
		return err
	}
	defer resolver.Close()

	webhooks := notify.NewHTTPWebhookSender(cfg.Notifications.WebhookTimeout)
	channels := []notify.Channel{notify.SlackChannel{Sender: webhooks}, notify.WebhookChannel{Sender: webhooks}}
	if email, err := notify.NewEmailSender(ctx, cfg.Notifications.Email); err == nil {
		channels = append(channels, notify.EmailChannel{Sender: email})
	}

	svc := services.NewQualityService(services.Options{
		Store:      st,
		Resolver:   resolver,
		Executor:   executor.New(resolver, cfg.Executor),
		Engine:     alerting.NewEngine(st, cfg.Alerts),
		Dispatcher: notify.NewDispatcher(st, channels...),
	})
	result, err := svc.RunQueryNow(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(result)
}

// check evaluates ad hoc SQL without storing anything
func check(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	conn := fs.Int64("connection", 0, "connection id from the connections file")
	category := fs.String("category", string(models.CategoryAccuracy), "query category")
	limit := fs.Float64("max", -1, "fail when the metric exceeds this value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *conn == 0 {
		return fmt.Errorf("expected -connection and one SQL statement")
	}

	resolver, err := newResolver(cfg, nil)
	if err != nil {
		return err
	}
	defer resolver.Close()

	q := &models.Query{ConnectionID: *conn, Name: "ad hoc", Category: models.Category(*category), SQL: fs.Arg(0)}
	if *limit >= 0 {
		q.Thresholds.Max = limit
	}
	out := executor.New(resolver, cfg.Executor).Execute(ctx, q)
	if out.Err != nil {
		return out.Err
	}
	eval, err := evaluator.New().Evaluate(q, out.Rows)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"durationMs": out.Duration.Milliseconds(),
		"rows":       out.Rows,
		"verdict":    eval.Verdict,
		"metrics":    eval.Metrics,
		"checks":     eval.Checks,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
