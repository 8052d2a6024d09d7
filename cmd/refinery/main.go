// Command refinery manages a workspace from the shell: register raw data
// sources, inspect the cache, and run transformation workloads under a
// selection policy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/refinery-data/refinery"
	"github.com/refinery-data/refinery/internal/config"
	"github.com/refinery-data/refinery/internal/planner"
	"github.com/refinery-data/refinery/internal/record"
)

const (
	DefaultShow  = 5
	maxCellWidth = 60
)

const usageText = `Usage: refinery [--config FILE] <command> [flags]

Commands:
  init           create the workspace directory, registry and cache
  register-data  register a local file or directory as a dataset
  ls-data        list registered datasets
  rm-data        remove a dataset registration
  run            compile and execute a workload over a dataset
  cache-ls       list cached record streams

Configuration comes from the --config file when given, otherwise from
defaults overridden by REFINERY_* environment variables.
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "refinery: %v\n", err)
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	logger := newLogger(cfg.Log.Level)

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "init":
		err = runInit(cfg, logger)
	case "register-data":
		err = runRegisterData(cfg, logger, rest)
	case "ls-data":
		err = runLsData(cfg, logger)
	case "rm-data":
		err = runRmData(cfg, logger, rest)
	case "run":
		err = runWorkload(cfg, logger, rest)
	case "cache-ls":
		err = runCacheLs(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "refinery: unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	var opt level.Option
	switch strings.ToLower(lvl) {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return log.With(level.NewFilter(logger, opt), "ts", log.DefaultTimestampUTC)
}

func openWorkspace(cfg *config.Config, logger log.Logger) (*refinery.Workspace, error) {
	return refinery.Open(cfg, logger, prometheus.NewRegistry())
}

func runInit(cfg *config.Config, logger log.Logger) error {
	ws, err := openWorkspace(cfg, logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	fmt.Printf("workspace ready at %s\n", cfg.Workdir)
	return nil
}

func runRegisterData(cfg *config.Config, logger log.Logger, args []string) error {
	fs := flag.NewFlagSet("register-data", flag.ExitOnError)
	name := fs.String("name", "", "dataset name")
	path := fs.String("path", "", "local file or directory to register")
	fs.Parse(args)
	if *name == "" || *path == "" {
		return fmt.Errorf("register-data: --name and --path are required")
	}

	ws, err := openWorkspace(cfg, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	info, err := os.Stat(*path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		err = ws.Catalog.RegisterDir(*name, *path)
	} else {
		err = ws.Catalog.RegisterFile(*name, *path)
	}
	if err != nil {
		return err
	}
	stats, err := ws.Catalog.Stats(*name)
	if err != nil {
		return err
	}
	fmt.Printf("registered %q: %s\n", *name, stats)
	return nil
}

func runLsData(cfg *config.Config, logger log.Logger) error {
	ws, err := openWorkspace(cfg, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	names := ws.Catalog.Names()
	if len(names) == 0 {
		fmt.Println("(no datasets registered)")
		return nil
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tRECORDS\tSIZE")
	fmt.Fprintln(w, "-\t-\t-")
	for _, name := range names {
		stats, err := ws.Catalog.Stats(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", name, stats.Records, humanize.Bytes(uint64(stats.Bytes)))
	}
	return w.Flush()
}

func runRmData(cfg *config.Config, logger log.Logger, args []string) error {
	fs := flag.NewFlagSet("rm-data", flag.ExitOnError)
	name := fs.String("name", "", "dataset name")
	fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("rm-data: --name is required")
	}

	ws, err := openWorkspace(cfg, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := ws.Catalog.Unregister(*name); err != nil {
		return err
	}
	fmt.Printf("removed %q\n", *name)
	return nil
}

func runWorkload(cfg *config.Config, logger log.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dataset := fs.String("dataset", "", "registered dataset to read")
	filter := fs.String("filter", "", "natural language condition records must satisfy")
	fields := fs.String("fields", "", "comma separated name:description pairs of fields to generate")
	limit := fs.Int("limit", 0, "stop after N records (0 means no limit)")
	policyName := fs.String("policy", "", "selection policy (default from configuration)")
	dryRun := fs.Bool("dry-run", false, "list candidate plans without executing")
	show := fs.Int("show", DefaultShow, "print the first N output records")
	fs.Parse(args)

	if *dataset == "" {
		return fmt.Errorf("run: --dataset is required")
	}
	if *policyName != "" {
		cfg.Planner.Policy = *policyName
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ws, err := openWorkspace(cfg, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	needsModel := *filter != "" || *fields != ""
	if needsModel && cfg.Completion.Address == "" {
		level.Warn(logger).Log("msg", "no completion endpoint configured, model calls go to the offline simulator")
	}

	ds := refinery.Scan(*dataset, record.TextFileSchema)
	if *filter != "" {
		ds = ds.Filter(*filter)
	}
	if *fields != "" {
		output, err := enrichedSchema(*fields)
		if err != nil {
			return err
		}
		ds = ds.Convert(output)
	}
	if *limit > 0 {
		ds = ds.Limit(*limit)
	}

	plans, err := ws.Plans(ds)
	if err != nil {
		return err
	}
	printPlans(plans)
	if *dryRun {
		return nil
	}

	policy, err := refinery.PolicyFor(cfg)
	if err != nil {
		return err
	}
	chosen, err := policy.Choose(plans)
	if err != nil {
		return err
	}
	fmt.Printf("\nselected by %s: %s\n\n", policy.Name(), chosen.Name())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	recs, stats, err := ws.RunPlan(ctx, chosen)
	if err != nil {
		return err
	}
	printRecords(recs, *show)
	fmt.Printf("\n%d record(s) in %s", stats.Records, stats.Elapsed.Round(time.Millisecond))
	if stats.Cost > 0 {
		fmt.Printf(", $%.4f", stats.Cost)
	}
	fmt.Printf("  [run %s]\n", stats.RunID)
	return nil
}

func runCacheLs(cfg *config.Config, logger log.Logger) error {
	ws, err := openWorkspace(cfg, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	infos, err := ws.Cache.Streams()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("(cache is empty)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATE\tRECORDS\tSIZE")
	fmt.Fprintln(w, "-\t-\t-\t-")
	for _, info := range infos {
		state := "claimed"
		if info.Sealed {
			state = "sealed"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", info.Key, state, info.Records, humanize.Bytes(uint64(info.Bytes)))
	}
	return w.Flush()
}

// enrichedSchema extends the raw TextFile shape with generated string
// fields parsed from "name:description" pairs.
func enrichedSchema(spec string) (*record.Schema, error) {
	fields := record.TextFileSchema.Fields()
	for _, pair := range strings.Split(spec, ",") {
		name, desc, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("run: bad field spec %q, want name:description", pair)
		}
		fields = append(fields, record.Field{
			Name:     strings.TrimSpace(name),
			Type:     record.StringField,
			Desc:     strings.TrimSpace(desc),
			Required: true,
		})
	}
	return record.NewSchema("Enriched", "A text file with generated fields", fields...)
}

func printPlans(plans []*planner.Plan) {
	fmt.Printf("%d candidate plan(s)\n\n", len(plans))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tPLAN\tRECORDS\tTIME\tCOST\tQUALITY")
	fmt.Fprintln(w, "-\t-\t-\t-\t-\t-")
	for i, p := range plans {
		e := p.Estimate()
		fmt.Fprintf(w, "%d\t%s\t%.0f\t%.1fs\t$%.4f\t%.2f\n",
			i, p.Name(), e.Cardinality, e.Time, e.Cost, e.Quality)
	}
	w.Flush()
}

func printRecords(recs []*record.Record, show int) {
	if len(recs) == 0 {
		fmt.Println("(0 records)")
		return
	}
	schema := recs[0].Schema()
	fields := schema.Fields()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(schema.FieldNames(), "\t"))
	fmt.Fprintln(w, strings.TrimSuffix(strings.Repeat("-\t", len(fields)), "\t"))
	shown := len(recs)
	if show > 0 && shown > show {
		shown = show
	}
	for _, r := range recs[:shown] {
		cells := make([]string, len(fields))
		for i, f := range fields {
			cells[i] = cell(r, f)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	w.Flush()
	if shown < len(recs) {
		fmt.Printf("... %d more\n", len(recs)-shown)
	}
}

func cell(r *record.Record, f record.Field) string {
	if f.Type == record.BytesField {
		if b, ok := r.Get(f.Name).([]byte); ok {
			return fmt.Sprintf("<%s>", humanize.Bytes(uint64(len(b))))
		}
		return "<bytes>"
	}
	v := r.Get(f.Name)
	if v == nil {
		return ""
	}
	s := strings.ReplaceAll(fmt.Sprintf("%v", v), "\n", " ")
	if len(s) > maxCellWidth {
		s = s[:maxCellWidth-3] + "..."
	}
	return s
}
