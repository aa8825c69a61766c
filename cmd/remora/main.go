// Command remora mirrors a hierarchical remote object store into a local
// directory tree.
//
// Usage:
//
//	remora clone -project <id> [dir]     establish an anchor and pull
//	remora pull [paths...]               materialize remote structure
//	remora refresh [paths...]            reconcile metadata, detect moves
//	remora fetch [paths...]              download content for placeholders
//	remora find -pattern <glob>          list fetch candidates
//	remora status                        show local/cache disagreements
//	remora missing                       list placeholders with no content
//	remora meta <path>                   show the cached record for a path
//	remora dedupe [-apply]               resolve duplicate-id anomalies
//	remora fix-mismatch                  stash and refetch divergent files
//	remora stash <paths...>              snapshot paths outside the anchor
//	remora restore <paths...>            bring stashed paths back
//
// Global flags (before the verb): -config, -log-level.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/remorafs/remora/internal/logger"
	"github.com/remorafs/remora/pkg/cache"
	"github.com/remorafs/remora/pkg/config"
	"github.com/remorafs/remora/pkg/engine"
	"github.com/remorafs/remora/pkg/stash"
	"github.com/remorafs/remora/pkg/tree"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "remora: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = strings.ToUpper(*logLevel)
	}
	logger.SetLevel(cfg.Logging.Level)
	defer logger.Close()

	// Interrupt cancels in-flight remote calls; whatever already landed
	// stays consistent and the next run resumes.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verb, args := flag.Arg(0), flag.Args()[1:]
	if err := run(ctx, cfg, verb, args); err != nil {
		fmt.Fprintf(os.Stderr, "remora %s: %v\n", verb, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, verb string, args []string) error {
	switch verb {
	case "clone":
		return cmdClone(ctx, cfg, args)
	case "pull":
		return cmdPull(ctx, cfg, args)
	case "refresh":
		return cmdRefresh(ctx, cfg, args)
	case "fetch":
		return cmdFetch(ctx, cfg, args)
	case "find":
		return cmdFind(ctx, cfg, args)
	case "status":
		return cmdStatus(ctx, cfg, args)
	case "missing":
		return cmdMissing(ctx, cfg, args)
	case "meta":
		return cmdMeta(ctx, cfg, args)
	case "dedupe":
		return cmdDedupe(ctx, cfg, args)
	case "fix-mismatch":
		return cmdFixMismatch(ctx, cfg, args)
	case "stash":
		return cmdStash(ctx, cfg, args)
	case "restore":
		return cmdRestore(ctx, cfg, args)
	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}

// openAnchor locates the enclosing anchor, opens its cache and builds an
// engine. The returned cleanup closes the store and must always run.
func openAnchor(ctx context.Context, cfg *config.Config) (*engine.Engine, func(), error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}
	root, err := cache.FindAnchorRoot(cwd)
	if err != nil {
		return nil, nil, err
	}

	layout := cache.Layout{Root: root}
	if err := logger.LogToDir(layout.DataDir()); err != nil {
		logger.Warn("Failed to open log file: %v", err)
	}

	client, err := config.NewRemoteClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	store, err := cache.Open(layout.CacheDBDir())
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(engine.Config{
		Remote:        client,
		Store:         store,
		AnchorRoot:    root,
		RatePerSecond: cfg.Transfer.RatePerSecond,
		Burst:         cfg.Transfer.Burst,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return eng, func() { store.Close() }, nil
}

// relArgs resolves positional path arguments to anchor-relative keys.
// No arguments means the current directory's subtree.
func relArgs(eng *engine.Engine, args []string) ([]string, error) {
	if len(args) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		rel, err := tree.RelTo(eng.Layout().Root, cwd)
		if err != nil {
			return nil, err
		}
		return []string{rel}, nil
	}

	rels := make([]string, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		rel, err := tree.RelTo(eng.Layout().Root, abs)
		if err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

func cmdClone(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("clone", flag.ExitOnError)
	project := fs.String("project", "", "Remote project id to mirror (required)")
	level := fs.Int("level", -1, "Recursion depth limit (-1 for unlimited)")
	fs.Parse(args)

	if *project == "" {
		return fmt.Errorf("-project is required")
	}
	target := *project
	if fs.NArg() > 0 {
		target = fs.Arg(0)
	}

	client, err := config.NewRemoteClient(ctx, cfg)
	if err != nil {
		return err
	}

	opts := engine.PullOptions{}
	if *level >= 0 {
		opts.Level = level
	}

	eng, report, err := engine.Clone(ctx, client, *project, target, cfg.Transfer.RatePerSecond, cfg.Transfer.Burst, opts)
	if eng != nil {
		defer eng.Store().Close()
	}
	if err != nil {
		return err
	}

	printReport(report)
	fmt.Printf("Cloned %s into %s (%d paths)\n", *project, target, report.Pulled)
	return nil
}

func cmdPull(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	level := fs.Int("level", -1, "Recursion depth limit (-1 for unlimited)")
	empty := fs.Bool("empty", false, "Only recurse into containers with no local entries")
	skip := fs.String("skip", "", "Comma-separated remote container ids to skip")
	only := fs.String("only", "", "Comma-separated remote container ids to restrict to")
	fs.Parse(args)

	eng, cleanup, err := openAnchor(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	dirs, err := relArgs(eng, fs.Args())
	if err != nil {
		return err
	}

	opts := engine.PullOptions{
		Dirs:      dirs,
		EmptyOnly: *empty,
		Skip:      idSet(*skip),
		Only:      idSet(*only),
	}
	if *level >= 0 {
		opts.Level = level
	}

	report, err := eng.Pull(ctx, opts)
	if err != nil {
		return err
	}
	printReport(report)
	fmt.Printf("Pulled %d paths\n", report.Pulled)
	return nil
}

func cmdRefresh(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	updateData := fs.Bool("update-data", false, "Refetch content whose remote revision changed")
	prune := fs.Bool("prune", false, "Retire paths the remote removed")
	fs.Parse(args)

	eng, cleanup, err := openAnchor(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	starts, err := relArgs(eng, fs.Args())
	if err != nil {
		return err
	}

	opts := engine.RefreshOptions{
		UpdateData:  *updateData,
		SizeLimitMB: cfg.Transfer.SizeLimitMB,
		Prune:       *prune,
	}

	total := 0
	for _, start := range starts {
		report, err := eng.RefreshAll(ctx, start, opts)
		if err != nil {
			return err
		}
		printReport(report)
		total += report.Refreshed
	}
	fmt.Printf("Refreshed %d paths\n", total)
	return nil
}

func cmdFetch(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	pattern := fs.String("pattern", "", "Glob selecting placeholders to fetch (default: all under the given paths)")
	limit := fs.Float64("limit", cfg.Transfer.SizeLimitMB, "Size limit in MB (negative for unlimited)")
	overwrite := fs.Bool("overwrite", false, "Replace differing local content")
	fs.Parse(args)

	eng, cleanup, err := openAnchor(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	starts, err := relArgs(eng, fs.Args())
	if err != nil {
		return err
	}

	var rels []string
	for _, start := range starts {
		kind, err := tree.KindOf(filepath.Join(eng.Layout().Root, filepath.FromSlash(start)))
		if err != nil {
			return err
		}
		if kind != tree.KindDirectory {
			rels = append(rels, start)
			continue
		}
		nodes, err := eng.Find(start, *pattern, engine.FindOptions{SizeLimitMB: *limit})
		if err != nil {
			return err
		}
		for _, n := range nodes {
			rels = append(rels, n.Rel)
		}
	}

	report, err := eng.Fetch(ctx, rels, engine.FetchOptions{SizeLimitMB: *limit, Overwrite: *overwrite})
	if err != nil {
		return err
	}
	printReport(report)
	fmt.Printf("Fetched %d of %d paths\n", report.Fetched, len(rels))
	return nil
}

func cmdFind(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("find", flag.ExitOnError)
	pattern := fs.String("pattern", "", "Glob to match against file names")
	existing := fs.Bool("existing", false, "Include already fetched files")
	limit := fs.Float64("limit", -1, "Size limit in MB (negative for unlimited)")
	fs.Parse(args)

	eng, cleanup, err := openAnchor(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	starts, err := relArgs(eng, fs.Args())
	if err != nil {
		return err
	}

	for _, start := range starts {
		nodes, err := eng.Find(start, *pattern, engine.FindOptions{
			Existing:    *existing,
			SizeLimitMB: *limit,
		})
		if err != nil {
			return err
		}
		for _, n := range nodes {
			size := "??"
			if n.Record != nil && n.Record.Size != nil {
				size = fmt.Sprintf("%d", *n.Record.Size)
			}
			fmt.Printf("%-12s %10s  %s\n", n.Kind, size, n.Rel)
		}
	}
	return nil
}

func cmdStatus(ctx context.Context, cfg *config.Config, args []string) error {
	eng, cleanup, err := openAnchor(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	starts, err := relArgs(eng, args)
	if err != nil {
		return err
	}

	clean := true
	for _, start := range starts {
		entries, err := eng.Status(start)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			clean = false
			fmt.Printf("%s\n%s", entry.Rel, entry.Cached.PrettyDiff(entry.Local))
		}
	}
	if clean {
		fmt.Println("Local tree matches the cache")
	}
	return nil
}

func cmdMissing(ctx context.Context, cfg *config.Config, args []string) error {
	eng, cleanup, err := openAnchor(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	starts, err := relArgs(eng, args)
	if err != nil {
		return err
	}

	for _, start := range starts {
		rels, err := eng.Missing(start)
		if err != nil {
			return err
		}
		for _, rel := range rels {
			fmt.Println(rel)
		}
	}
	return nil
}

func cmdMeta(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("a path is required")
	}

	eng, cleanup, err := openAnchor(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rels, err := relArgs(eng, args)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		rec, err := eng.Store().Get(rel)
		if err != nil {
			return err
		}
		fmt.Print(rec.Pretty())
	}
	return nil
}

func cmdDedupe(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("dedupe", flag.ExitOnError)
	apply := fs.Bool("apply", false, "Remove non-canonical paths (default: report only)")
	force := fs.Bool("force", false, "Remove even paths whose content size is unknown")
	fs.Parse(args)

	eng, cleanup, err := openAnchor(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	groups, err := eng.Duplicates()
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Println("No duplicate ids")
		return nil
	}

	for _, group := range groups {
		fmt.Printf("%s\n  keep   %s\n", group.RemoteID, group.Canonical())
		for _, rel := range group.Removable() {
			fmt.Printf("  remove %s\n", rel)
		}
		if *apply {
			report, err := eng.ResolveDuplicates(group, *force)
			if err != nil {
				return err
			}
			printReport(report)
		}
	}
	if !*apply {
		fmt.Println("Run with -apply to resolve")
	}
	return nil
}

func cmdFixMismatch(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("fix-mismatch", flag.ExitOnError)
	limit := fs.Float64("limit", cfg.Transfer.SizeLimitMB, "Size limit in MB for refetch (negative for unlimited)")
	fs.Parse(args)

	eng, cleanup, err := openAnchor(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	starts, err := relArgs(eng, fs.Args())
	if err != nil {
		return err
	}

	for _, start := range starts {
		report, err := eng.FixMismatch(ctx, start, *limit)
		if err != nil {
			return err
		}
		printReport(report)
		fmt.Printf("Repaired %d paths\n", report.Fetched)
	}
	return nil
}

func cmdStash(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("at least one path is required")
	}

	eng, cleanup, err := openAnchor(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rels, err := relArgs(eng, args)
	if err != nil {
		return err
	}

	dir, err := stash.New(eng.Layout(), eng.Store()).Stash(rels, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Stashed %d paths to %s\n", len(rels), dir)
	return nil
}

func cmdRestore(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("at least one path is required")
	}

	eng, cleanup, err := openAnchor(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// Restore accepts trailing fragments, so arguments are passed as
	// given rather than resolved against the anchor.
	if err := stash.New(eng.Layout(), eng.Store()).Restore(args); err != nil {
		return err
	}
	fmt.Printf("Restored %d paths\n", len(args))
	return nil
}

// idSet parses a comma-separated id list.
func idSet(csv string) map[string]bool {
	if csv == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, id := range strings.Split(csv, ",") {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = true
		}
	}
	return set
}

// printReport surfaces moves, skips and anomalies on the terminal; the
// full detail also lands in the anchor's log file.
func printReport(report *engine.Report) {
	for _, move := range report.Moved {
		fmt.Printf("moved: %s -> %s\n", move.OldPath, move.NewPath)
	}
	for rel, reason := range report.Skipped {
		fmt.Printf("skipped: %s (%s)\n", rel, reason)
	}
	for _, a := range report.Anomalies {
		fmt.Printf("anomaly: %s\n", a)
	}
	for _, rel := range report.Deferred {
		fmt.Printf("deferred: %s (re-run refresh)\n", rel)
	}
}
