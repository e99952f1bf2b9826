// Command harness runs the interactive create/read/update/contend/verify actions against an
// in-process cluster whose lock table lives in memory (standalone) or in Redis (clustered).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	log "log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sharedcode/treelock"
	"github.com/sharedcode/treelock/cel"
	"github.com/sharedcode/treelock/harness"
	"github.com/sharedcode/treelock/mutation"
	"github.com/sharedcode/treelock/redis"
)

func main() {
	treelock.ConfigureLogging()

	var (
		envFile    string
		mode       string
		boundary   string
		redisAddr  string
		filterExpr string
		workers    int
		verifyWait time.Duration
		logLevel   string
		version    bool
	)
	nodeCount := flag.Int("nodeCount", -1, "Number of leaf nodes to create, read or update (default from config)")
	threadCount := flag.Int("threadCount", -1, "Worker pool size of the parallel actions (default from config)")
	clusterSize := flag.Int("clusterSize", -1, "Number of cluster members (default from config)")
	flag.StringVar(&envFile, "env", ".env", "Path to the .env file with TREELOCK_* settings")
	flag.StringVar(&mode, "mode", "", "Lock table mode: 'standalone' or 'clustered' (default from config)")
	flag.StringVar(&boundary, "boundary", "single", "Transaction boundary layout: 'single', 'nested' or 'unmanaged'")
	flag.StringVar(&redisAddr, "redis", "", "Redis address for clustered mode (e.g. localhost:6379)")
	flag.StringVar(&filterExpr, "filter", "", "CEL expression filtering the nodes printed by the read action")
	flag.IntVar(&workers, "workers", 25, "Number of concurrent child additions of the contend action")
	flag.DurationVar(&verifyWait, "verifyWait", 5*time.Second, "Wait before the verify action locks the parent")
	flag.StringVar(&logLevel, "logLevel", "", "Log level: DEBUG, INFO, WARN or ERROR (default from TREELOCK_LOG_LEVEL)")
	flag.BoolVar(&version, "version", false, "Show version and exit")
	flag.Parse()

	if version {
		fmt.Printf("treelock harness v%s\n", treelock.Version)
		os.Exit(0)
	}

	if logLevel != "" {
		var level log.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			fail("parsing -logLevel", err)
		}
		treelock.SetLogLevel(level)
	}

	cfg, err := treelock.LoadConfig(envFile)
	if err != nil {
		fail("loading configuration", err)
	}
	if *nodeCount >= 0 {
		cfg.NodeCount = *nodeCount
	}
	if *threadCount >= 0 {
		cfg.ThreadCount = *threadCount
	}
	if *clusterSize >= 0 {
		cfg.ClusterSize = *clusterSize
	}
	if mode != "" {
		if cfg.Mode, err = treelock.ParseClusterMode(mode); err != nil {
			fail("parsing -mode", err)
		}
	}
	if redisAddr != "" {
		cfg.Redis.Address = redisAddr
	}
	b, err := mutation.ParseMode(boundary)
	if err != nil {
		fail("parsing -boundary", err)
	}
	var filter *cel.NodeFilter
	if filterExpr != "" {
		if filter, err = cel.NewNodeFilter(filterExpr); err != nil {
			fail("parsing -filter", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if cfg.Mode == treelock.Clustered {
		// Every lock table client of the process shares this connection.
		redis.OpenConnection(redis.OptionsFromConfig(cfg.Redis))
		defer redis.CloseConnection()
	}

	var h *harness.Harness
	if err := treelock.Retry(ctx, func(ctx context.Context) error {
		var err error
		h, err = harness.New(ctx, harness.Options{Config: cfg, Boundary: b})
		return err
	}, nil); err != nil {
		fail(fmt.Sprintf("starting the cluster (%v)", cfg.Mode), err)
	}
	defer h.Close()

	if ok := loop(ctx, h, cfg, filter, workers, verifyWait); !ok {
		h.Close()
		os.Exit(1)
	}
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "\nFailed %s: %v\n", what, err)
	os.Exit(1)
}

// loop prompts for actions until none, end of input or the first failure.
func loop(ctx context.Context, h *harness.Harness, cfg treelock.Config, filter *cel.NodeFilter, workers int, verifyWait time.Duration) bool {
	names := make([]string, len(harness.Actions))
	for i, a := range harness.Actions {
		names[i] = string(a)
	}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("\nAction to execute (%s): ", strings.Join(names, "/"))
		if !scanner.Scan() {
			return scanner.Err() == nil
		}
		action, err := harness.ParseAction(strings.ToLower(strings.TrimSpace(scanner.Text())))
		if err != nil {
			fmt.Println(err)
			continue
		}
		if action == harness.None {
			return true
		}
		if err := handle(ctx, h, action, filter, workers, verifyWait); err != nil {
			fmt.Printf("\nFailed to perform [%s] action (%v): %v\n", action, cfg.Mode, err)
			log.Error("action failed", "action", action, "error", err)
			return false
		}
	}
}

func handle(ctx context.Context, h *harness.Harness, action harness.Action, filter *cel.NodeFilter, workers int, verifyWait time.Duration) error {
	if err := h.CanPerform(ctx, action); err != nil {
		return err
	}
	switch action {
	case harness.Create:
		paths, err := h.CreateLeaves(ctx)
		if err != nil {
			return err
		}
		return printPaths(ctx, h, paths, action)

	case harness.Read:
		nodes, err := h.ReadLeaves(ctx, filter)
		if err != nil {
			return err
		}
		printNodes(nodes, action)
		return nil

	case harness.Update:
		paths, err := h.UpdateLeavesParallel(ctx)
		if err != nil {
			return err
		}
		return printPaths(ctx, h, paths, action)

	case harness.Contend:
		r, err := h.AddChildrenConcurrently(ctx, workers)
		if err != nil {
			return err
		}
		fmt.Printf("\n  [%s] children: requested=%d succeeded=%d present=%d duplicates=%v corrupted=%v elapsed=%v\n",
			r.Parent, r.Requested, r.Succeeded, r.Children, r.Duplicates, r.Corrupted, r.Elapsed)
		for code, n := range r.Failures {
			fmt.Printf("    %d worker(s) failed with %v\n", n, code)
		}
		return nil

	case harness.Verify:
		if err := h.VerifyParentLockable(ctx, verifyWait); err != nil {
			return err
		}
		fmt.Printf("\n  [%s] can still be locked and unlocked\n", harness.ContentionParentPath)
		return nil
	}
	return treelock.NewError(treelock.InvalidConfiguration, string(action), "unsupported action type [%s]", action)
}

func printPaths(ctx context.Context, h *harness.Harness, paths []string, action harness.Action) error {
	nodes, err := h.Describe(ctx, paths)
	if err != nil {
		return err
	}
	printNodes(nodes, action)
	return nil
}

func printNodes(nodes []treelock.Node, action harness.Action) {
	fmt.Printf("\n  The [%d] node(s) have been affected as a result of [%s] action:\n\n", len(nodes), action)
	for _, n := range nodes {
		content, _ := n.Property(treelock.PropertyContent)
		fmt.Printf("    [id=%s, path=%s, content=%s]\n", n.Identifier, n.Path, content)
	}
}
