// Package harness drives the coordinators against an in-process cluster: sequential leaf
// creation, reads, parallel lock-guarded updates and child creation under contention.
package harness

import (
	"context"
	"fmt"
	"io"
	log "log/slog"
	"time"

	"github.com/sharedcode/treelock"
	"github.com/sharedcode/treelock/cel"
	"github.com/sharedcode/treelock/inmemory"
	"github.com/sharedcode/treelock/locking"
	"github.com/sharedcode/treelock/mutation"
	"github.com/sharedcode/treelock/transaction"

	// Lock table backends, picked by Config.Mode.
	_ "github.com/sharedcode/treelock/cache"
	_ "github.com/sharedcode/treelock/redis"
)

// Action is one interactive harness step.
type Action string

const (
	Create  Action = "create"
	Read    Action = "read"
	Update  Action = "update"
	Contend Action = "contend"
	Verify  Action = "verify"
	None    Action = "none"
)

// Actions lists the supported actions in prompt order.
var Actions = []Action{Create, Read, Update, Contend, Verify, None}

// ParseAction accepts an action name, case-sensitively trimmed by the caller.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", treelock.NewError(treelock.InvalidConfiguration, s, "unsupported action %q", s)
}

// ContentionParentPath is the lockable node the contend and verify actions work on.
const ContentionParentPath = treelock.RootPath + "parent"

// Options configure New.
type Options struct {
	Config   treelock.Config
	Boundary mutation.Mode
	// Cache overrides the lock table built from Config.Mode.
	Cache treelock.Cache
}

// Harness owns a cluster, its transaction manager and the coordinators on top.
type Harness struct {
	cfg     treelock.Config
	cache   treelock.Cache
	tm      *inmemory.TransactionManager
	members []*inmemory.Member
	repos   *treelock.RepositorySelector[treelock.Repository]
	txns    *transaction.Coordinator
	locks   *locking.Coordinator
	ops     *mutation.Operations
}

// New validates the configuration and brings the cluster up.
func New(ctx context.Context, opts Options) (*Harness, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	retry, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	cache := opts.Cache
	if cache == nil {
		if cache, err = treelock.NewCache(cfg); err != nil {
			return nil, err
		}
	}
	if err := cache.Ping(ctx); err != nil {
		return nil, err
	}

	cluster := inmemory.NewCluster(cache, inmemory.ClusterOptionsFromConfig(cfg))
	members := cluster.Members(cfg.ClusterSize)
	repos, err := treelock.NewRepositorySelector(inmemory.Repositories(members))
	if err != nil {
		return nil, err
	}
	tm := inmemory.NewTransactionManager(cfg.TransactionTimeout)
	txns := transaction.NewCoordinator(tm)
	locks := locking.NewCoordinator(txns, cfg)
	h := &Harness{
		cfg:     cfg,
		cache:   cache,
		tm:      tm,
		members: members,
		repos:   repos,
		txns:    txns,
		locks:   locks,
		ops: mutation.New(locks, txns,
			mutation.WithMode(opts.Boundary),
			mutation.WithLockTTL(cfg.LockTTL),
			mutation.WithRetryPolicy(retry)),
	}
	log.Info("harness started", "config", cfg.String(), "boundary", opts.Boundary)
	return h, nil
}

// Close stops the transaction reaper and closes the lock table when it holds a connection.
func (h *Harness) Close() error {
	err := h.tm.Close()
	if c, ok := h.cache.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Members exposes the cluster member handles.
func (h *Harness) Members() []*inmemory.Member {
	return h.members
}

// Repositories returns the member rotation shared by every action.
func (h *Harness) Repositories() *treelock.RepositorySelector[treelock.Repository] {
	return h.repos
}

// Coordinators returns the transaction and lock coordinators the actions use.
func (h *Harness) Coordinators() (*transaction.Coordinator, *locking.Coordinator) {
	return h.txns, h.locks
}

// withSession runs task with a session on the next member and logs it out afterwards.
func (h *Harness) withSession(ctx context.Context, task func(s treelock.Session) error) error {
	repo := h.repos.Next()
	s, err := repo.Login(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Logout(context.WithoutCancel(ctx)); err != nil {
			log.Warn("logout failed", "member", repo.Name(), "error", err)
		}
	}()
	return task(s)
}

// CanPerform reports why action can't run yet, if it can't: read and update need the leaves.
func (h *Harness) CanPerform(ctx context.Context, action Action) error {
	if action != Read && action != Update {
		return nil
	}
	return h.withSession(ctx, func(s treelock.Session) error {
		ok, err := s.NodeExists(ctx, mutation.AppRootPath)
		if err != nil {
			return err
		}
		if !ok {
			return treelock.NewError(treelock.NodeNotFound, mutation.AppRootPath,
				"unable to perform %s action, the required nodes do not exist", action)
		}
		return nil
	})
}

// CreateLeaves recreates /appRoot and adds folder-i/file-i with random content for every
// i < NodeCount, one after the other. It returns the leaf paths.
func (h *Harness) CreateLeaves(ctx context.Context) ([]string, error) {
	var leaves []string
	err := h.withSession(ctx, func(s treelock.Session) error {
		if err := mutation.DeleteApplicationRoot(ctx, s); err != nil {
			return err
		}
		root, err := mutation.CreateApplicationRoot(ctx, s)
		if err != nil {
			return err
		}
		leaves = make([]string, 0, h.cfg.NodeCount)
		for i := 0; i < h.cfg.NodeCount; i++ {
			parent, err := h.ops.UnsafeAdd(ctx, s, root, mutation.LeafParentRelativePath(i), "")
			if err != nil {
				return err
			}
			leaf, err := h.ops.UnsafeAdd(ctx, s, parent, mutation.LeafRelativePath(i), treelock.NewUUID().String())
			if err != nil {
				return err
			}
			leaves = append(leaves, leaf)
		}
		return nil
	})
	return leaves, err
}

// ReadLeaves reads the NodeCount leaves in order, keeping those matching filter (nil keeps all).
func (h *Harness) ReadLeaves(ctx context.Context, filter *cel.NodeFilter) ([]treelock.Node, error) {
	var nodes []treelock.Node
	err := h.withSession(ctx, func(s treelock.Session) error {
		nodes = make([]treelock.Node, 0, h.cfg.NodeCount)
		for i := 0; i < h.cfg.NodeCount; i++ {
			n, err := s.GetNode(ctx, mutation.LeafAbsolutePath(i))
			if err != nil {
				return err
			}
			nodes = append(nodes, n)
		}
		var err error
		nodes, err = filter.Filter(nodes)
		return err
	})
	return nodes, err
}

// UpdateLeavesParallel safe-updates every leaf with fresh content, ThreadCount at a time, each
// on a session of its own. It returns the leaf paths in index order.
func (h *Harness) UpdateLeavesParallel(ctx context.Context) ([]string, error) {
	tr := treelock.NewTaskRunner(ctx, h.cfg.ThreadCount)
	updated := make([]string, h.cfg.NodeCount)
	for i := 0; i < h.cfg.NodeCount; i++ {
		tr.Go(func() error {
			ctx := tr.GetContext()
			return h.withSession(ctx, func(s treelock.Session) error {
				p, err := h.ops.SafeUpdate(ctx, s, mutation.LeafAbsolutePath(i), treelock.NewUUID().String())
				if err != nil {
					return fmt.Errorf("updating %s: %w", mutation.LeafAbsolutePath(i), err)
				}
				updated[i] = p
				return nil
			})
		})
	}
	if err := tr.Wait(); err != nil {
		return nil, err
	}
	return updated, nil
}

// ContentionReport summarizes an AddChildrenConcurrently run.
type ContentionReport struct {
	Parent    string
	Requested int
	Succeeded int
	// Children is the number of children the parent ends up with.
	Children int
	// Duplicates lists child names found more than once.
	Duplicates []string
	// Corrupted reports lock residue on the parent after the run.
	Corrupted bool
	// Failures counts the failed workers by error code.
	Failures map[treelock.ErrorCode]int
	Elapsed  time.Duration
}

// AddChildrenConcurrently has workers safe-add child-1..child-N under ContentionParentPath,
// ThreadCount at a time, each retrying per the configured policy. Worker failures are counted,
// not returned; a cancelled ctx is.
func (h *Harness) AddChildrenConcurrently(ctx context.Context, workers int) (ContentionReport, error) {
	report := ContentionReport{
		Parent:    ContentionParentPath,
		Requested: workers,
		Failures:  make(map[treelock.ErrorCode]int),
	}
	if err := h.ensureContentionParent(ctx); err != nil {
		return report, err
	}

	start := time.Now()
	tr := treelock.NewTaskRunner(ctx, h.cfg.ThreadCount)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		tr.Go(func() error {
			ctx := tr.GetContext()
			name := fmt.Sprintf("child-%d", i+1)
			errs[i] = h.withSession(ctx, func(s treelock.Session) error {
				_, err := h.ops.SafeAdd(ctx, s, ContentionParentPath, name, "")
				return err
			})
			if errs[i] != nil {
				log.Debug("worker failed", "child", name, "error", errs[i])
			}
			return nil
		})
	}
	// Workers keep their failures in errs and never fail the group.
	_ = tr.Wait()
	report.Elapsed = time.Since(start)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	for _, err := range errs {
		if err == nil {
			report.Succeeded++
			continue
		}
		report.Failures[treelock.CodeOf(err)]++
	}

	err := h.withSession(ctx, func(s treelock.Session) error {
		n, err := s.GetNode(ctx, ContentionParentPath)
		if err != nil {
			return err
		}
		report.Children = len(n.Children)
		seen := make(map[string]int, len(n.Children))
		for _, c := range n.Children {
			seen[c]++
			if seen[c] == 2 {
				report.Duplicates = append(report.Duplicates, c)
			}
		}
		report.Corrupted = n.IsCorrupted()
		return nil
	})
	return report, err
}

// ensureContentionParent creates the lockable contention parent when missing.
func (h *Harness) ensureContentionParent(ctx context.Context) error {
	return h.withSession(ctx, func(s treelock.Session) error {
		ok, err := s.NodeExists(ctx, ContentionParentPath)
		if err != nil || ok {
			return err
		}
		if _, err := s.AddNode(ctx, treelock.RootPath, treelock.NameOf(ContentionParentPath), treelock.MixinLockable); err != nil {
			return err
		}
		return s.Save(ctx)
	})
}

// VerifyParentLockable waits, then locks and unlocks the contention parent on a fresh session,
// retrying per the configured policy. Failing means the parent can't be locked any more.
func (h *Harness) VerifyParentLockable(ctx context.Context, wait time.Duration) error {
	if err := h.ensureContentionParent(ctx); err != nil {
		return err
	}
	log.Info("waiting before the final lock/unlock of the parent", "wait", wait, "path", ContentionParentPath)
	treelock.Sleep(ctx, wait)
	if err := ctx.Err(); err != nil {
		return err
	}
	policy, err := h.cfg.RetryPolicy()
	if err != nil {
		return err
	}
	policy.RetryIf = treelock.IsRetryable
	_, err = treelock.Do(ctx, policy, fmt.Sprintf("lock/unlock %s", ContentionParentPath), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.withSession(ctx, func(s treelock.Session) error {
			if _, err := h.locks.Acquire(ctx, s, ContentionParentPath, 0); err != nil {
				return err
			}
			return h.locks.ReleaseOffThread(ctx, s, ContentionParentPath)
		})
	})
	return err
}

// Describe reads the given paths for display.
func (h *Harness) Describe(ctx context.Context, paths []string) ([]treelock.Node, error) {
	var nodes []treelock.Node
	err := h.withSession(ctx, func(s treelock.Session) error {
		nodes = make([]treelock.Node, 0, len(paths))
		for _, p := range paths {
			n, err := s.GetNode(ctx, p)
			if err != nil {
				return err
			}
			nodes = append(nodes, n)
		}
		return nil
	})
	return nodes, err
}
