package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chansync-io/chansync-ce/internal/apply"
	"github.com/chansync-io/chansync-ce/internal/chat"
	"github.com/chansync-io/chansync-ce/internal/config"
	"github.com/chansync-io/chansync-ce/internal/fingerprint"
	"github.com/chansync-io/chansync-ce/internal/metrics"
	"github.com/chansync-io/chansync-ce/internal/model"
	"github.com/chansync-io/chansync-ce/internal/photo"
	"github.com/chansync-io/chansync-ce/internal/plan"
	"github.com/chansync-io/chansync-ce/internal/remote"
	"github.com/chansync-io/chansync-ce/internal/scim"
	"github.com/chansync-io/chansync-ce/internal/shell"
	"github.com/chansync-io/chansync-ce/internal/spec"
	"github.com/chansync-io/chansync-ce/internal/state"
	"github.com/chansync-io/chansync-ce/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "chansync",
	Short: "Declarative workspace reconciliation for users, groups and channels",
	Long: `chansync reconciles a declared desired state for a group-communication
workspace against the live state of its directory and messaging APIs.

Each run loads the specification document, resolves the current remote
state, computes the minimal ordered plan to converge the two, and
applies it one operation at a time.`,
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	specFlag      string
	configFlag    string
	tokenFlag     string
	workspaceFlag string
	varFlags      []string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&specFlag, "spec", "", "Path of the specification document")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path of an optional tool config file")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Workspace API credential (overrides spec and environment)")
	rootCmd.PersistentFlags().StringVar(&workspaceFlag, "workspace", "", "Workspace base URL (overrides spec and environment)")
	rootCmd.PersistentFlags().StringArrayVar(&varFlags, "var", nil, "Template variable binding KEY=VALUE (repeatable)")

	listCmd.AddCommand(listUsersCmd, listGroupsCmd, listChannelsCmd)
	usersCmd.AddCommand(usersListCmd, usersSyncCmd, usersDeactivateCmd)
	channelsCmd.AddCommand(channelsListCmd, channelsSyncCmd)
	rootCmd.AddCommand(validateCmd, listCmd, syncCmd, usersCmd, channelsCmd, shellCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.SetFlags(0)
		log.Fatalf("chansync: %v", err)
	}
}

// runContext returns a context cancelled on SIGINT/SIGTERM, so a sync
// aborts at the next operation boundary.
func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cliVars() (map[string]string, error) {
	vars := make(map[string]string, len(varFlags))
	for _, kv := range varFlags {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q, expected KEY=VALUE", kv)
		}
		vars[k] = v
	}
	return vars, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	if specFlag != "" {
		cfg.Spec = specFlag
	}
	if tokenFlag != "" {
		cfg.Token = tokenFlag
	}
	if workspaceFlag != "" {
		cfg.Workspace = workspaceFlag
	}
	return cfg, nil
}

// loadSpec parses and compiles the specification document, folding the
// tool config's credential and workspace into the compiled settings.
func loadSpec(cfg *config.Config) (*model.Specification, error) {
	vars, err := cliVars()
	if err != nil {
		return nil, err
	}
	doc, err := spec.ParseFile(cfg.Spec, vars)
	if err != nil {
		return nil, err
	}
	compiled, err := doc.Compile()
	if err != nil {
		return nil, err
	}
	if cfg.Token != "" {
		compiled.Settings.Token = cfg.Token
	}
	if cfg.Workspace != "" {
		compiled.Settings.Workspace = cfg.Workspace
	}
	return compiled, nil
}

func retryPolicy(cfg *config.Config) remote.RetryPolicy {
	p := remote.DefaultRetryPolicy()
	if cfg.Retry.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay > 0 {
		p.BaseDelay = cfg.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		p.MaxDelay = cfg.Retry.MaxDelay
	}
	if cfg.Retry.Jitter > 0 {
		p.Jitter = cfg.Retry.Jitter
	}
	return p
}

func clients(cfg *config.Config, compiled *model.Specification) (*scim.Client, *chat.Client, error) {
	workspace := compiled.Settings.Workspace
	token := compiled.Settings.Token
	if workspace == "" {
		return nil, nil, fmt.Errorf("no workspace URL configured (--workspace, settings.workspace, or CHANSYNC_WORKSPACE)")
	}
	if token == "" {
		return nil, nil, fmt.Errorf("no API credential configured (--token, settings.token, or CHANSYNC_TOKEN)")
	}
	retry := retryPolicy(cfg)
	return scim.New(workspace, token, retry), chat.New(workspace, token, retry), nil
}

func fetchSnapshot(ctx context.Context, cfg *config.Config, compiled *model.Specification) (*model.Snapshot, *scim.Client, *chat.Client, error) {
	directory, messaging, err := clients(cfg, compiled)
	if err != nil {
		return nil, nil, nil, err
	}
	resolver := state.NewResolver(directory, messaging)
	if cfg.Avatars.Classify {
		resolver = resolver.WithAvatarClassifier(photo.NewClassifier())
	}
	snap, err := resolver.Fetch(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return snap, directory, messaging, nil
}

func openFingerprints(cfg *config.Config) *fingerprint.Store {
	if cfg.Fingerprints.Path == "" {
		return nil
	}
	store, err := fingerprint.Open(cfg.Fingerprints.Path)
	if err != nil {
		log.Printf("fingerprint store unavailable, falling back to heuristic: %v", err)
		return nil
	}
	return store
}

func buildPlan(snap *model.Snapshot, compiled *model.Specification, store *fingerprint.Store) (*plan.Plan, error) {
	builder := &plan.Builder{}
	if store != nil {
		builder.Fingerprints = store
	}
	p, err := builder.Build(compiled, snap)
	if err != nil {
		return nil, err
	}
	for _, conflict := range p.Conflicts {
		log.Printf("skipping: %v", conflict)
	}
	return p, nil
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and compile the specification without touching the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		compiled, err := loadSpec(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d users, %d groups, %d channels\n",
			cfg.Spec, len(compiled.Users), len(compiled.Groups), len(compiled.Channels))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List resolved entities from the specification",
}

var listUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List resolved users",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSpec(func(compiled *model.Specification) error {
			for _, key := range compiled.UserKeys() {
				fmt.Println(key)
			}
			return nil
		})
	},
}

var listGroupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List resolved groups and their member counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSpec(func(compiled *model.Specification) error {
			for _, name := range compiled.GroupNames() {
				g := compiled.Groups[name]
				fmt.Printf("%s\t%d\n", g.Name, len(g.MemberKeys))
			}
			return nil
		})
	},
}

var listChannelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List resolved channels and their member counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSpec(func(compiled *model.Specification) error {
			for _, name := range compiled.ChannelNames() {
				ch := compiled.Channels[name]
				fmt.Printf("%s\t%d\n", ch.Name, len(ch.MemberKeys))
			}
			return nil
		})
	},
}

func withSpec(fn func(*model.Specification) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	compiled, err := loadSpec(cfg)
	if err != nil {
		return err
	}
	return fn(compiled)
}

var (
	dryRunFlag      bool
	metricsAddrFlag string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the workspace with the specification",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(syncScopeAll)
	},
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, usersSyncCmd, usersDeactivateCmd, channelsSyncCmd} {
		c.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Compute and print the plan without applying it")
	}
	syncCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", "", "Expose Prometheus metrics on this address while syncing")
}

type syncScope int

const (
	syncScopeAll syncScope = iota
	syncScopeUsers
	syncScopeChannels
	syncScopeDeactivate
)

// inScope filters the full plan down to the subcommand's operations.
func inScope(scope syncScope, op plan.Operation) bool {
	switch scope {
	case syncScopeUsers:
		switch op.Kind {
		case plan.CreateUser, plan.UpdateUserField, plan.ActivateUser,
			plan.DeactivateUser, plan.SetUserPhoto:
			return true
		}
		return false
	case syncScopeChannels:
		switch op.Kind {
		case plan.CreateChannel, plan.SetChannelPolicy,
			plan.AddChannelMember, plan.RemoveChannelMember:
			return true
		}
		return false
	case syncScopeDeactivate:
		return op.Kind == plan.DeactivateUser
	}
	return true
}

func runSync(scope syncScope) error {
	ctx, cancel := runContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if metricsAddrFlag != "" {
		cfg.Metrics.Addr = metricsAddrFlag
	}
	if cfg.Metrics.Addr != "" {
		errc := metrics.Serve(cfg.Metrics.Addr)
		select {
		case err := <-errc:
			return fmt.Errorf("metrics listener: %w", err)
		default:
		}
	}

	compiled, err := loadSpec(cfg)
	if err != nil {
		return err
	}

	snap, directory, messaging, err := fetchSnapshot(ctx, cfg, compiled)
	if err != nil {
		return err
	}

	store := openFingerprints(cfg)
	if store != nil {
		defer store.Close()
	}
	p, err := buildPlan(snap, compiled, store)
	if err != nil {
		return err
	}

	if scope != syncScopeAll {
		filtered := &plan.Plan{Conflicts: p.Conflicts}
		for _, op := range p.Operations {
			if inScope(scope, op) {
				filtered.Operations = append(filtered.Operations, op)
			}
		}
		p = filtered
	}

	if p.Empty() {
		fmt.Println("nothing to do")
		return nil
	}

	if dryRunFlag {
		fmt.Println(p.Summary())
		recorder := &apply.Recorder{}
		runner := &apply.Runner{Directory: recorder, Messaging: recorder}
		if _, err := runner.Run(ctx, compiled, snap, p); err != nil {
			return err
		}
		fmt.Printf("dry run: %d operations\n", len(p.Operations))
		return nil
	}

	// Report files are a side effect of a real run, not of a preview.
	if err := spec.WriteAlternateEmails(compiled); err != nil {
		return err
	}

	runner := &apply.Runner{Directory: directory, Messaging: messaging}
	if store != nil {
		runner.Fingerprints = store
	}
	report, err := runner.Run(ctx, compiled, snap, p)
	if err != nil {
		return fmt.Errorf("%w (%d of %d operations applied)", err, report.Applied, len(p.Operations))
	}
	fmt.Printf("applied %d operations\n", report.Applied)
	return nil
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "User-scoped operations",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remote users as currently provisioned",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := runContext()
		defer cancel()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		compiled, err := loadSpec(cfg)
		if err != nil {
			return err
		}
		snap, _, _, err := fetchSnapshot(ctx, cfg, compiled)
		if err != nil {
			return err
		}
		for _, email := range snap.UserEmails() {
			u, _ := snap.UserByEmail(email)
			status := "active"
			if !u.Active {
				status = "inactive"
			}
			fmt.Printf("%s\t%s\n", email, status)
		}
		return nil
	},
}

var usersSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Apply only user operations from the plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(syncScopeUsers)
	},
}

var usersDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Deactivate remote users absent from the specification",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(syncScopeDeactivate)
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Channel-scoped operations",
}

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remote channels as currently provisioned",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := runContext()
		defer cancel()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		compiled, err := loadSpec(cfg)
		if err != nil {
			return err
		}
		snap, _, _, err := fetchSnapshot(ctx, cfg, compiled)
		if err != nil {
			return err
		}
		for _, name := range snap.ChannelNames() {
			ch, _ := snap.Channel(name)
			visibility := "public"
			if ch.Private {
				visibility = "private"
			}
			fmt.Printf("%s\t%s\t%d members\n", name, visibility, len(ch.MemberIDs))
		}
		return nil
	},
}

var channelsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Apply only channel operations from the plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(syncScopeChannels)
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive queries against the resolved specification",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := runContext()
		defer cancel()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		compiled, err := loadSpec(cfg)
		if err != nil {
			return err
		}
		sh := &shell.Shell{Spec: compiled}
		if compiled.Settings.Token != "" && compiled.Settings.Workspace != "" {
			sh.Plan = func(ctx context.Context) (*plan.Plan, error) {
				snap, _, _, err := fetchSnapshot(ctx, cfg, compiled)
				if err != nil {
					return nil, err
				}
				store := openFingerprints(cfg)
				if store != nil {
					defer store.Close()
				}
				return buildPlan(snap, compiled, store)
			}
		}
		return sh.Run(ctx, os.Stdin, os.Stdout)
	},
}
