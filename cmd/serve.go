package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v56/github"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/bgdnvk/bouncer/internal/config"
	"github.com/bgdnvk/bouncer/internal/deployorch"
	"github.com/bgdnvk/bouncer/internal/dispatcher"
	"github.com/bgdnvk/bouncer/internal/executor"
	"github.com/bgdnvk/bouncer/internal/gatewayhttp"
	"github.com/bgdnvk/bouncer/internal/grant"
	"github.com/bgdnvk/bouncer/internal/idgen"
	"github.com/bgdnvk/bouncer/internal/logging"
	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/notifier"
	"github.com/bgdnvk/bouncer/internal/notifier/slacknotifier"
	"github.com/bgdnvk/bouncer/internal/notifier/webhooknotifier"
	"github.com/bgdnvk/bouncer/internal/paging"
	"github.com/bgdnvk/bouncer/internal/pipeline"
	"github.com/bgdnvk/bouncer/internal/ratelimit"
	"github.com/bgdnvk/bouncer/internal/rules"
	"github.com/bgdnvk/bouncer/internal/store"
	"github.com/bgdnvk/bouncer/internal/store/pgstore"
	"github.com/bgdnvk/bouncer/internal/store/sqlstore"
	"github.com/bgdnvk/bouncer/internal/trust"
	"github.com/bgdnvk/bouncer/internal/upload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the approval gateway's HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// backends bundles the four narrow store interfaces a running gateway
// needs. Every StoreDriver wires requests/pages/audit/accounts from the
// same backend; rate/grant/trust sessions stay in-process regardless of
// driver (see DESIGN.md for why sqlite/postgres don't carry those yet).
type backends struct {
	requests store.RequestStore
	pages    store.PageStore
	audit    store.AuditStore
	accounts store.AccountStore
	closer   func() error
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		s, err := sqlstore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &backends{requests: s, pages: s, audit: s, accounts: s, closer: s.Close}, nil
	case "postgres":
		s, err := pgstore.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return &backends{requests: s, pages: s, audit: s, accounts: s, closer: func() error { s.Close(); return nil }}, nil
	default:
		m := store.NewMemStore()
		return &backends{requests: m, pages: m, audit: m, accounts: m, closer: func() error { return nil }}, nil
	}
}

func loadRulesTables(cfg *config.Config) (*rules.Tables, error) {
	if cfg.RulesBlockedPath == "" && cfg.RulesSafelistPath == "" && cfg.RulesDangerPath == "" &&
		cfg.RulesCompliancePath == "" && cfg.RulesRiskPath == "" {
		return rules.Defaults(), nil
	}
	return rules.LoadFiles(cfg.RulesBlockedPath, cfg.RulesSafelistPath, cfg.RulesDangerPath,
		cfg.RulesCompliancePath, cfg.RulesRiskPath)
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	switch cfg.Notifier.Kind {
	case "slack":
		return slacknotifier.New(cfg.Notifier.SlackToken, cfg.Notifier.SlackChannel)
	default:
		return webhooknotifier.New(cfg.Notifier.WebhookURL)
	}
}

// buildDeployOrch wires a github.Client using an oauth2 static token source
// when a token is configured, unauthenticated otherwise. projectSource
// treats project_id as "owner/repo" directly; bouncer has no separate
// project registry.
func buildDeployOrch(cfg *config.Config) *deployorch.Orchestrator {
	var httpClient *http.Client
	if cfg.GitHubToken != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	client := github.NewClient(httpClient)

	projectSource := func(ctx context.Context, projectID string) (string, string, error) {
		owner, repo, ok := strings.Cut(projectID, "/")
		if !ok {
			return "", "", fmt.Errorf("project_id %q must be \"owner/repo\"", projectID)
		}
		return owner, repo, nil
	}

	return deployorch.New(client, projectSource, idgen.RequestID)
}

// core is every collaborator shared between the serve and mcp subcommands,
// built once from the same configuration surface.
type core struct {
	cfg        *config.Config
	log        zerolog.Logger
	be         *backends
	tables     *rules.Tables
	limiter    *ratelimit.Limiter
	trustMgr   *trust.Manager
	grantMgr   *grant.Manager
	exec       *executor.Executor
	notify     notifier.Notifier
	deployOrch *deployorch.Orchestrator
	uploads    *upload.Service
	pager      *paging.Pager
}

func buildCore(ctx context.Context) (*core, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logging.New(os.Stdout, cfg.Debug)

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tables, err := loadRulesTables(cfg)
	if err != nil {
		return nil, fmt.Errorf("load rule tables: %w", err)
	}

	limiter := ratelimit.New(store.NewMemStore(), time.Duration(cfg.Rate.WindowSeconds)*time.Second, cfg.Rate.MaxInWindow)

	trustMgr := trust.NewManager(store.NewMemTrustStore(), trust.Config{
		TTL:         time.Duration(cfg.Trust.TTLMinutes) * time.Minute,
		CommandsMax: cfg.Trust.CommandsMax,
		UploadsMax:  cfg.Trust.UploadsMax,
		BytesMax:    cfg.Trust.BytesMax,
	}, idgen.TrustID)

	grantMgr := grant.NewManager(store.NewMemGrantStore(), tables, grant.Config{
		TTLMaxMinutes: cfg.Grant.TTLMaxMinutes,
		MaxCommands:   cfg.Grant.MaxCommands,
		MaxExecutions: cfg.Grant.MaxExecutions,
	}, idgen.GrantID)

	// accountLookup has no configured region source yet (model.Account
	// carries no region field); every account executes against the
	// gateway's default region until a region field is added.
	accountLookup := func(ctx context.Context, accountID string) (string, string, error) {
		acct, err := be.accounts.GetAccount(ctx, accountID)
		if err != nil {
			return "", "", err
		}
		return acct.RoleARN, "us-east-1", nil
	}

	exec, err := executor.NewFromDefaultConfig(ctx, accountLookup)
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}

	n := buildNotifier(cfg)
	deployOrch := buildDeployOrch(cfg)

	presigner, err := upload.NewS3PresignerFromDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("build upload presigner: %w", err)
	}
	uploadLimiter := ratelimit.New(store.NewMemStore(), time.Duration(cfg.Rate.WindowSeconds)*time.Second, cfg.Rate.MaxInWindow)
	uploads := upload.New(presigner, be.accounts, be.audit, uploadLimiter, n, cfg.Upload.DefaultBucket)

	pager := paging.New(be.pages, cfg.PagingMaxChars, cfg.PagingTTL)

	return &core{
		cfg: cfg, log: log, be: be, tables: tables, limiter: limiter,
		trustMgr: trustMgr, grantMgr: grantMgr, exec: exec, notify: n,
		deployOrch: deployOrch, uploads: uploads, pager: pager,
	}, nil
}

func runServe(ctx context.Context) error {
	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.be.closer()

	// gatewayhttp.Server exposes the pipeline's GrantLookup, but the
	// pipeline must be constructed before the server exists. srv is
	// captured by reference so the closure resolves it once set below.
	var srv *gatewayhttp.Server
	grantLookup := func(ctx context.Context, source, trustScope, accountID, command string) (string, bool) {
		return srv.GrantLookup(ctx, source, trustScope, accountID, command)
	}

	p := pipeline.New(c.be.requests, c.be.audit, c.tables, c.limiter, c.trustMgr, c.grantMgr, grantLookup, c.exec,
		notifier.PipelineAdapter{Inner: c.notify, ButtonSet: notifier.ButtonsStandard}, pipeline.Config{
			DefaultTTL: time.Duration(c.cfg.ApprovalExpirySeconds) * time.Second,
		})

	d := dispatcher.New(c.be.requests, c.be.audit, c.be.accounts, c.tables, c.trustMgr, c.grantMgr, c.exec, c.notify, c.pager, dispatcher.Config{
		ApproverWhitelist: c.cfg.ApproverWhitelist,
		DeployHook: func(ctx context.Context, record *model.ApprovalRequest) error {
			c.deployOrch.Begin(record.ProjectID)
			return nil
		},
	})

	srv = gatewayhttp.New(p, c.uploads, c.pager, c.grantMgr, c.trustMgr, d, c.be.requests, c.be.accounts, c.tables,
		c.notify, c.deployOrch, c.log, gatewayhttp.Config{RequestSecret: c.cfg.RequestSecret, CallbackSecret: c.cfg.CallbackSecret})

	go d.Run(ctx, 30*time.Second, dispatcher.DefaultReconcileGrace)

	httpServer := &http.Server{
		Addr:    c.cfg.HTTPAddr,
		Handler: srv.Routes(),
	}

	c.log.Info().Str("addr", c.cfg.HTTPAddr).Msg("bouncer listening")
	return httpServer.ListenAndServe()
}
