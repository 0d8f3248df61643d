package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/api"
	"github.com/JakeFAU/crawlengine/internal/config"
	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/engine"
	collyfetcher "github.com/JakeFAU/crawlengine/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/crawlengine/internal/fetcher/headless"
	"github.com/JakeFAU/crawlengine/internal/logging"
	"github.com/JakeFAU/crawlengine/internal/spiders/links"
)

const serverShutdownTimeout = 10 * time.Second

type crawlFlags struct {
	name     string
	seeds    []string
	maxDepth int
	domains  []string
}

// newCrawlCmd creates the 'crawl' subcommand, which runs the bundled link
// spider to completion.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run the link spider",
		Long: `Follows a[href] links from the configured seeds up to the configured
depth, restricted to the allowed domains. Flags override the spider section
of the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := flags.apply(cmd, &cfg); err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&flags.name, "name", "", "spider name")
	cmd.Flags().StringSliceVar(&flags.seeds, "seed", nil, "seed URL (repeatable)")
	cmd.Flags().IntVar(&flags.maxDepth, "max-depth", 0, "maximum link depth")
	cmd.Flags().StringSliceVar(&flags.domains, "allow-domain", nil, "allowed domain (repeatable)")
	return cmd
}

func (f crawlFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("name") {
		cfg.Spider.Name = f.name
	}
	if changed("seed") {
		cfg.Spider.Seeds = f.seeds
	}
	if changed("max-depth") {
		cfg.Spider.MaxDepth = f.maxDepth
	}
	if changed("allow-domain") {
		cfg.Spider.AllowedDomains = f.domains
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Spider.Seeds) == 0 {
		return errors.New("no seeds: set spider.seeds or pass --seed")
	}
	return nil
}

func runCrawl(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging.Development, logging.WithLevel(cfg.Logging.Level))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	transport, closeTransport, err := buildTransport(cfg)
	if err != nil {
		return err
	}
	defer closeTransport()

	eng, err := engine.New(engine.FromConfig(cfg), transport, logger)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	sp, err := links.New(links.Config{
		Name:           cfg.Spider.Name,
		Seeds:          cfg.Spider.Seeds,
		MaxDepth:       cfg.Spider.MaxDepth,
		AllowedDomains: cfg.Spider.AllowedDomains,
		Logger:         logger.Named("links"),
	})
	if err != nil {
		return fmt.Errorf("init spider: %w", err)
	}

	var ready atomic.Bool
	stopServer := func() {}
	if cfg.Server.Enabled {
		stopServer, err = startServer(cfg, eng, ready.Load, logger)
		if err != nil {
			return err
		}
	}
	defer stopServer()

	ready.Store(true)
	err = eng.Run(ctx, sp)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("crawl interrupted", zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("run crawl: %w", err)
	}
	return nil
}

// buildTransport selects the transport named by fetch.transport. The
// returned close func releases browser resources.
func buildTransport(cfg config.Config) (crawler.Transport, func(), error) {
	switch cfg.Fetch.Transport {
	case config.TransportHeadless:
		tr, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.NavTimeout(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init headless transport: %w", err)
		}
		return tr, tr.Close, nil
	case config.TransportNoop:
		return headlessfetcher.NewNoop(), func() {}, nil
	default:
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: cfg.Fetch.RespectRobots,
			Timeout:       cfg.FetchTimeout(),
		}), func() {}, nil
	}
}

func startServer(cfg config.Config, eng *engine.Engine, ready func() bool, logger *zap.Logger) (func(), error) {
	apiServer, err := api.NewServer(eng.Manager(), eng.Registry(),
		api.WithLogger(logger.Named("api")),
		api.WithStats(eng),
		api.WithReadiness(ready),
	)
	if err != nil {
		return nil, fmt.Errorf("init api server: %w", err)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}, nil
}
