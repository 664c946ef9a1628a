package cmd

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"pixeloff/internal/app"
	"pixeloff/internal/metrics"
	"pixeloff/internal/stage"
	"pixeloff/internal/strategy"
	"pixeloff/internal/web"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the browser UI",
	Args:  cobra.NoArgs,
	RunE:  serveRun,
}

func init() {
	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "Listen address (default: from config, 127.0.0.1:8080)")
}

func serveRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.New()
	svc, err := app.FromConfig(cfg, m, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	sweeper, err := stage.NewSweeper(svc.Area(), cfg.Stage.Sweep, cfg.Stage.TTL)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := web.NewServer(svc,
		web.WithCheck(checkFunc(cfg)),
		web.WithInstaller(strategy.InstallBrowsers),
		web.WithMetrics(m.Handler()),
		web.WithDefaultModel(cfg.RemovalModel()),
		web.WithLogger(logger),
	)

	listen := cfg.Server.Listen
	if flagListen != "" {
		listen = flagListen
	}
	fmt.Fprintf(os.Stderr, "PixelOff %s on http://%s (strategies: %v)\n", Version, listen, svc.Strategies())
	return srv.ListenAndServe(ctx, listen)
}
