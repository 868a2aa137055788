// Package cmd implements the multisocks CLI using Cobra, adapted from the
// teacher's cmd/root.go (flag layout, signal handling, startup banner).
package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drsoft-oss/multisocks/internal/api"
	"github.com/drsoft-oss/multisocks/internal/bandwidth"
	"github.com/drsoft-oss/multisocks/internal/config"
	"github.com/drsoft-oss/multisocks/internal/descriptor"
	"github.com/drsoft-oss/multisocks/internal/errs"
	"github.com/drsoft-oss/multisocks/internal/events"
	"github.com/drsoft-oss/multisocks/internal/health"
	"github.com/drsoft-oss/multisocks/internal/optimizer"
	"github.com/drsoft-oss/multisocks/internal/pool"
	"github.com/drsoft-oss/multisocks/internal/socksserver"
	"github.com/drsoft-oss/multisocks/internal/upstream"
)

// version is injected at build time via ldflags.
var version = "dev"

var (
	flagHost string
	flagPort int

	flagProxies []string
	flagFile    string

	flagDebug bool

	flagAutoOptimize       bool
	flagOptimizeInterval   string
	flagContinuousInterval string
	flagMaxProxies         int

	flagAPIAddr string
)

var rootCmd = &cobra.Command{
	Use:   "multisocks",
	Short: "Local SOCKS proxy that aggregates a pool of upstream SOCKS proxies",
	Long: `multisocks — a local SOCKS4/4a/5/5h proxy server.

It listens for SOCKS connections from your application and dispatches each
one through a weighted pool of upstream SOCKS proxies, picked by health and
(optionally) bandwidth-driven sizing of the active set.

Proxy descriptors may be given inline (repeated --proxies/-x) or loaded from
a file (--file, one descriptor string per line). Exactly one of the two
must be supplied.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()

	f.StringVar(&flagHost, "host", "127.0.0.1", "Local SOCKS listen host")
	f.IntVar(&flagPort, "port", 1080, "Local SOCKS listen port")

	f.StringSliceVarP(&flagProxies, "proxies", "x", nil, "Upstream proxy descriptor string (repeatable): scheme://[user:pass@]host:port[/weight]")
	f.StringVar(&flagFile, "file", "", "Path to a file of proxy descriptor strings, one per line")

	f.BoolVar(&flagDebug, "debug", false, "Enable verbose logging")

	f.BoolVar(&flagAutoOptimize, "auto-optimize", false, "Enable bandwidth-driven active-set optimization")
	f.StringVar(&flagOptimizeInterval, "optimize-interval", "600s", "Interval between coarse optimization passes")
	f.StringVar(&flagContinuousInterval, "continuous-interval", "60s", "Interval of the continuous bandwidth-measurement loop")
	f.IntVar(&flagMaxProxies, "max-proxies", 100, "Upper bound on the active-set size regardless of measured bandwidth")

	f.StringVar(&flagAPIAddr, "api-addr", "127.0.0.1:9090", "Management API listen address")
}

func run(_ *cobra.Command, _ []string) error {
	if flagDebug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	keys, err := loadDescriptorKeys()
	if err != nil {
		return err
	}

	optimizeInterval, err := time.ParseDuration(flagOptimizeInterval)
	if err != nil {
		return fmt.Errorf("--optimize-interval: %w: %w", errs.ErrConfigInvalid, err)
	}
	continuousInterval, err := time.ParseDuration(flagContinuousInterval)
	if err != nil {
		return fmt.Errorf("--continuous-interval: %w: %w", errs.ErrConfigInvalid, err)
	}

	descriptors := make([]*descriptor.Descriptor, 0, len(keys))
	for _, k := range keys {
		descriptors = append(descriptors, descriptor.New(k))
	}

	p, err := pool.New(descriptors)
	if err != nil {
		return fmt.Errorf("init pool: %w", err)
	}
	log.Printf("[init] loaded %d upstream proxies", p.Len())

	connector := upstream.NewConnector()
	bus := events.New()
	tester := bandwidth.New(flagMaxProxies, bus)
	opt := optimizer.New(p, connector, tester, bus)

	ticks := int(optimizeInterval / health.DefaultInterval)
	if ticks < 1 {
		ticks = 1
	}
	prober := health.New(p, connector, opt, health.Config{
		AutoOptimize:  flagAutoOptimize,
		OptimizeEvery: ticks,
	})

	log.Println("[init] running initial health probe pass (background)")
	go prober.RunOnce(context.Background())
	prober.Start()
	defer prober.Stop()

	if flagAutoOptimize {
		go opt.RunContinuous(continuousInterval)
		defer opt.Stop()
	}

	apiSrv := api.New(flagAPIAddr, p, opt)
	go func() {
		log.Printf("[init] management API listening on http://%s", flagAPIAddr)
		if err := apiSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server stopped: %v", err)
		}
	}()
	defer apiSrv.Stop()

	listenAddr := fmt.Sprintf("%s:%d", flagHost, flagPort)
	srv := socksserver.New(socksserver.Config{ListenAddr: listenAddr}, p, connector)

	printBanner(listenAddr, flagAPIAddr, p)

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[init] received %s — shutting down", sig)
	case err := <-srvErr:
		if err != nil {
			log.Printf("[init] socks server error: %v", err)
		}
	}

	return srv.Stop()
}

func loadDescriptorKeys() ([]descriptor.Key, error) {
	inline := len(flagProxies) > 0
	fromFile := flagFile != ""

	if inline == fromFile {
		return nil, fmt.Errorf("%w: exactly one of --proxies or --file must be supplied", errs.ErrConfigInvalid)
	}

	if fromFile {
		return config.LoadProxyFile(flagFile)
	}

	keys := make([]descriptor.Key, 0, len(flagProxies))
	for _, raw := range flagProxies {
		k, err := config.ParseProxyString(raw)
		if err != nil {
			return nil, fmt.Errorf("--proxies %q: %w", raw, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func printBanner(listenAddr, apiAddr string, p *pool.Pool) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════════════╗
║                      multisocks %s
╠══════════════════════════════════════════════════════════════╣
║  SOCKS listen : %s
║  API server   : http://%s
║  Pool         : %d proxies (%d alive)
╠══════════════════════════════════════════════════════════════╣
║  API endpoints:
║    GET  http://%s/pool
║    GET  http://%s/active
║    POST http://%s/optimize
║    GET  http://%s/healthz
║    GET  http://%s/metrics
╚══════════════════════════════════════════════════════════════╝

`, padRight(version, 44),
		padRight(listenAddr, 46),
		padRight(apiAddr, 44),
		p.Len(), p.AliveLen(),
		apiAddr, apiAddr, apiAddr, apiAddr, apiAddr,
	)
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
