// Command descord-node runs one replica's façade against persistent
// storage, exposing only a Prometheus metrics endpoint; it does not yet
// dial a real libp2p transport (no go-libp2p host implementation ships
// in this module's dependency set, only go-libp2p-core's interfaces —
// see client.Config's PubSub/Table fields), so it runs as an isolated
// replica useful for exercising storage, MLS, and CRDT state across
// restarts. A production deployment supplies a concrete dht.PubSub/dht.DHT
// pair built on a real go-libp2p host.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/descord/core/client"
	"github.com/descord/core/identity"
	"github.com/descord/core/storage"
	"github.com/descord/core/telemetry"
)

var (
	dataDirFlag = &cli.StringFlag{
		Name:  "data-dir",
		Usage: "directory holding this replica's embedded store, blobs, and identity key",
		Value: "./descord-data",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "address to serve Prometheus metrics on",
		Value: "127.0.0.1:9391",
	}
	listenFlag = &cli.StringSliceFlag{
		Name:  "listen",
		Usage: "multiaddrs to listen on once a libp2p transport is wired in",
	}
	bootstrapFlag = &cli.StringSliceFlag{
		Name:  "bootstrap",
		Usage: "multiaddrs of bootstrap peers to dial once a libp2p transport is wired in",
	}
)

func main() {
	app := &cli.App{
		Name:  "descord-node",
		Usage: "run a Descord replica",
		Flags: []cli.Flag{dataDirFlag, metricsAddrFlag, listenFlag, bootstrapFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	log := telemetry.NewLogger()
	dataDir := cliCtx.String(dataDirFlag.Name)

	db, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	keyPath := filepath.Join(dataDir, "identity.key")
	signer, err := identity.LoadOrGenerate(keyPath)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	c, err := client.New(client.Config{
		Signer:  signer,
		Storage: db,
		Log:     log,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	log.WithField("user_id", c.UserId()).
		WithField("data_dir", dataDir).
		WithField("listen", cliCtx.StringSlice(listenFlag.Name)).
		WithField("bootstrap", cliCtx.StringSlice(bootstrapFlag.Name)).
		Info("descord replica starting")

	if err := c.PublishKeyPackages(); err != nil {
		log.WithError(err).Warn("initial key package publish failed")
	}

	metricsAddr := cliCtx.String(metricsAddrFlag.Name)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	log.WithField("addr", metricsAddr).Info("serving metrics")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("descord replica shutting down")
	return server.Close()
}
