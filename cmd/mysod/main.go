package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mysofinance/v2-sub001/config"
	"github.com/mysofinance/v2-sub001/native/gateway"
	"github.com/mysofinance/v2-sub001/native/pool"
	"github.com/mysofinance/v2-sub001/native/quote"
	"github.com/mysofinance/v2-sub001/native/vault"
	"github.com/mysofinance/v2-sub001/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	metricsAddr := flag.String("metrics", ":9464", "Listen address for the Prometheus metrics endpoint")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()
	store := storage.NewStore(db)

	registry := quote.NewRegistry()
	registry.SetState(store)
	registry.SetPauses(store)

	verifier := quote.NewVerifier()
	verifier.SetState(store)

	engine := vault.NewEngine()
	engine.SetState(store)
	engine.SetPauses(store)

	gw := gateway.NewGateway(registry, verifier, engine)
	gw.SetState(store)
	gw.SetPauses(store)
	quota, err := cfg.GatewayQuota()
	if err != nil {
		panic(fmt.Sprintf("Failed to resolve gateway quota: %v", err))
	}
	gw.SetQuota(quota)

	poolParams, err := cfg.PoolParams()
	if err != nil {
		panic(fmt.Sprintf("Failed to resolve pool params: %v", err))
	}
	pools := pool.NewEngine(poolParams)
	pools.SetState(store)
	pools.SetPauses(store)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(fmt.Sprintf("Metrics listener failed: %v", err))
		}
	}()
	fmt.Printf("mysod started, metrics on %s\n", *metricsAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	_ = srv.Close()
}
