package cmd

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scalarorg/svm-aptos-relayer/config"
	"github.com/scalarorg/svm-aptos-relayer/internal/relayer"
	"github.com/scalarorg/svm-aptos-relayer/pkg/destination"
	"github.com/scalarorg/svm-aptos-relayer/pkg/events"
	"github.com/scalarorg/svm-aptos-relayer/pkg/monitor"
	"github.com/scalarorg/svm-aptos-relayer/pkg/signer"
	"github.com/scalarorg/svm-aptos-relayer/pkg/source"
	"github.com/scalarorg/svm-aptos-relayer/pkg/store"
)

// exit codes, matching spec.md §6.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitStoreInitFail = 2
	exitRuntimeError  = 3
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "relayer",
		Short: "Solana to Aptos settlement relayer",
		Run:   run,
	}
)

// Execute runs the root command and returns the process exit code the
// caller should pass to os.Exit.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return exitRuntimeError
	}
	return exitCode
}

// exitCode is set by run() since cobra's Run signature has no return value.
var exitCode = exitOK

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML/JSON/TOML config file")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func run(cmd *cobra.Command, args []string) {
	v := viper.GetViper()
	path := configPath
	if path == "" {
		path = v.GetString("config")
	}

	cfg, err := config.Load(v, path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		exitCode = exitConfigError
		return
	}

	config.InitLogger(cfg.Monitor.LogLevel)
	log.Info().
		Str("store_url", cfg.Store.URL).
		Str("signing_key", config.RedactSecret(cfg.Destination.PrivateKey)).
		Msg("relayer: configuration loaded")

	st, err := openStore(cfg.Store.URL)
	if err != nil {
		log.Error().Err(err).Msg("relayer: failed to open store")
		exitCode = exitStoreInitFail
		return
	}
	defer st.Close()

	key, err := decodePrivateKey(cfg.Destination.PrivateKey)
	if err != nil {
		log.Error().Err(err).Msg("relayer: failed to decode destination.private_key")
		exitCode = exitConfigError
		return
	}

	intentTTL := time.Duration(cfg.Processing.IntentTTLSeconds) * time.Second
	sg, err := signer.New(key, intentTTL)
	if err != nil {
		log.Error().Err(err).Msg("relayer: failed to initialize signer")
		exitCode = exitConfigError
		return
	}

	bus := events.New()

	destChain := destination.NewAptosRESTClient(destination.AptosRESTClientConfig{
		BaseURL:       cfg.Destination.RPCURL,
		ModuleAddress: cfg.Destination.ContractAddress,
		ModuleName:    "settlement",
		EntryFunction: "settle",
		IsSettledFn:   "is_settled",
	})

	procCfg := relayer.Config{
		MaxConcurrentSettlements: cfg.Processing.MaxConcurrentSettlements,
		MaxAttempts:              cfg.Processing.RetryAttempts,
		RetryDelay:               time.Duration(cfg.Processing.RetryDelaySeconds) * time.Second,
		IntentExpiry:             intentTTL,
		HealthProbeInterval:      time.Duration(cfg.Processing.HealthProbeIntervalSeconds) * time.Second,
	}

	sourceChain := source.NewSolanaRPCClient(cfg.Source.RPCURL, 10*time.Second)

	// proc is referenced by the monitor's health closures below before it's
	// constructed; both share the processor's Prometheus registry via
	// mon.Metrics() once mon exists.
	var proc *relayer.Processor
	storeHealthy := func() (bool, time.Time) { h := proc.Health(); return h.StoreHealthy, h.CheckedAt }
	sourceHealthy := func() (bool, time.Time) { h := proc.Health(); return h.SourceHealthy, h.CheckedAt }
	destHealthy := func() (bool, time.Time) { h := proc.Health(); return h.DestinationHealthy, h.CheckedAt }

	mon := monitor.New(monitor.Config{
		HealthAddr: fmt.Sprintf(":%d", cfg.Monitor.HealthPort),
		APIAddr:    fmt.Sprintf(":%d", cfg.Monitor.MetricsPort),
	}, st, bus, storeHealthy, sourceHealthy, destHealthy)

	proc = relayer.New(st, sg, destChain, bus, procCfg, relayer.WithSourceChain(sourceChain), relayer.WithMetrics(mon.Metrics()))

	watcher := source.New(sourceChain, proc, st, source.Config{
		Program:      cfg.Source.ProgramID,
		PollInterval: time.Duration(cfg.Source.PollIntervalMs) * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := proc.Start(ctx); err != nil {
		log.Error().Err(err).Msg("relayer: failed to start processor")
		exitCode = exitRuntimeError
		return
	}
	mon.Start(ctx, st, bus)

	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("relayer: watcher stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("relayer: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := proc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("relayer: processor shutdown error")
	}
	if err := mon.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("relayer: monitor shutdown error")
	}
}

func openStore(url string) (store.Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		return store.OpenPostgres(url)
	case strings.HasPrefix(url, "sqlite://"):
		return store.OpenSQLite(strings.TrimPrefix(url, "sqlite://"))
	default:
		return store.OpenSQLite(url)
	}
}

// decodePrivateKey accepts either a 64-byte hex-encoded ed25519 private key
// or a 32-byte hex-encoded seed.
func decodePrivateKey(hexKey string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex encoding: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("unexpected key length %d, want %d (seed) or %d (full key)", len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}
