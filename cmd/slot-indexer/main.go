package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/slot-indexer/internal/config"
	"github.com/withObsrvr/slot-indexer/internal/logging"
	"github.com/withObsrvr/slot-indexer/internal/metrics"
	"github.com/withObsrvr/slot-indexer/internal/state"
	"github.com/withObsrvr/slot-indexer/internal/storage"
)

// Version information (set via ldflags)
var (
	Version = "dev"
	GitSHA  = "unknown"
)

const metricsNamespace = "slot_indexer"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "slot-indexer",
	Short:         "Slot indexer: collect raw blocks, parse them to columnar files, partition the output",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	for _, register := range []func(*cobra.Command){
		registerCollect,
		registerParse,
		registerValidate,
		registerGaps,
	} {
		register(rootCmd)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] slot-indexer %s (%s)", Version, GitSHA)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("[main] %v", err)
	}
}

// env is what every subcommand needs: the loaded config, a context
// cancelled on SIGINT/SIGTERM, and both buckets.
type env struct {
	cfg   config.Config
	data  storage.ObjectStore
	state *state.Store
	close func()
}

// setup loads the config, installs logging and metrics, and opens the data
// and state stores.
func setup(ctx context.Context, stage string) (*env, error) {
	cfg := config.MustLoad(cfgFile)
	logging.Setup(cfg.Log)

	if cfg.Metrics.Enabled {
		metrics.Init(metricsNamespace)
		go func() {
			log.Printf("[main] metrics server listening on %s", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Printf("[main] WARNING: metrics server failed: %v", err)
			}
		}()
	}

	data, err := storage.NewObjectStore(ctx, cfg.Storage.Data)
	if err != nil {
		return nil, err
	}
	stateObjects, err := storage.NewObjectStore(ctx, cfg.Storage.State)
	if err != nil {
		data.Close()
		return nil, err
	}

	log.Printf("[main] %s: data=%s state=%s", stage, cfg.Storage.Data.Backend, cfg.Storage.State.Backend)
	return &env{
		cfg:   cfg,
		data:  data,
		state: state.New(stateObjects),
		close: func() {
			data.Close()
			stateObjects.Close()
		},
	}, nil
}

// runUntilSignal runs fn with a context cancelled on SIGINT or SIGTERM and
// treats a shutdown-induced error as a clean stop.
func runUntilSignal(stage string, fn func(ctx context.Context, e *env) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, stage)
	if err != nil {
		return err
	}
	defer e.close()

	if err := fn(ctx, e); err != nil {
		if ctx.Err() == nil {
			return err
		}
		log.Printf("[main] %s stopped with error during shutdown: %v", stage, err)
	}

	log.Printf("[main] %s stopped cleanly", stage)
	time.Sleep(100 * time.Millisecond)
	return nil
}
