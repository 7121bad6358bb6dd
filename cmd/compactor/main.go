package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/hummock/pkg/compactor"
	"github.com/cuemby/hummock/pkg/config"
	"github.com/cuemby/hummock/pkg/log"
	"github.com/cuemby/hummock/pkg/memlimiter"
	"github.com/cuemby/hummock/pkg/metrics"
	"github.com/cuemby/hummock/pkg/rpc"
	"github.com/cuemby/hummock/pkg/security"
	"github.com/cuemby/hummock/pkg/sstable"
	"github.com/cuemby/hummock/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "compactor",
	Short:   "Hummock compactor: pulls and executes compaction tasks from a meta node",
	Version: Version,
	RunE:    runCompactor,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("compactor version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to config file (YAML)")
	rootCmd.Flags().Uint32("context-id", 0, "This compactor's unique context id")
	rootCmd.Flags().String("meta-addr", "", "Meta node control-plane RPC address")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runCompactor(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if contextID, _ := cmd.Flags().GetUint32("context-id"); contextID != 0 {
		cfg.Compactor.ContextID = contextID
	}
	if metaAddr, _ := cmd.Flags().GetString("meta-addr"); metaAddr != "" {
		cfg.Compactor.MetaAddr = metaAddr
	}
	if cfg.Compactor.ContextID == 0 {
		return fmt.Errorf("--context-id (or config compactor.context_id) is required")
	}

	ctx := context.Background()
	contextID := types.ContextID(cfg.Compactor.ContextID)

	fmt.Println("Starting Hummock compactor...")
	fmt.Printf("  Context ID: %d\n", contextID)
	fmt.Printf("  Meta Address: %s\n", cfg.Compactor.MetaAddr)
	fmt.Println()

	certDir, err := security.GetCertDir("compactor", fmt.Sprint(contextID))
	if err != nil {
		return fmt.Errorf("resolve cert dir: %w", err)
	}
	if !security.CertExists(certDir) {
		return fmt.Errorf("no certificate at %s - run 'hmctl cluster issue-cert --node-type compactor --node-id %d' against the meta node's data directory first", certDir, contextID)
	}

	client, err := rpc.Dial(ctx, cfg.Compactor.MetaAddr, certDir)
	if err != nil {
		return fmt.Errorf("dial meta node: %w", err)
	}
	defer client.Close()
	fmt.Println("✓ Connected to meta node")

	objects, err := config.BuildObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("build object store: %w", err)
	}
	sstStore, err := sstable.New(objects, sstable.Config{
		MetaCacheCapacity:  cfg.SSTable.MetaCacheCapacity,
		BlockCacheCapacity: cfg.SSTable.BlockCacheCapacity,
		TierDir:            cfg.SSTable.TierDir,
		TierCapacityBytes:  cfg.SSTable.TierCapacityBytes,
	})
	if err != nil {
		return fmt.Errorf("create sst store: %w", err)
	}
	fmt.Println("✓ SST store ready")

	limiter := memlimiter.New(cfg.Compactor.MemoryLimitBytes)
	runner := compactor.NewRunner(contextID, client, sstStore, limiter, cfg.Compactor.CompressionAlgorithm)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", cfg.Metrics.Addr)

	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go runWithReconnect(runCtx, runner, errCh)

	fmt.Println()
	fmt.Println("Compactor is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}
	cancel()
	fmt.Println("✓ Shutdown complete")
	return nil
}

// runWithReconnect keeps Run alive across stream drops (meta node
// restarts, network blips), backing off briefly between attempts, and
// returns once ctx itself is done. It never sends on errCh.
func runWithReconnect(ctx context.Context, runner *compactor.Runner, errCh chan<- error) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := runner.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("compactor stream ended, reconnecting", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}
