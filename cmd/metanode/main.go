package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/hummock/pkg/config"
	"github.com/cuemby/hummock/pkg/log"
	"github.com/cuemby/hummock/pkg/manager"
	"github.com/cuemby/hummock/pkg/metrics"
	"github.com/cuemby/hummock/pkg/reconciler"
	"github.com/cuemby/hummock/pkg/rpc"
	"github.com/cuemby/hummock/pkg/scheduler"
	"github.com/cuemby/hummock/pkg/security"
	"github.com/cuemby/hummock/pkg/sstable"
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
	Use:     "metanode",
	Short:   "Hummock meta node: version manager, compaction scheduler and control-plane RPC",
	Version: Version,
	RunE:    runMetanode,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("metanode version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to config file (YAML)")
	rootCmd.Flags().String("node-id", "", "This node's unique id")
	rootCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-node cluster")
	rootCmd.Flags().Bool("join", false, "Join an existing cluster whose leader has already added this node as a voter (joining is also the default when --bootstrap is not set)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runMetanode(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if nodeID, _ := cmd.Flags().GetString("node-id"); nodeID != "" {
		cfg.NodeID = nodeID
	}
	if bootstrap, _ := cmd.Flags().GetBool("bootstrap"); bootstrap {
		cfg.Bootstrap = true
	}
	if cfg.NodeID == "" {
		return fmt.Errorf("--node-id (or config node_id) is required")
	}

	ctx := context.Background()

	fmt.Println("Starting Hummock meta node...")
	fmt.Printf("  Node ID: %s\n", cfg.NodeID)
	fmt.Printf("  Raft Address: %s\n", cfg.BindAddr)
	fmt.Printf("  RPC Address: %s\n", cfg.RPC.Addr)
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Println()

	mgr, err := manager.New(&manager.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	if cfg.Bootstrap {
		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		fmt.Println("✓ Cluster bootstrapped")
	} else {
		if err := mgr.JoinExisting(); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		fmt.Println("✓ Joined existing cluster")
	}

	if err := ensureClusterCerts(cfg, mgr); err != nil {
		return fmt.Errorf("ensure certificates: %w", err)
	}
	fmt.Println("✓ Control-plane certificate ready")

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

	svc := rpc.NewService(mgr, log.WithComponent("rpc"))
	server, err := rpc.NewServer(mgr, svc, cfg.RPC.NodeType, cfg.NodeID, log.WithComponent("rpc"))
	if err != nil {
		return fmt.Errorf("create rpc server: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.RPC.Addr); err != nil {
			errCh <- fmt.Errorf("rpc server error: %w", err)
		}
	}()
	fmt.Printf("✓ Control-plane RPC listening on %s\n", cfg.RPC.Addr)

	sched := scheduler.New(mgr, svc)
	sched.Start(ctx)
	fmt.Println("✓ Compaction scheduler started")

	recon := reconciler.New(mgr, sstStore, cfg.Reconciler.Interval)
	recon.Start()
	fmt.Println("✓ Reconciler started")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", cfg.Metrics.Addr)
	fmt.Println()
	fmt.Println("Meta node is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	sched.Stop()
	recon.Stop()
	server.Stop()
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}

// ensureClusterCerts issues this node's mTLS certificate on first boot.
// A bootstrapping node initializes a brand-new CA; a node joining an
// existing cluster is expected to already have one provisioned by an
// operator via hmctl, since only the current CA holder can sign new
// node certs.
func ensureClusterCerts(cfg *config.Config, mgr *manager.Manager) error {
	ca := security.NewCertAuthority(mgr.Store())

	if err := ca.LoadFromStore(); err != nil {
		if !cfg.Bootstrap {
			return fmt.Errorf("load cluster CA (run bootstrap on the first node first): %w", err)
		}
		if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(cfg.ClusterID)); err != nil {
			return fmt.Errorf("set cluster encryption key: %w", err)
		}
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initialize cluster CA: %w", err)
		}
		if err := ca.SaveToStore(); err != nil {
			return fmt.Errorf("save cluster CA: %w", err)
		}
	}

	host, _, err := net.SplitHostPort(cfg.RPC.Addr)
	if err != nil {
		host = cfg.RPC.Addr
	}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	}
	_, err = security.EnsureNodeCert(ca, cfg.RPC.NodeType, cfg.NodeID, []string{host}, ips)
	return err
}
