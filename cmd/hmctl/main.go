package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/cuemby/hummock/pkg/metastore"
	"github.com/cuemby/hummock/pkg/rpc"
	"github.com/cuemby/hummock/pkg/security"
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
	Use:     "hmctl",
	Short:   "hmctl administers a Hummock cluster's version manager and compaction scheduler",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("hmctl version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("meta-addr", "127.0.0.1:7001", "Meta node control-plane RPC address")
	rootCmd.PersistentFlags().String("cert-dir", "", "Directory holding this CLI's client certificate (defaults to the standard CLI cert location)")

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func dial(cmd *cobra.Command) (*rpc.Client, error) {
	metaAddr, _ := cmd.Flags().GetString("meta-addr")
	certDir, _ := cmd.Flags().GetString("cert-dir")
	if certDir == "" {
		d, err := security.GetCLICertDir()
		if err != nil {
			return nil, fmt.Errorf("resolve CLI cert dir: %w", err)
		}
		certDir = d
	}
	return rpc.Dial(context.Background(), metaAddr, certDir)
}

// cluster — local, data-dir-level commands that bring up the cluster's
// CA before any meta node has a certificate to serve with.

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Bootstrap cluster-level trust material",
}

var clusterInitCertsCmd = &cobra.Command{
	Use:   "init-certs",
	Short: "Initialize a new cluster CA and issue the first meta node's and this CLI's certificates",
	Long: `Run once, on the machine that will hold the meta node's data directory,
before starting metanode for the first time. It generates a new root CA,
persists it (encrypted) to the meta store, and issues certificates for
the bootstrap meta node and for this CLI.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		clusterID, _ := cmd.Flags().GetString("cluster-id")
		nodeID, _ := cmd.Flags().GetString("node-id")
		rpcAddr, _ := cmd.Flags().GetString("rpc-addr")

		store, err := metastore.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open meta store: %w", err)
		}
		defer store.Close()

		if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)); err != nil {
			return fmt.Errorf("set cluster encryption key: %w", err)
		}

		ca := security.NewCertAuthority(store)
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initialize CA: %w", err)
		}
		if err := ca.SaveToStore(); err != nil {
			return fmt.Errorf("save CA: %w", err)
		}
		fmt.Println("✓ Cluster CA initialized")

		host, _, err := net.SplitHostPort(rpcAddr)
		if err != nil {
			host = rpcAddr
		}
		var ips []net.IP
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
		}
		nodeCertDir, err := security.EnsureNodeCert(ca, "manager", nodeID, []string{host}, ips)
		if err != nil {
			return fmt.Errorf("issue meta node certificate: %w", err)
		}
		fmt.Printf("✓ Meta node certificate: %s\n", nodeCertDir)

		cliCertDir, err := security.GetCLICertDir()
		if err != nil {
			return fmt.Errorf("resolve CLI cert dir: %w", err)
		}
		cliCert, err := ca.IssueClientCertificate("admin")
		if err != nil {
			return fmt.Errorf("issue CLI certificate: %w", err)
		}
		if err := security.SaveCertToFile(cliCert, cliCertDir); err != nil {
			return fmt.Errorf("save CLI certificate: %w", err)
		}
		if err := security.SaveCACertToFile(ca.GetRootCACert(), cliCertDir); err != nil {
			return fmt.Errorf("save CLI CA certificate: %w", err)
		}
		fmt.Printf("✓ CLI certificate: %s\n", cliCertDir)
		return nil
	},
}

func init() {
	clusterInitCertsCmd.Flags().String("data-dir", ".hummock/data", "Meta node data directory")
	clusterInitCertsCmd.Flags().String("cluster-id", "default", "Stable cluster identifier used to derive the meta store's encryption key")
	clusterInitCertsCmd.Flags().String("node-id", "", "Bootstrap meta node's id")
	clusterInitCertsCmd.Flags().String("rpc-addr", "127.0.0.1:7001", "Bootstrap meta node's RPC address")
	clusterInitCertsCmd.MarkFlagRequired("node-id")
	clusterCmd.AddCommand(clusterInitCertsCmd)
}

var clusterIssueCertCmd = &cobra.Command{
	Use:   "issue-cert",
	Short: "Issue a certificate for a non-meta node (compactor, CLI) against an existing cluster CA",
	Long: `Run against the meta node's data directory (locally, or on a copy of it)
to issue a certificate for a node that has no other way to request one over
the wire, such as a compactor. The cluster CA must already have been created
with 'cluster init-certs'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		clusterID, _ := cmd.Flags().GetString("cluster-id")
		nodeType, _ := cmd.Flags().GetString("node-type")
		nodeID, _ := cmd.Flags().GetString("node-id")

		store, err := metastore.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open meta store: %w", err)
		}
		defer store.Close()

		if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)); err != nil {
			return fmt.Errorf("set cluster encryption key: %w", err)
		}

		ca := security.NewCertAuthority(store)
		if err := ca.LoadFromStore(); err != nil {
			return fmt.Errorf("load cluster CA (run 'cluster init-certs' first): %w", err)
		}

		certDir, err := security.EnsureNodeCert(ca, nodeType, nodeID, nil, nil)
		if err != nil {
			return fmt.Errorf("issue %s certificate: %w", nodeType, err)
		}
		fmt.Printf("✓ %s certificate: %s\n", nodeType, certDir)
		return nil
	},
}

func init() {
	clusterIssueCertCmd.Flags().String("data-dir", ".hummock/data", "Meta node data directory holding the cluster CA")
	clusterIssueCertCmd.Flags().String("cluster-id", "default", "Stable cluster identifier used to derive the meta store's encryption key")
	clusterIssueCertCmd.Flags().String("node-type", "", "Node type the certificate identifies (e.g. compactor)")
	clusterIssueCertCmd.Flags().String("node-id", "", "Node id the certificate identifies")
	clusterIssueCertCmd.MarkFlagRequired("node-type")
	clusterIssueCertCmd.MarkFlagRequired("node-id")
	clusterCmd.AddCommand(clusterIssueCertCmd)
}

// compact — drives the compaction scheduler.

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Inspect and trigger compaction",
}

var compactTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Manually trigger compaction for a group",
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, _ := cmd.Flags().GetUint64("group")
		client, err := dial(cmd)
		if err != nil {
			return fmt.Errorf("connect to meta node: %w", err)
		}
		defer client.Close()

		resp, err := client.TriggerManualCompaction(context.Background(), &rpc.TriggerManualCompactionRequest{
			GroupID: types.GroupID(groupID),
		})
		if err != nil {
			return fmt.Errorf("trigger compaction: %w", err)
		}
		if !resp.Triggered {
			fmt.Println("No compaction task produced (group already busy or nothing eligible)")
			return nil
		}
		fmt.Printf("✓ Compaction task %d scheduled for group %d (target level %d)\n", resp.Task.TaskID, groupID, resp.Task.TargetLevel)
		return nil
	},
}

func init() {
	compactTriggerCmd.Flags().Uint64("group", 0, "Compaction group id")
	compactTriggerCmd.MarkFlagRequired("group")
	compactCmd.AddCommand(compactTriggerCmd)
}

// version — pin/unpin operations a long-running reader uses to keep a
// HummockVersion (and the SSTs it references) alive across compactions.

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Pin, unpin or inspect HummockVersions",
}

var versionPinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Pin the current version for a reader context",
	RunE: func(cmd *cobra.Command, args []string) error {
		contextID, _ := cmd.Flags().GetUint32("context")
		client, err := dial(cmd)
		if err != nil {
			return fmt.Errorf("connect to meta node: %w", err)
		}
		defer client.Close()

		resp, err := client.PinVersion(context.Background(), &rpc.PinVersionRequest{ContextID: types.ContextID(contextID)})
		if err != nil {
			return fmt.Errorf("pin version: %w", err)
		}
		fmt.Printf("✓ Pinned version %d for context %d\n", resp.Version.ID, contextID)
		return nil
	},
}

var versionUnpinCmd = &cobra.Command{
	Use:   "unpin",
	Short: "Release a context's pinned version",
	RunE: func(cmd *cobra.Command, args []string) error {
		contextID, _ := cmd.Flags().GetUint32("context")
		client, err := dial(cmd)
		if err != nil {
			return fmt.Errorf("connect to meta node: %w", err)
		}
		defer client.Close()

		if _, err := client.UnpinVersion(context.Background(), &rpc.UnpinVersionRequest{ContextID: types.ContextID(contextID)}); err != nil {
			return fmt.Errorf("unpin version: %w", err)
		}
		fmt.Printf("✓ Unpinned version for context %d\n", contextID)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{versionPinCmd, versionUnpinCmd} {
		c.Flags().Uint32("context", 0, "Reader context id")
		c.MarkFlagRequired("context")
	}
	versionCmd.AddCommand(versionPinCmd)
	versionCmd.AddCommand(versionUnpinCmd)
}

// snapshot — pin/unpin-before operations over read epochs.

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Pin or release read snapshots",
}

var snapshotPinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Pin the current epoch as a read snapshot for a context",
	RunE: func(cmd *cobra.Command, args []string) error {
		contextID, _ := cmd.Flags().GetUint32("context")
		client, err := dial(cmd)
		if err != nil {
			return fmt.Errorf("connect to meta node: %w", err)
		}
		defer client.Close()

		resp, err := client.PinSnapshot(context.Background(), &rpc.PinSnapshotRequest{ContextID: types.ContextID(contextID)})
		if err != nil {
			return fmt.Errorf("pin snapshot: %w", err)
		}
		fmt.Printf("✓ Pinned snapshot at epoch %d for context %d\n", resp.Snapshot.Epoch, contextID)
		return nil
	},
}

var snapshotUnpinBeforeCmd = &cobra.Command{
	Use:   "unpin-before",
	Short: "Release every pinned snapshot for a context older than epoch",
	RunE: func(cmd *cobra.Command, args []string) error {
		contextID, _ := cmd.Flags().GetUint32("context")
		epoch, _ := cmd.Flags().GetUint64("epoch")
		client, err := dial(cmd)
		if err != nil {
			return fmt.Errorf("connect to meta node: %w", err)
		}
		defer client.Close()

		if _, err := client.UnpinSnapshotBefore(context.Background(), &rpc.UnpinSnapshotBeforeRequest{
			ContextID: types.ContextID(contextID),
			Epoch:     types.Epoch(epoch),
		}); err != nil {
			return fmt.Errorf("unpin snapshot: %w", err)
		}
		fmt.Printf("✓ Released snapshots before epoch %d for context %d\n", epoch, contextID)
		return nil
	},
}

func init() {
	snapshotPinCmd.Flags().Uint32("context", 0, "Reader context id")
	snapshotPinCmd.MarkFlagRequired("context")
	snapshotUnpinBeforeCmd.Flags().Uint32("context", 0, "Reader context id")
	snapshotUnpinBeforeCmd.Flags().Uint64("epoch", 0, "Release snapshots older than this epoch")
	snapshotUnpinBeforeCmd.MarkFlagRequired("context")
	snapshotCmd.AddCommand(snapshotPinCmd)
	snapshotCmd.AddCommand(snapshotUnpinBeforeCmd)
}
