package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/hummock/pkg/compaction"
	"github.com/cuemby/hummock/pkg/compactormgr"
	"github.com/cuemby/hummock/pkg/events"
	"github.com/cuemby/hummock/pkg/hmerrors"
	"github.com/cuemby/hummock/pkg/log"
	"github.com/cuemby/hummock/pkg/metastore"
	"github.com/cuemby/hummock/pkg/metrics"
	"github.com/cuemby/hummock/pkg/raftfsm"
	"github.com/cuemby/hummock/pkg/txn"
	"github.com/cuemby/hummock/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Config configures a Manager instance.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Manager is the version manager: the single-writer authority over the
// cluster's HummockVersion, compaction groups, pins and compaction
// tasks. See doc.go for the locking discipline.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *raftfsm.FSM

	store       metastore.Store
	eventBroker *events.Broker
	compactors  *compactormgr.Manager
	logger      zerolog.Logger

	compactionMu sync.RWMutex
	groups       map[types.GroupID]*compaction.GroupStatus

	versioningMu sync.RWMutex
	current      *types.HummockVersion

	nextTaskID atomic.Uint64
}

// New creates a Manager backed by a BoltDB meta store under cfg.DataDir.
// It does not start Raft; call Bootstrap or Join next.
func New(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := metastore.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create meta store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	m := &Manager{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		fsm:         raftfsm.New(store),
		store:       store,
		eventBroker: broker,
		compactors:  compactormgr.New(compactormgr.DefaultTTL),
		logger:      log.WithComponent("manager"),
		groups:      make(map[types.GroupID]*compaction.GroupStatus),
	}
	return m, nil
}

func raftConfig(nodeID string) *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)
	// Tuned for LAN deployments rather than Raft's WAN-conservative
	// defaults, matching the rest of the control plane's failover target.
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func (m *Manager) startRaft() (*raft.TCPTransport, error) {
	cfg := raftConfig(m.nodeID)

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(cfg, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}
	m.raft = r
	return transport, nil
}

// Bootstrap starts a brand-new single-node Raft cluster with this node
// as the only voter.
func (m *Manager) Bootstrap() error {
	transport, err := m.startRaft()
	if err != nil {
		return err
	}

	future := m.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(m.nodeID), Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap raft cluster: %w", err)
	}
	return nil
}

// JoinExisting starts Raft on this node without bootstrapping a
// configuration; the caller is expected to already be a voter added by
// the leader via AddVoter; pkg/rpc has no call that does this.
func (m *Manager) JoinExisting() error {
	_, err := m.startRaft()
	return err
}

// AddVoter adds nodeID at address as a new Raft voter. Must be called
// on the current leader.
func (m *Manager) AddVoter(nodeID, address string) error {
	if !m.IsLeader() {
		return fmt.Errorf("%w: leader is %s", hmerrors.ErrNotLeader, m.LeaderAddr())
	}
	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node currently holds Raft leadership.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the current Raft leader's address, or "" if unknown.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// NodeID returns this node's Raft server id.
func (m *Manager) NodeID() string { return m.nodeID }

// Shutdown stops Raft and the event broker and closes the meta store.
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	m.eventBroker.Stop()
	return m.store.Close()
}

// EventBroker returns the manager's event broker for subscribing to
// snapshot/delta notifications.
func (m *Manager) EventBroker() *events.Broker { return m.eventBroker }

// Compactors returns the compactor liveness tracker.
func (m *Manager) Compactors() *compactormgr.Manager { return m.compactors }

// Store returns the underlying meta store for read-only inspection by
// callers outside the package, such as the checkpoint/GC reconciler
// deciding which version deltas are about to be pruned.
func (m *Manager) Store() metastore.Store { return m.store }

// applyBatch commits staged mutations as one Raft log entry and only
// returns once that entry is durable. A non-leader Apply call surfaces
// as hmerrors.ErrLeaderFenced via raft's own ErrNotLeader.
func (m *Manager) applyBatch(staged *txn.Staged) error {
	if staged.Empty() {
		return nil
	}
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	batchData, err := staged.Encode()
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	cmd := raftfsm.Command{Kind: "batch", Batch: batchData}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	future := m.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
			return hmerrors.ErrLeaderFenced
		}
		return fmt.Errorf("apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok && respErr != nil {
			return respErr
		}
	}
	return nil
}

// allocSstIDs reserves count never-reused sst ids through one Raft log
// entry, so every node's counter advances identically. A call that is
// repeated after an ambiguous Apply failure reserves a second range.
func (m *Manager) allocSstIDs(count uint32) (types.SstIDRange, error) {
	if m.raft == nil {
		return types.SstIDRange{}, fmt.Errorf("raft not initialized")
	}
	cmd := raftfsm.Command{Kind: "alloc_sst_ids", AllocCount: count}
	data, err := json.Marshal(cmd)
	if err != nil {
		return types.SstIDRange{}, err
	}
	future := m.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
			return types.SstIDRange{}, hmerrors.ErrLeaderFenced
		}
		return types.SstIDRange{}, fmt.Errorf("apply alloc: %w", err)
	}
	switch resp := future.Response().(type) {
	case error:
		return types.SstIDRange{}, resp
	case types.SstIDRange:
		return resp, nil
	default:
		return types.SstIDRange{}, fmt.Errorf("unexpected alloc response %T", resp)
	}
}

// GetNewSstIds reserves count sst ids for a writer that is about to
// flush new SSTs.
func (m *Manager) GetNewSstIds(count uint32) (types.SstIDRange, error) {
	return m.allocSstIDs(count)
}
