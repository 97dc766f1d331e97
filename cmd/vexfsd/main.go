// Command vexfsd is the VexFS substrate daemon: it opens the on-disk
// volume, runs the Recovery Orchestrator, and brings up the Unified
// Transaction Coordinator, the storage participants, the Event Ordering
// Service, the Semantic Event Bus and the Boundary Synchronization
// Manager before accepting traffic through a Dispatch Personality.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"vexfs/go/bsm"
	"vexfs/go/config"
	"vexfs/go/dispatch"
	"vexfs/go/eos"
	"vexfs/go/eventbus"
	"vexfs/go/graphstore"
	"vexfs/go/ids"
	"vexfs/go/journal"
	"vexfs/go/ops"
	"vexfs/go/recovery"
	"vexfs/go/txn"
	"vexfs/go/vecbridge"
)

// cliConfig is the top-level configuration object: the shared substrate
// Config plus the daemon's own on-disk volume location, which has no
// meaning to any individual component.
type cliConfig struct {
	config.Config

	Volume struct {
		Path    string `long:"volume-path" env:"VOLUME_PATH" default:"./vexfs.vol" description:"path to the single-file backing volume"`
		DataDir string `long:"data-dir" env:"DATA_DIR" default:"./vexfs-data" description:"directory for the vector and graph RocksDB stores"`
	} `group:"volume" namespace:"volume" env-namespace:"VEXFS_VOLUME"`
}

var globalConfig = new(cliConfig)

type cmdServe struct{}

// substrate bundles every long-lived component the daemon wires together,
// so Execute's teardown can close them in reverse dependency order.
type substrate struct {
	j          *journal.Journal
	vectorDB   *vecbridge.Bridge
	graphDB    *graphstore.Store
	coord      *txn.Coordinator
	eosSvc     *eos.Service
	bus        *eventbus.Bus
	bsmMgr     *bsm.Manager
	dispatcher *dispatch.Dispatcher
}

func (cmdServe) Execute(_ []string) error {
	var cfg = globalConfig
	log.WithField("config", cfg).Info("vexfsd starting")

	var s, err = bringUp(&cfg.Config, cfg.Volume.Path, cfg.Volume.DataDir)
	if err != nil {
		return fmt.Errorf("bringing up substrate: %w", err)
	}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	log.Info("vexfsd ready")
	<-signalCh
	log.Info("caught signal; shutting down")

	s.bsmMgr.StopAll()
	s.coord.Close()
	_ = s.vectorDB.Close()
	_ = s.graphDB.Close()
	_ = s.j.Close()
	return nil
}

// bringUp opens the volume, runs recovery, and constructs every component
// the substrate names, in dependency order: block device and journal
// first, storage participants next, then the coordinator, ordering
// service, event bus and boundary streams. The Recovery Orchestrator runs
// against all of them before the dispatcher is handed back to the caller.
func bringUp(cfg *config.Config, volumePath, dataDir string) (*substrate, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	var dev, err = journal.OpenFileDevice(volumePath, cfg.Substrate.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("opening volume: %w", err)
	}

	var sb, sbErr = journal.ReadSuperblock(dev)
	if sbErr != nil {
		sb = journal.Superblock{
			Magic: journal.Magic, MajorVersion: journal.MajorVersion, MinorVersion: journal.MinorVersion,
			BlockSize: cfg.Substrate.BlockSize, JournalBlocks: cfg.Substrate.JournalSizeBlocks,
		}
		if err := journal.WriteSuperblock(dev, sb); err != nil {
			return nil, fmt.Errorf("initializing superblock: %w", err)
		}
	}

	var jcfg = journal.DefaultConfig()
	jcfg.JournalSizeBlocks = cfg.Substrate.JournalSizeBlocks
	var j = journal.Resume(dev, jcfg, sb)

	var vectorDB, vecErr = vecbridge.Open(filepath.Join(dataDir, "vectors"))
	if vecErr != nil {
		return nil, fmt.Errorf("opening vector store: %w", vecErr)
	}
	var graphDB, graphErr = graphstore.Open(filepath.Join(dataDir, "graph"))
	if graphErr != nil {
		return nil, fmt.Errorf("opening graph store: %w", graphErr)
	}
	var journalParticipant = txn.NewJournalParticipant(j)

	var metrics = ops.NewMetrics(prometheus.DefaultRegisterer)
	var coord = txn.NewCoordinator(cfg, metrics)
	var eosSvc = eos.NewService(cfg, metrics)
	var bus = eventbus.NewBus(metrics, cfg.Substrate.EnableCausalOrdering)
	var bsmMgr = bsm.NewManager(metrics)

	var orchestrator = recovery.New(dev, j, bsmMgr, []txn.Participant{journalParticipant, vectorDB, graphDB})
	if _, recoverErr := orchestrator.Recover(context.Background()); recoverErr != nil {
		return nil, fmt.Errorf("recovery failed: %w", recoverErr)
	}

	var participants = dispatch.Participants{Journal: journalParticipant, Vector: vectorDB, Graph: graphDB}
	var d = dispatch.NewDispatcher(coord, participants, stageHandler(journalParticipant, vectorDB, graphDB), readHandler(graphDB))

	return &substrate{
		j: j, vectorDB: vectorDB, graphDB: graphDB,
		coord: coord, eosSvc: eosSvc, bus: bus, bsmMgr: bsmMgr, dispatcher: d,
	}, nil
}

// opPayload is the on-the-wire shape a Personality's translated Op
// carries in its Payload for the mutating ops vexfsd itself understands;
// a richer personality would replace this with its own codec without
// touching the dispatcher or participants beneath it.
type opPayload struct {
	NodeID     uint64          `json:"node_id"`
	Label      string          `json:"label,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Patch      json.RawMessage `json:"patch,omitempty"`
	Embedding  []float32       `json:"embedding,omitempty"`
}

// stageHandler returns the dispatch.Handler that stages a mutating Op's
// effect against the enlisted participants ahead of the coordinator's
// 2PC commit.
func stageHandler(jp *txn.JournalParticipant, vb *vecbridge.Bridge, gs *graphstore.Store) dispatch.Handler {
	return func(ctx context.Context, txID uuid.UUID, op dispatch.Op) error {
		if err := jp.StageData(txID, journal.RecMetadataDelta, op.Payload); err != nil {
			return err
		}

		var p opPayload
		if len(op.Payload) > 0 {
			if err := json.Unmarshal(op.Payload, &p); err != nil {
				return fmt.Errorf("decoding op payload: %w", err)
			}
		}

		switch op.Kind {
		case dispatch.OpCreate, dispatch.OpMkdir, dispatch.OpSetAttr:
			return gs.StageNode(txID, graphstore.Node{ID: ids.NodeId(op.Inode), Label: p.Label, Properties: p.Properties})
		case dispatch.OpUnlink, dispatch.OpRmdir:
			return gs.StageDeleteNode(txID, ids.NodeId(op.Inode))
		case dispatch.OpRename:
			if len(p.Patch) > 0 {
				return gs.PatchNodeProperties(txID, ids.NodeId(op.Inode), p.Patch)
			}
			return nil
		case dispatch.OpWrite:
			var vid ids.VectorId
			var idBytes = make([]byte, 8)
			for i := 0; i < 8; i++ {
				idBytes[i] = byte(op.Inode >> (8 * i))
			}
			copy(vid[:8], idBytes)
			return vb.StageVector(txID, vecbridge.VectorRecord{ID: vid, Embedding: p.Embedding, Metadata: op.Payload})
		default:
			return nil
		}
	}
}

// readHandler returns the reader a Dispatcher calls directly for OpRead,
// bypassing the coordinator entirely at ReadCommitted isolation.
func readHandler(gs *graphstore.Store) func(ctx context.Context, op dispatch.Op) ([]byte, error) {
	return func(ctx context.Context, op dispatch.Op) ([]byte, error) {
		var n, err = gs.GetNode(ids.NodeId(op.Inode))
		if err != nil {
			return nil, err
		}
		return json.Marshal(n)
	}
}

func main() {
	var parser = flags.NewParser(globalConfig, flags.Default)
	_, _ = parser.AddCommand("serve", "Serve the VexFS substrate", `
Serve the VexFS substrate daemon with the provided configuration, until
signaled to exit (via SIGTERM or SIGINT).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
