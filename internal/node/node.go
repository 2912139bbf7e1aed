// Package node assembles the rolling upgrade machinery of a datanode: the
// per-pool coordinators, the deletion gateway and the signal dispatcher.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/datanode/internal/block"
	"github.com/tunnelmesh/datanode/internal/config"
	"github.com/tunnelmesh/datanode/internal/deletion"
	"github.com/tunnelmesh/datanode/internal/logging/audit"
	"github.com/tunnelmesh/datanode/internal/metrics"
	"github.com/tunnelmesh/datanode/internal/signal"
	"github.com/tunnelmesh/datanode/internal/upgrade"
)

// Options carry what is decided at launch rather than in the config file.
type Options struct {
	// Rollback marks this boot as a rollback boot. It is combined with the
	// config's startup_option.
	Rollback bool
	// Source overrides the signal source. When nil and a coordinator server is
	// configured, the coordinator is polled over HTTP.
	Source signal.Source
	// Metrics may be nil.
	Metrics *metrics.DatanodeMetrics
	// Audit receives transition events. It may be nil.
	Audit *audit.Logger
}

// Node is a started datanode.
type Node struct {
	cfg        *config.NodeConfig
	manager    *upgrade.Manager
	gateway    *deletion.Gateway
	dispatcher *signal.Dispatcher

	wg sync.WaitGroup
}

// New opens every pool on the node's volume, performing the startup rollback
// check, and wires the deletion and signal paths. It returns an error if any
// pool could not reach a consistent state.
func New(ctx context.Context, cfg *config.NodeConfig, opts Options) (*Node, error) {
	rollback := opts.Rollback || cfg.IsRollback()

	manager := upgrade.NewManager(cfg.DataDir, opts.Metrics)
	manager.SetAudit(opts.Audit)
	if err := manager.Open(ctx, cfg.Pools(), rollback); err != nil {
		return nil, fmt.Errorf("open block pools: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		manager: manager,
		gateway: deletion.NewGateway(manager, opts.Metrics),
	}

	source := opts.Source
	if source == nil && cfg.Coordinator.Server != "" {
		source = signal.NewHTTPSource(cfg.Coordinator.Server, cfg.Coordinator.AuthToken, cfg.Name)
	}
	if source != nil {
		n.dispatcher = signal.NewDispatcher(source, manager, cfg.PollInterval(), opts.Metrics)
	}

	log.Info().
		Str("node", cfg.Name).
		Str("data_dir", cfg.DataDir).
		Bool("rollback", rollback).
		Int("pools", len(manager.Pools())).
		Msg("datanode started")
	return n, nil
}

// Start runs signal delivery in the background until ctx is cancelled.
// Wait blocks until it has stopped.
func (n *Node) Start(ctx context.Context) {
	if n.dispatcher == nil {
		log.Warn().Msg("no signal source configured, upgrade state will only change at startup")
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.dispatcher.Run(ctx)
	}()
}

// Wait blocks until background work started by Start has exited.
func (n *Node) Wait() {
	n.wg.Wait()
}

// Manager returns the pool coordinators.
func (n *Node) Manager() *upgrade.Manager {
	return n.manager
}

// Gateway returns the deletion gateway.
func (n *Node) Gateway() *deletion.Gateway {
	return n.gateway
}

// Dispatcher returns the signal dispatcher, or nil if none is configured.
func (n *Node) Dispatcher() *signal.Dispatcher {
	return n.dispatcher
}

// Layout returns the on-disk layout of pool on this node's volume.
func (n *Node) Layout(pool block.PoolID) block.Layout {
	return block.NewLayout(n.cfg.DataDir, pool)
}

// IsTrashActive reports whether pool defers deletions.
func (n *Node) IsTrashActive(pool block.PoolID) bool {
	return n.manager.IsTrashActive(pool)
}

// TrashRootExists reports whether pool's trash root is present.
func (n *Node) TrashRootExists(pool block.PoolID) bool {
	return n.manager.TrashRootExists(pool)
}
