// Package bootstrap assembles the orchestrator from configuration: storage
// and queue backends, the topology store, selectors, transport, the dispatch
// engine and the HTTP server.
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FayzaCH/fog-server/internal/api"
	"github.com/FayzaCH/fog-server/internal/archive"
	"github.com/FayzaCH/fog-server/internal/config"
	"github.com/FayzaCH/fog-server/internal/dispatch"
	"github.com/FayzaCH/fog-server/internal/selection"
	"github.com/FayzaCH/fog-server/internal/state"
	"github.com/FayzaCH/fog-server/internal/topology"
	"github.com/FayzaCH/fog-server/internal/transport"
)

type Orchestrator struct {
	Config   config.Config
	Store    state.Store
	Queue    state.Queue
	Topology *topology.Store
	Engine   *dispatch.Engine
	Server   *api.Server
	Uploader *archive.Uploader
	Listener *transport.Listener
}

func NewOrchestrator(cfg config.Config) (*Orchestrator, error) {
	store, err := newStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	queue, err := newQueue(cfg.Queue)
	if err != nil {
		return nil, err
	}
	topo := topology.NewStore(cfg.Monitor.Samples)
	nodes := selection.NewNodeSelector(cfg.Orchestrator.NodeAlgorithm, cfg.Orchestrator.HostThreshold)
	paths := selection.NewPathSelector(cfg.Orchestrator.PathAlgorithm, cfg.Orchestrator.MaxPaths)
	tr := transport.NewUDPTransport(cfg.Orchestrator.UDPPort)

	engine := dispatch.NewEngine(store, queue, topo, nodes, paths, tr, dispatch.Options{
		Timeout:      cfg.Protocol.Timeout.Std(),
		Retries:      cfg.Protocol.Retries,
		Workers:      cfg.Orchestrator.Workers,
		QueueBackend: cfg.Queue.Backend,
		PathWeight:   cfg.Orchestrator.PathWeight,
		UsePaths:     cfg.Orchestrator.Paths,
	})

	listener := transport.NewListener(cfg.Orchestrator.UDPPort, func(ctx context.Context, pkt *transport.Packet, from *net.UDPAddr) {
		if err := engine.HandleHostAnswer(ctx, pkt, from.IP.String()); err != nil {
			logrus.WithError(err).WithField("req_id", pkt.ReqID).Warn("recording host answer failed")
		}
	})

	var uploader *archive.Uploader
	if cfg.Archive.Enabled {
		uploader, err = archive.NewUploader(archive.Options{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			Secure:    cfg.Archive.Secure,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"store":          cfg.Store.Backend,
		"queue":          cfg.Queue.Backend,
		"node_algorithm": cfg.Orchestrator.NodeAlgorithm,
		"path_algorithm": cfg.Orchestrator.PathAlgorithm,
		"path_weight":    cfg.Orchestrator.PathWeight,
		"paths":          cfg.Orchestrator.Paths,
	}).Info("orchestrator assembled")

	return &Orchestrator{
		Config:   cfg,
		Store:    store,
		Queue:    queue,
		Topology: topo,
		Engine:   engine,
		Server:   api.NewServer(engine, store, topo, uploader, cfg.API.AuthToken),
		Uploader: uploader,
		Listener: listener,
	}, nil
}

func newStore(cfg config.Store) (state.Store, error) {
	switch cfg.Backend {
	case "memory":
		st := state.NewMemoryStore()
		// the postgres migration seeds this row; the memory backend needs
		// it too so the default cos_id resolves
		if err := st.UpsertCos(context.Background(), state.CosRecord{ID: 1, Name: "best-effort"}); err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		return state.NewPostgresStore(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func newQueue(cfg config.Queue) (state.Queue, error) {
	switch cfg.Backend {
	case "memory":
		return state.NewMemoryQueue(), nil
	case "redis":
		return state.NewRedisQueue(state.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
			Timeout:  3 * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
}
