package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/psapconsole/internal/console/api"
	"github.com/sebas/psapconsole/internal/console/callctl"
	"github.com/sebas/psapconsole/internal/console/config"
	"github.com/sebas/psapconsole/internal/console/events"
	"github.com/sebas/psapconsole/internal/console/sipphone"
	"github.com/sebas/psapconsole/internal/console/vcc"
)

// Console wires one operator position to its signaling, bridging nodes,
// event sinks and the operations API.
type Console struct {
	config    *config.Config
	position  *callctl.Position
	phone     *sipphone.Phone
	pool      *vcc.Pool
	vcc       *vcc.Client
	publisher events.Publisher
	apiServer *api.Server
	log       *slog.Logger

	stopWatch context.CancelFunc
	watchers  sync.WaitGroup
}

func NewConsole(cfg *config.Config) (*Console, error) {
	log := slog.Default()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Create bridging node pool (gRPC transport)
	log.Info("Connecting to bridging nodes", "nodes", cfg.VCCNodes)
	poolCfg := vcc.DefaultPoolConfig()
	poolCfg.NodeAddresses = cfg.VCCNodes
	poolCfg.KeepaliveInterval = cfg.GRPCKeepaliveInterval
	poolCfg.KeepaliveTimeout = cfg.GRPCKeepaliveTimeout
	pool, err := vcc.NewPool(poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridging node pool: %w", err)
	}
	client := vcc.NewClient(pool, cfg.RPCTimeout)

	// Create SIP phone
	phone, err := sipphone.New(sipphone.Config{
		BindAddr:      cfg.BindAddr,
		AdvertiseAddr: cfg.AdvertiseAddr,
		Port:          cfg.Port,
		Transport:     cfg.Transport,
		User:          cfg.Device,
		Nodes:         cfg.SIPNodes,
		DefaultNode:   cfg.DefaultNode,
		MediaPort:     cfg.MediaPort,
	}, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create SIP phone: %w", err)
	}

	// Events go to the log and to connected console clients
	hub := events.NewWebSocketHub()
	publisher := events.NewMultiPublisher(
		events.NewLoggingPublisher(log),
		hub,
	)

	position, err := callctl.NewPosition(cfg.Position(), callctl.Deps{
		Phone:     phone,
		Node:      client,
		Rebid:     client,
		Publisher: publisher,
		Metrics:   callctl.NewMetrics(registry),
		Logger:    log,
	})
	if err != nil {
		phone.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to create position: %w", err)
	}
	phone.SetSink(position)

	apiServer := api.NewServer(cfg.APIAddr, position, pool, phone)
	apiServer.SetEventStream(hub)
	apiServer.SetMetrics(registry)

	return &Console{
		config:    cfg,
		position:  position,
		phone:     phone,
		pool:      pool,
		vcc:       client,
		publisher: publisher,
		apiServer: apiServer,
		log:       log,
	}, nil
}

// Position returns the operator position.
func (c *Console) Position() *callctl.Position { return c.position }

// Start serves SIP, the API and one notification stream per bridging node
// until ctx ends.
func (c *Console) Start(ctx context.Context) error {
	if err := c.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	watchCtx, stop := context.WithCancel(ctx)
	c.stopWatch = stop
	for _, nodeID := range c.pool.ListNodes() {
		c.watchers.Add(1)
		go func() {
			defer c.watchers.Done()
			c.vcc.Watch(watchCtx, nodeID, c.config.Device, c.position)
		}()
	}

	return c.phone.Start(ctx)
}

// Close hangs up every leg and releases the transports.
func (c *Console) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.position.Close(ctx); err != nil {
		c.log.Warn("[App] Position close failed", "error", err)
	}

	var g errgroup.Group
	g.Go(func() error { return c.apiServer.Stop(ctx) })
	g.Go(c.phone.Close)
	g.Go(func() error {
		if err := c.publisher.Flush(ctx); err != nil {
			return err
		}
		return c.publisher.Close()
	})
	err := g.Wait()

	if c.stopWatch != nil {
		c.stopWatch()
	}
	c.watchers.Wait()
	if cerr := c.pool.Close(); cerr != nil && err == nil {
		err = cerr
	}
	c.log.Info("[App] Console stopped")
	return err
}
