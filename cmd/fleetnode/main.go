package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/CloudNetService/CloudNet-sub027/chunk"
	"github.com/CloudNetService/CloudNet-sub027/client"
	"github.com/CloudNetService/CloudNet-sub027/codec"
	"github.com/CloudNetService/CloudNet-sub027/config"
	"github.com/CloudNetService/CloudNet-sub027/logger"
	"github.com/CloudNetService/CloudNet-sub027/middleware"
	"github.com/CloudNetService/CloudNet-sub027/registry"
	"github.com/CloudNetService/CloudNet-sub027/rpc"
	"github.com/CloudNetService/CloudNet-sub027/server"
	"github.com/CloudNetService/CloudNet-sub027/template"
	"github.com/CloudNetService/CloudNet-sub027/transport"
	"github.com/CloudNetService/CloudNet-sub027/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	deploy := flag.String("deploy", "", "deploy a template to the cluster once started, as name=dir")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logr.Sync()
	logr = logr.With(zap.String("node", cfg.Node.Name))

	reg, err := openRegistry(cfg, logr)
	if err != nil {
		logr.Fatal("failed to open registry", zap.Error(err))
	}
	defer reg.Close()

	mapper := codec.NewMapper()
	sched := worker.New(cfg.Network.Workers, worker.WithLogger(logr))

	handlers := rpc.NewRegistry()
	h, err := clusterNodeHandler(&clusterNode{name: cfg.Node.Name, started: time.Now()})
	if err != nil {
		logr.Fatal("failed to bind node handler", zap.Error(err))
	}
	handlers.Register(h)

	mws := []middleware.Middleware{
		middleware.RecoverMiddleware(logr),
		middleware.LoggingMiddleware(logr),
	}
	if cfg.RPC.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RPC.RateLimit, cfg.RPC.Burst))
	}
	if cfg.RPC.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.RPC.HandlerTimeout))
	}

	listeners := transport.NewListeners()
	rpc.NewDispatcher(handlers, mapper, sched, rpc.WithMiddleware(mws...), rpc.WithLogger(logr)).Listen(listeners)

	receiver := chunk.NewReceiver(chunk.WithReceiverLogger(logr))
	template.NewInstaller(cfg.Template.Dir, logr).Register(receiver)
	receiver.Listen(listeners)

	channelOpts := []transport.Option{
		transport.WithLogger(logr),
		transport.WithHeartbeat(cfg.Network.HeartbeatInterval),
		transport.WithQueryTTL(cfg.Network.QueryTimeout),
	}
	svr := server.New(listeners,
		server.WithLogger(logr),
		server.WithScheduler(sched),
		server.WithChannelOptions(channelOpts...),
		server.WithRegistry(reg, registry.Node{
			Name:   cfg.Node.Name,
			Addr:   cfg.Node.AdvertiseAddr,
			Weight: cfg.Node.Weight,
		}, cfg.Cluster.LeaseTTL),
	)
	cli := client.New(reg, listeners,
		client.WithLogger(logr),
		client.WithExclude(cfg.Node.Name),
		client.WithDialTimeout(cfg.Cluster.DialTimeout),
		client.WithChannelOptions(channelOpts...),
	)
	defer cli.Close()

	go func() {
		if err := svr.Serve("tcp", cfg.Node.ListenAddr); err != nil {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go greetPeers(ctx, cli, mapper, logr)
	if *deploy != "" {
		go deployTemplate(ctx, cli, cfg, *deploy, logr)
	}

	<-ctx.Done()
	logr.Info("shutting down node")
	if err := svr.Shutdown(cfg.Network.ShutdownTimeout); err != nil {
		logr.Warn("shutdown incomplete", zap.Error(err))
	}
	logr.Info("node shutdown complete")
}

func openRegistry(cfg *config.Config, logr *zap.Logger) (registry.Registry, error) {
	if len(cfg.Cluster.EtcdEndpoints) > 0 {
		return registry.NewEtcd(cfg.Cluster.EtcdEndpoints, cfg.Cluster.DialTimeout, logr)
	}
	var peers []registry.Node
	for name, addr := range cfg.PeerNodes() {
		peers = append(peers, registry.Node{Name: name, Addr: addr, Weight: 1})
	}
	return registry.NewStatic(peers...), nil
}

// greetPeers asks every reachable peer who it is.
func greetPeers(ctx context.Context, cli *client.Client, mapper *codec.Mapper, logr *zap.Logger) {
	channels, err := cli.Channels(ctx)
	if err != nil {
		logr.Warn("cannot reach every peer", zap.Error(err))
		return
	}
	for _, ch := range channels {
		impl, err := rpc.Generate(clusterNodeCap, mapper, rpc.Fixed(ch))
		if err != nil {
			logr.Error("cannot generate node proxy", zap.Error(err))
			return
		}
		name, _ := impl.Call(ctx, "name")
		uptime, _ := impl.Call(ctx, "uptime")
		peer, _ := rpc.As[string](name)
		up, _ := rpc.As[time.Duration](uptime)
		logr.Info("peer connected", zap.String("peer", peer), zap.Duration("uptime", up), zap.Stringer("addr", ch.RemoteAddr()))
	}
}

func deployTemplate(ctx context.Context, cli *client.Client, cfg *config.Config, target string, logr *zap.Logger) {
	name, dir, ok := strings.Cut(target, "=")
	if !ok {
		logr.Error("deploy expects name=dir", zap.String("deploy", target))
		return
	}
	channels, err := cli.Channels(ctx)
	if err != nil {
		logr.Warn("cannot reach every peer, deployment skipped", zap.Error(err))
		return
	}
	dests := make([]chunk.Destination, len(channels))
	for i, ch := range channels {
		dests[i] = ch
	}

	opts := []chunk.SenderOption{chunk.WithChunkSize(cfg.Chunk.Size)}
	if cfg.Chunk.RateLimit > 0 {
		opts = append(opts, chunk.WithRateLimit(cfg.Chunk.RateLimit))
	}
	status, err := template.NewDeployer(logr, opts...).Deploy(ctx, name, dir, true, dests...).Get(ctx)
	if err != nil {
		logr.Warn("deployment interrupted", zap.Error(err))
		return
	}
	if status != chunk.Success {
		logr.Warn("deployment failed on at least one node", zap.String("template", name))
		return
	}
	logr.Info("template deployed", zap.String("template", name), zap.Int("nodes", len(dests)))
}
