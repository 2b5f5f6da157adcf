package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nodeviewsync/core/internal/codec"
	"github.com/nodeviewsync/core/internal/config"
	"github.com/nodeviewsync/core/internal/modifier"
	"github.com/nodeviewsync/core/internal/network"
	"github.com/nodeviewsync/core/internal/store"
	"github.com/nodeviewsync/core/internal/sync"
	"github.com/nodeviewsync/core/internal/viewholder"
)

// Wire message codes this binary uses. A consensus plug-in supplies its
// own SyncInfo code at construction time per SPEC_FULL.md §6; the demo
// entrypoint picks one out of band since it carries no real consensus
// layer.
const (
	codeInv uint8 = iota + 1
	codeRequest
	codeModifiers
	codeSyncInfo
)

func main() {
	listen := flag.String("listen", "/ip4/0.0.0.0/tcp/0", "Listen multiaddr")
	configPath := flag.String("config", "", "Path to a sync config YAML file (optional, defaults applied)")
	bootnodesPath := flag.String("bootnodes", "", "Path to a bootnodes YAML file (optional)")
	ledgerDir := flag.String("invalid-ledger", "", "Directory for the durable invalid-modifier ledger (optional)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level := slog.LevelInfo
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	syncCfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load sync config", "error", err)
		os.Exit(1)
	}
	logger.Info("config",
		"maxModifiersCacheSize", syncCfg.MaxModifiersCacheSize,
		"deliveryTimeout", syncCfg.DeliveryTimeout,
		"maxDeliveryChecks", syncCfg.MaxDeliveryChecks,
	)

	var ledger *store.InvalidLedger
	if *ledgerDir != "" {
		ledger, err = store.OpenInvalidLedger(*ledgerDir)
		if err != nil {
			logger.Error("open invalid ledger", "error", err)
			os.Exit(1)
		}
		defer ledger.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := network.NewHost(network.HostConfig{ListenAddrs: []string{*listen}})
	if err != nil {
		logger.Error("create host", "error", err)
		os.Exit(1)
	}
	defer h.Close()

	controller, err := network.NewController(ctx, h, logger)
	if err != nil {
		logger.Error("create network controller", "error", err)
		os.Exit(1)
	}

	registry := codec.NewRegistry()
	registerDemoModifierType(registry)

	history := viewholder.NewMemoryHistory()
	mempool := viewholder.NewMemoryMempool()
	submitter := viewholder.NewMemorySubmitter(history, mempool, 256)

	synchronizer := sync.New(sync.Config{
		Codes: sync.Codes{
			Inv:       network.MessageCode(codeInv),
			Request:   network.MessageCode(codeRequest),
			Modifiers: network.MessageCode(codeModifiers),
			SyncInfo:  network.MessageCode(codeSyncInfo),
		},
		CacheCapacity:     syncCfg.MaxModifiersCacheSize,
		DeliveryTimeout:   syncCfg.DeliveryTimeout,
		MaxDeliveryChecks: syncCfg.MaxDeliveryChecks,
		MaxInvObjects:     syncCfg.MaxInvObjects,
		MaxPacketSize:     syncCfg.MaxPacketSize,
		SyncInterval:      syncCfg.SyncInterval,
		SyncStatusRefresh: syncCfg.SyncStatusRefresh,
	}, sync.Deps{
		Controller: controller,
		Registry:   registry,
		Submitter:  submitter,
		Ledger:     ledger,
		Logger:     logger,
	})

	synchronizer.SetView(history, mempool)
	go forwardSubmitterEvents(ctx, submitter, synchronizer)

	synchronizer.Start(ctx)
	logger.Info("nodeviewsyncd running", "peer_id", h.ID(), "addrs", h.Addrs())

	if *bootnodesPath != "" {
		addrs, err := config.LoadBootnodes(*bootnodesPath)
		if err != nil {
			logger.Error("load bootnodes", "error", err)
		} else {
			controller.DialBootnodes(ctx, addrs)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")
	synchronizer.Stop()
}

// forwardSubmitterEvents relays the reference in-memory submitter's
// events back to the synchronizer, standing in for a real consensus
// engine's asynchronous validation callback.
func forwardSubmitterEvents(ctx context.Context, submitter *viewholder.MemorySubmitter, synchronizer *sync.Synchronizer) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-submitter.Events:
			synchronizer.Notify(event)
		}
	}
}

// registerDemoModifierType wires modifier.Raw, the reference
// content-addressed Modifier, under type tag 1. A real deployment
// registers its own block/part types here instead.
func registerDemoModifierType(registry *codec.Registry) {
	const rawType modifier.TypeID = 1
	registry.Register(rawType,
		func(mod modifier.Modifier) ([]byte, error) {
			return mod.(modifier.Raw).Payload(), nil
		},
		func(raw []byte) (modifier.Modifier, error) {
			return modifier.NewRaw(rawType, raw), nil
		},
	)
}
