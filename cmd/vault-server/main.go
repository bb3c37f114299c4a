package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/leveldb"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/vault/pkg/api"
	"github.com/luxfi/vault/pkg/metrics"
	"github.com/luxfi/vault/pkg/store"
	"github.com/luxfi/vault/pkg/vault"
	"github.com/luxfi/vault/pkg/websocket"
)

func main() {
	var (
		asset        = flag.String("asset", "USDC", "Underlying asset identifier")
		vaultAddr    = flag.String("vault-addr", "vault", "Vault account identifier")
		admin        = flag.String("admin", "admin", "Admin account")
		executors    = flag.String("executors", "executor", "Comma-separated executor accounts")
		feeBps       = flag.Uint64("fee-bps", 0, "Performance fee in basis points")
		feeRecipient = flag.String("fee-recipient", "", "Fee recipient account (empty forgoes fees)")
		rpcPort      = flag.Int("rpc-port", 8080, "JSON-RPC port")
		wsPort       = flag.Int("ws-port", 8081, "WebSocket port")
		metricsPort  = flag.String("metrics-port", "9090", "Prometheus metrics port")
		natsURL      = flag.String("nats", nats.DefaultURL, "NATS server URL (empty disables)")
		dbPath       = flag.String("db", "", "Database path (empty uses in-memory)")
		restore      = flag.Bool("restore", true, "Restore from latest snapshot on startup")
		snapInterval = flag.Duration("snapshot-interval", 30*time.Second, "Snapshot save interval")
		simLiquidity = flag.Bool("sim-source", false, "Register a simulated yield source named sim")
	)
	flag.Parse()

	logger := log.Root().New("module", "server")

	// Database: persistent when a path is given, in-memory otherwise
	var db database.Database
	if *dbPath != "" {
		ldb, err := leveldb.New(*dbPath, 0, 0, 0)
		if err != nil {
			logger.Warn("persistent database unavailable, using memory", "error", err)
			db = memdb.New()
		} else {
			db = ldb
		}
	} else {
		db = memdb.New()
	}
	vaultStore := store.NewVaultStore(db, logger)

	vaultMetrics, err := metrics.NewVaultMetrics("vault")
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}

	allow := vault.NewAllowList()
	engine := vault.NewEngine(vault.EngineConfig{
		Asset:          *asset,
		VaultAddress:   *vaultAddr,
		Admin:          *admin,
		Executors:      strings.Split(*executors, ","),
		FeeBps:         *feeBps,
		FeeRecipient:   *feeRecipient,
		OnEventDropped: vaultMetrics.RecordEventDropped,
	}, allow, logger.New("module", "engine"))

	if *simLiquidity {
		sim := vault.NewSimulatedSource(*asset, engine.Ledger())
		allow.Add(vault.SourceEntry{Address: "sim", Kind: vault.ShareKind, Share: sim})
		logger.Info("simulated yield source registered", "address", "sim")
	}

	if *restore {
		snap, err := vaultStore.LoadLatestSnapshot()
		switch {
		case err == database.ErrNotFound:
			logger.Info("no snapshot found, starting fresh")
		case err != nil:
			logger.Error("snapshot load failed", "error", err)
			os.Exit(1)
		default:
			if err := engine.Restore(snap); err != nil {
				logger.Error("snapshot restore failed", "error", err)
				os.Exit(1)
			}
			logger.Info("state restored",
				"totalShares", engine.TotalShares().String(),
				"idle", engine.IdleBalance().String())
		}
	}

	if err := vaultMetrics.StartServer(*metricsPort); err != nil {
		logger.Error("metrics server failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vaultMetrics.CollectSystemMetrics(ctx)

	// NATS is optional: the engine runs fine without an event bus
	var js nats.JetStreamContext
	if *natsURL != "" {
		nc, err := nats.Connect(*natsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			logger.Warn("NATS unavailable, events stay local", "error", err)
		} else {
			defer nc.Close()
			js, err = nc.JetStream()
			if err != nil {
				logger.Warn("JetStream unavailable", "error", err)
			} else {
				js.AddStream(&nats.StreamConfig{
					Name:     "VAULT",
					Subjects: []string{"vault.events.>"},
				})
				logger.Info("NATS connected", "url", *natsURL)
			}
		}
	}

	wsServer := websocket.NewServer(engine, logger.New("module", "websocket"), websocket.DefaultConfig())
	go func() {
		if err := wsServer.Start(*wsPort); err != nil {
			logger.Error("WebSocket server failed", "error", err)
		}
	}()

	go func() {
		if err := api.StartJSONRPCServer(ctx, *rpcPort, engine, vaultMetrics, logger.New("module", "api")); err != nil {
			logger.Error("JSON-RPC server stopped", "error", err)
		}
	}()

	// Single consumer of the engine's event stream: journal, publish,
	// fan out, count
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-engine.Events():
				if err := vaultStore.AppendEvent(ev); err != nil {
					logger.Error("event journal write failed", "error", err)
				}
				if js != nil {
					subject := fmt.Sprintf("vault.events.%s", ev.Type)
					if data, err := json.Marshal(wireEvent(ev)); err == nil {
						if _, err := js.PublishAsync(subject, data); err == nil {
							vaultMetrics.RecordNATSPublished()
						}
					}
				}
				wsServer.BroadcastEvent(ev)
				switch ev.Type {
				case vault.EventDepositRequested:
					vaultMetrics.RecordDepositRequested()
				case vault.EventDepositCancelled:
					vaultMetrics.RecordDepositCancelled()
				case vault.EventDepositFulfilled:
					vaultMetrics.RecordDepositFulfilled()
					wsServer.BroadcastVaultUpdate()
				case vault.EventWithdrawRequested:
					vaultMetrics.RecordWithdrawalRequested()
				case vault.EventWithdrawFulfilled:
					vaultMetrics.RecordWithdrawalFulfilled(toFloat(ev.Yield), toFloat(ev.Fee))
					wsServer.BroadcastVaultUpdate()
				}
			}
		}
	}()

	// Periodic snapshots plus accounting gauge refresh
	go func() {
		ticker := time.NewTicker(*snapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := vaultStore.SaveSnapshot(engine.Snapshot()); err != nil {
					logger.Error("snapshot save failed", "error", err)
				}
				deposits, redeems := engine.QueueDepths()
				vaultMetrics.UpdateQueueDepths(float64(deposits), float64(redeems))
				vaultMetrics.UpdateAccounting(
					toFloat(engine.TotalAssets()),
					toFloat(engine.TotalShares()),
					toFloat(engine.IdleBalance()),
					toFloat(engine.SharePrice())/1e18,
				)
			}
		}
	}()

	logger.Info("vault server ready",
		"asset", *asset,
		"rpcPort", *rpcPort,
		"wsPort", *wsPort,
		"metricsPort", *metricsPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	cancel()
	wsServer.Stop()

	if err := vaultStore.SaveSnapshot(engine.Snapshot()); err != nil {
		logger.Error("final snapshot failed", "error", err)
	} else {
		logger.Info("final snapshot saved",
			"totalShares", engine.TotalShares().String(),
			"idle", engine.IdleBalance().String())
	}
}

// wireEvent flattens an engine event for JSON transport
func wireEvent(ev vault.Event) map[string]interface{} {
	out := map[string]interface{}{
		"type":      string(ev.Type),
		"account":   ev.Account,
		"timestamp": ev.Timestamp.UnixNano(),
	}
	if ev.Receiver != "" {
		out["receiver"] = ev.Receiver
	}
	if ev.Source != "" {
		out["source"] = ev.Source
	}
	for name, amount := range map[string]*big.Int{
		"assets": ev.Assets,
		"shares": ev.Shares,
		"yield":  ev.Yield,
		"fee":    ev.Fee,
		"payout": ev.Payout,
	} {
		if amount != nil {
			out[name] = amount.String()
		}
	}
	return out
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
