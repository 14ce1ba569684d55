package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"disastermesh/internal/mesh"
)

func main() {
	cfg := mesh.Config{}

	flag.StringVar(&cfg.Hostname, "hostname", "", "advertised hostname (default: OS hostname)")
	flag.BoolVar(&cfg.EnableAuth, "enable-auth", false, "require signed, verified payloads")
	flag.StringVar(&cfg.KeysDirectory, "keys-dir", "", "directory for ECDSA keypair PEM files")
	flag.StringVar(&cfg.TrustFile, "trust-file", "", "path to trusted_nodes.json")
	flag.StringVar(&cfg.SaveDirectory, "save-dir", "", "directory for completed file transfers")
	flag.StringVar(&cfg.TransferLedgerDB, "transfer-db", "", "sqlite path for the completed-transfer ledger")
	discoveryPort := flag.Uint("discovery-port", 5000, "UDP discovery port")
	dataPort := flag.Uint("data-port", 5001, "TCP data port")
	flag.DurationVar(&cfg.BroadcastInterval, "broadcast-interval", 30*time.Second, "discovery beacon interval")
	flag.DurationVar(&cfg.NodeTimeout, "node-timeout", 90*time.Second, "neighbor eviction timeout")
	flag.IntVar(&cfg.MaxTTL, "max-ttl", 20, "initial envelope TTL")
	flag.IntVar(&cfg.ChunkSizeBytes, "chunk-size", 64*1024, "file chunk size in bytes")
	flag.StringVar(&cfg.SharedPassphrase, "passphrase", "", "shared symmetric passphrase (or MESH_PASSPHRASE)")
	flag.StringVar(&cfg.ControlAPIAddr, "control-addr", "", "address for the optional HTTP control API, e.g. :8088 (disabled if empty)")
	controlTokens := flag.String("control-tokens", "", "comma-separated bearer tokens for the control API (open access if empty)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *controlTokens != "" {
		cfg.ControlAPITokens = strings.Split(*controlTokens, ",")
	}

	cfg.DiscoveryPort = uint16(*discoveryPort)
	cfg.DataPort = uint16(*dataPort)

	if cfg.SharedPassphrase == "" {
		cfg.SharedPassphrase = os.Getenv("MESH_PASSPHRASE")
	}
	if cfg.SharedPassphrase == "" {
		fmt.Fprintln(os.Stderr, "mesh passphrase missing: supply --passphrase or MESH_PASSPHRASE")
		os.Exit(1)
	}

	if *verbose {
		mesh.SetLogLevel(logrus.DebugLevel)
	}

	node, err := mesh.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}

	node.RegisterCallback(func(env mesh.Envelope) {
		fmt.Printf("[%s] %s -> %s: %s\n", env.MsgType, env.SourceID, env.DestID, env.Payload)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mesh node %s listening (discovery :%d, data :%d)\n", node.NodeID(), cfg.DiscoveryPort, cfg.DataPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	if err := node.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "stop error: %v\n", err)
	}
}
