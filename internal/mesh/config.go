package mesh

import (
	"os"
	"time"
)

// MsgKind identifies the payload carried by an Envelope.
type MsgKind string

const (
	KindText    MsgKind = "text"
	KindFile    MsgKind = "file"
	KindControl MsgKind = "control"
)

// BroadcastDest is the well-known destination id meaning "deliver to every node".
const BroadcastDest = "broadcast"

// Config holds everything a Node needs to boot. New passes it through
// withDefaults, which fills zero-value fields from defaultConfig.
type Config struct {
	Hostname          string
	EnableAuth        bool
	KeysDirectory     string
	TrustFile         string
	SaveDirectory     string
	TransferLedgerDB  string
	DiscoveryPort     uint16
	DataPort          uint16
	BroadcastInterval time.Duration
	NodeTimeout       time.Duration
	MaxTTL            int
	ChunkSizeBytes    int
	SharedPassphrase  string

	// ControlAPIAddr, if non-empty, starts an HTTP control-plane listener
	// (status/peers/send/trust/files) alongside the mesh listeners.
	// ControlAPITokens, if non-empty, requires a matching "Bearer <token>"
	// Authorization header on every request except /health.
	ControlAPIAddr   string
	ControlAPITokens []string
}

func defaultConfig() Config {
	hn, _ := os.Hostname()
	return Config{
		Hostname:          hn,
		EnableAuth:        false,
		KeysDirectory:     "./keys",
		TrustFile:         "./trusted_nodes.json",
		SaveDirectory:     "./received_files",
		TransferLedgerDB:  "./transfers.db",
		DiscoveryPort:     5000,
		DataPort:          5001,
		BroadcastInterval: 30 * time.Second,
		NodeTimeout:       90 * time.Second,
		MaxTTL:            20,
		ChunkSizeBytes:    64 * 1024,
		SharedPassphrase:  "",
	}
}

// withDefaults fills unset fields of cfg from defaultConfig without
// clobbering anything the caller specified.
func withDefaults(cfg Config) Config {
	def := defaultConfig()
	if cfg.Hostname == "" {
		cfg.Hostname = def.Hostname
	}
	if cfg.KeysDirectory == "" {
		cfg.KeysDirectory = def.KeysDirectory
	}
	if cfg.TrustFile == "" {
		cfg.TrustFile = def.TrustFile
	}
	if cfg.SaveDirectory == "" {
		cfg.SaveDirectory = def.SaveDirectory
	}
	if cfg.TransferLedgerDB == "" {
		cfg.TransferLedgerDB = def.TransferLedgerDB
	}
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = def.DiscoveryPort
	}
	if cfg.DataPort == 0 {
		cfg.DataPort = def.DataPort
	}
	if cfg.BroadcastInterval == 0 {
		cfg.BroadcastInterval = def.BroadcastInterval
	}
	if cfg.NodeTimeout == 0 {
		cfg.NodeTimeout = def.NodeTimeout
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	if cfg.ChunkSizeBytes == 0 {
		cfg.ChunkSizeBytes = def.ChunkSizeBytes
	}
	return cfg
}

// NodeInfo describes a discovered peer.
type NodeInfo struct {
	NodeID   string    `json:"node_id"`
	IPAddr   string    `json:"ip_addr"`
	Port     uint16    `json:"port"`
	Hostname string    `json:"hostname"`
	LastSeen time.Time `json:"last_seen"`
}

// Envelope is the relayed unit that traverses the mesh.
type Envelope struct {
	MsgID     string   `json:"msg_id"`
	SourceID  string   `json:"source_id"`
	DestID    string   `json:"dest_id"`
	Payload   string   `json:"payload"`
	Timestamp float64  `json:"timestamp"`
	TTL       int      `json:"ttl"`
	MsgType   string   `json:"msg_type"`
	Route     []string `json:"route"`
}

// SignedBlob is JSON-marshaled into an Envelope's payload before symmetric
// encryption.
type SignedBlob struct {
	Cleartext       string `json:"cleartext"`
	SignerID        string `json:"signer_id"`
	SignerPubKeyB64 string `json:"signer_pubkey_b64"`
	SignatureB64    string `json:"signature_b64"`
}

// TrustInfo is the shell-facing summary of the trust ledger.
type TrustInfo struct {
	Count  int
	Scores map[string]int
}

// Stats are cumulative counters maintained by the node controller, exposed
// for the headless relay wrapper's accounting.
type Stats struct {
	MessagesReceived  int64
	MessagesRelayed   int64
	MessagesDelivered int64
	MessagesDropped   int64
}

// fileChunkWire is the wire form of one chunk, carried as the text of a
// file-kind envelope's decrypted payload.
type fileChunkWire struct {
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Data        string `json:"data"`
	FileSize    int64  `json:"file_size"`
}
