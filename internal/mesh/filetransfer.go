package mesh

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite"
)

// transferState is the per-file_id bookkeeping C8 owns: filename, declared
// size/chunk count, and the chunks received so far.
type transferState struct {
	FileID      string
	Filename    string
	TotalChunks int
	FileSize    int64
	chunks      map[int][]byte
	complete    bool
}

func (s *transferState) progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(len(s.chunks)) / float64(s.TotalChunks)
}

// TransferRecord is one completed-transfer row in the sqlite ledger, an
// enrichment beyond spec.md's in-memory-only transfer state (the ledger
// never stores in-flight chunk data, only the completed result).
type TransferRecord struct {
	FileID      string
	Filename    string
	FinalPath   string
	CompletedAt time.Time
	TotalBytes  int64
}

// fileReassembler implements C8: chunking on send, idempotent reassembly
// on receive, collision-safe materialization under SaveDirectory, and a
// durable ledger of completed transfers.
type fileReassembler struct {
	mu            sync.Mutex
	saveDirectory string
	chunkSize     int
	transfers     map[string]*transferState
	db            *sql.DB
	onComplete    func(filename, finalPath string)
}

func newFileReassembler(cfg Config, onComplete func(filename, finalPath string)) (*fileReassembler, error) {
	if err := os.MkdirAll(cfg.SaveDirectory, 0o755); err != nil {
		return nil, newErr(KindStorage, "create save directory", err)
	}
	db, err := sql.Open("sqlite", cfg.TransferLedgerDB)
	if err != nil {
		return nil, newErr(KindStorage, "open transfer ledger", err)
	}
	schema := `CREATE TABLE IF NOT EXISTS completed_transfers (
		file_id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		final_path TEXT NOT NULL,
		completed_at INTEGER NOT NULL,
		total_bytes INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, newErr(KindStorage, "init transfer ledger schema", err)
	}
	return &fileReassembler{
		saveDirectory: cfg.SaveDirectory,
		chunkSize:     cfg.ChunkSizeBytes,
		transfers:     make(map[string]*transferState),
		db:            db,
		onComplete:    onComplete,
	}, nil
}

func (f *fileReassembler) close() error {
	return f.db.Close()
}

// fileID derives the 16-hex-character fingerprint from filename and
// declared size.
func fileID(filename string, fileSize int64) string {
	digest := sha256Hex([]byte(fmt.Sprintf("%s%d", filename, fileSize)))
	return digest[:16]
}

// chunkFile splits raw into chunkSize-byte pieces and returns the wire
// chunks ready to be sent as file-kind envelope payloads.
func chunkFile(filename string, raw []byte, chunkSize int) []fileChunkWire {
	total := (len(raw) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	id := fileID(filename, int64(len(raw)))
	chunks := make([]fileChunkWire, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		chunks = append(chunks, fileChunkWire{
			FileID:      id,
			Filename:    filename,
			ChunkIndex:  i,
			TotalChunks: total,
			Data:        base64.StdEncoding.EncodeToString(raw[start:end]),
			FileSize:    int64(len(raw)),
		})
	}
	return chunks
}

// marshalChunk serializes a wire chunk to the JSON text carried as a
// file-kind envelope's payload before encryption.
func marshalChunk(c fileChunkWire) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", newErr(KindDecode, "marshal file chunk", err)
	}
	return string(b), nil
}

// receiveChunk is idempotent over duplicates: receiving the same
// (file_id, chunk_index) twice is a no-op. Returns true once the file has
// just completed (on this call), so the caller can decide whether to log.
func (f *fileReassembler) receiveChunk(payload string) (justCompleted bool, err error) {
	var wire fileChunkWire
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return false, newErr(KindDecode, "decode file chunk", err)
	}
	data, err := base64.StdEncoding.DecodeString(wire.Data)
	if err != nil {
		return false, newErr(KindDecode, "decode chunk data", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.transfers[wire.FileID]
	if !ok {
		st = &transferState{
			FileID:      wire.FileID,
			Filename:    wire.Filename,
			TotalChunks: wire.TotalChunks,
			FileSize:    wire.FileSize,
			chunks:      make(map[int][]byte),
		}
		f.transfers[wire.FileID] = st
	}
	if st.complete {
		return false, nil
	}
	if _, seen := st.chunks[wire.ChunkIndex]; seen {
		return false, nil
	}
	st.chunks[wire.ChunkIndex] = data

	log.WithFields(map[string]interface{}{
		"file_id": wire.FileID,
		"received": humanize.Bytes(uint64(len(data))),
		"progress": fmt.Sprintf("%d/%d", len(st.chunks), st.TotalChunks),
	}).Debug("file chunk received")

	if len(st.chunks) != st.TotalChunks {
		return false, nil
	}

	finalPath, err := f.materialize(st)
	if err != nil {
		log.WithError(err).WithField("file_id", st.FileID).Warn("file materialization failed")
		return false, err
	}
	st.complete = true

	if err := f.recordCompletion(st, finalPath); err != nil {
		log.WithError(err).Warn("transfer ledger write failed")
	}

	if f.onComplete != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Warn("completion callback panicked")
				}
			}()
			f.onComplete(st.Filename, finalPath)
		}()
	}
	return true, nil
}

// materialize concatenates chunks in ascending index order and writes the
// file under saveDirectory, appending a numeric suffix on name collision.
func (f *fileReassembler) materialize(st *transferState) (string, error) {
	path := f.collisionFreePath(st.Filename)
	out, err := os.Create(path)
	if err != nil {
		return "", newErr(KindStorage, "create output file", err)
	}
	defer out.Close()

	indices := make([]int, 0, len(st.chunks))
	for idx := range st.chunks {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		if _, err := out.Write(st.chunks[idx]); err != nil {
			return "", newErr(KindStorage, "write output file", err)
		}
	}
	return path, nil
}

func (f *fileReassembler) collisionFreePath(filename string) string {
	path := filepath.Join(f.saveDirectory, filename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for i := 1; ; i++ {
		candidate := filepath.Join(f.saveDirectory, fmt.Sprintf("%s_%d%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func (f *fileReassembler) recordCompletion(st *transferState, finalPath string) error {
	_, err := f.db.Exec(
		`INSERT OR REPLACE INTO completed_transfers (file_id, filename, final_path, completed_at, total_bytes) VALUES (?, ?, ?, ?, ?)`,
		st.FileID, st.Filename, finalPath, time.Now().Unix(), st.FileSize,
	)
	if err != nil {
		return newErr(KindStorage, "insert transfer record", err)
	}
	return nil
}

// History returns up to limit most-recently-completed transfers.
func (f *fileReassembler) History(limit int) ([]TransferRecord, error) {
	rows, err := f.db.Query(
		`SELECT file_id, filename, final_path, completed_at, total_bytes FROM completed_transfers ORDER BY completed_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, newErr(KindStorage, "query transfer history", err)
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		var completedUnix int64
		if err := rows.Scan(&rec.FileID, &rec.Filename, &rec.FinalPath, &completedUnix, &rec.TotalBytes); err != nil {
			return nil, newErr(KindStorage, "scan transfer record", err)
		}
		rec.CompletedAt = time.Unix(completedUnix, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// progress returns the received/total chunk ratio for an in-flight
// transfer.
func (f *fileReassembler) progress(fileID string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.transfers[fileID]
	if !ok {
		return 0, false
	}
	return st.progress(), true
}

// cleanup discards all completed transfer states from memory (the sqlite
// ledger retains the durable record).
func (f *fileReassembler) cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, st := range f.transfers {
		if st.complete {
			delete(f.transfers, id)
		}
	}
}
