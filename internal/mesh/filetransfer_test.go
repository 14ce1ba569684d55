package mesh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReassembler(t *testing.T) *fileReassembler {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		SaveDirectory:    filepath.Join(dir, "received"),
		TransferLedgerDB: filepath.Join(dir, "transfers.db"),
		ChunkSizeBytes:   64 * 1024,
	}
	var completions []string
	f, err := newFileReassembler(cfg, func(filename, finalPath string) {
		completions = append(completions, filename+"|"+finalPath)
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.close() })
	return f
}

func TestFileRoundTripOutOfOrder(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		SaveDirectory:    filepath.Join(dir, "received"),
		TransferLedgerDB: filepath.Join(dir, "transfers.db"),
		ChunkSizeBytes:   64 * 1024,
	}
	completions := 0
	f, err := newFileReassembler(cfg, func(filename, finalPath string) { completions++ })
	require.NoError(t, err)
	defer f.close()

	raw := make([]byte, 200*1024)
	for i := range raw {
		raw[i] = byte(i % 251)
	}
	chunks := chunkFile("report.bin", raw, cfg.ChunkSizeBytes)
	require.Len(t, chunks, 4)

	order := []int{2, 0, 3, 1}
	for _, i := range order {
		body, err := marshalChunk(chunks[i])
		require.NoError(t, err)
		_, err = f.receiveChunk(body)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, completions)
	written, err := os.ReadFile(filepath.Join(cfg.SaveDirectory, "report.bin"))
	require.NoError(t, err)
	assert.Equal(t, raw, written)
}

func TestFileDuplicateChunkIsNoop(t *testing.T) {
	f := newTestReassembler(t)
	raw := []byte("short file contents")
	chunks := chunkFile("note.txt", raw, 64*1024)
	require.Len(t, chunks, 1)

	body, err := marshalChunk(chunks[0])
	require.NoError(t, err)

	completed1, err := f.receiveChunk(body)
	require.NoError(t, err)
	assert.True(t, completed1)

	completed2, err := f.receiveChunk(body)
	require.NoError(t, err)
	assert.False(t, completed2, "re-delivering a completed chunk must be a no-op")
}

func TestFileCollisionSuffix(t *testing.T) {
	f := newTestReassembler(t)
	raw1 := []byte("first version")
	raw2 := []byte("second version, different size")

	chunks1 := chunkFile("dup.txt", raw1, 64*1024)
	body1, _ := marshalChunk(chunks1[0])
	_, err := f.receiveChunk(body1)
	require.NoError(t, err)

	chunks2 := chunkFile("dup.txt", raw2, 64*1024)
	body2, _ := marshalChunk(chunks2[0])
	_, err = f.receiveChunk(body2)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(f.saveDirectory, "dup.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.saveDirectory, "dup_1.txt"))
	require.NoError(t, err, "second file with same name must get a numeric suffix")
}

func TestFileIDDerivation(t *testing.T) {
	id1 := fileID("a.txt", 100)
	id2 := fileID("a.txt", 100)
	id3 := fileID("a.txt", 200)
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.Len(t, id1, 16)
}

func TestFileHistoryRecordsCompletedTransfer(t *testing.T) {
	f := newTestReassembler(t)
	raw := []byte("history entry contents")
	chunks := chunkFile("history.txt", raw, 64*1024)
	body, _ := marshalChunk(chunks[0])
	_, err := f.receiveChunk(body)
	require.NoError(t, err)

	records, err := f.History(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "history.txt", records[0].Filename)
	assert.Equal(t, int64(len(raw)), records[0].TotalBytes)
}
