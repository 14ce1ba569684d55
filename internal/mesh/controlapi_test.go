package mesh

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testControlNode(t *testing.T, tokens []string) *Node {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		KeysDirectory:     filepath.Join(dir, "keys"),
		TrustFile:         filepath.Join(dir, "trust.json"),
		SaveDirectory:     filepath.Join(dir, "received"),
		TransferLedgerDB:  filepath.Join(dir, "transfers.db"),
		DataPort:          25201,
		DiscoveryPort:     0,
		BroadcastInterval: time.Hour,
		NodeTimeout:       time.Hour,
		MaxTTL:            20,
		ChunkSizeBytes:    64 * 1024,
		ControlAPITokens:  tokens,
	}
	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { n.files.close() })
	return n
}

func TestControlAPIHealthIsAlwaysOpen(t *testing.T) {
	n := testControlNode(t, []string{"secret"})
	api := newControlAPI(n, n.cfg)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlAPIRejectsMissingToken(t *testing.T) {
	n := testControlNode(t, []string{"secret"})
	api := newControlAPI(n, n.cfg)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestControlAPIAcceptsValidToken(t *testing.T) {
	n := testControlNode(t, []string{"secret"})
	api := newControlAPI(n, n.cfg)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, n.NodeID(), body["node_id"])
}

func TestControlAPIOpenAccessWhenNoTokensConfigured(t *testing.T) {
	n := testControlNode(t, nil)
	api := newControlAPI(n, n.cfg)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/peers")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlAPISendRoutesThroughNode(t *testing.T) {
	n := testControlNode(t, nil)
	api := newControlAPI(n, n.cfg)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	body, _ := json.Marshal(sendRequest{DestID: BroadcastDest, Payload: "hi"})
	resp, err := http.Post(srv.URL+"/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	// No neighbors configured, so send has nothing to transmit to.
	assert.Equal(t, false, decoded["sent"])
}
