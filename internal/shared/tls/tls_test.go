package tls

import (
	"crypto/tls"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeServerCA(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ca.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(path, block, 0o600))
	return path
}

func TestHTTPClient_TrustsPrivateCA(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := (&http.Client{Timeout: time.Second}).Get(srv.URL)
	require.Error(t, err, "server cert is not in the system roots")

	client, err := HTTPClient(Config{CAFile: writeServerCA(t, srv)}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, client.Timeout)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestClientTLSConfig(t *testing.T) {
	cfg, err := ClientTLSConfig(Config{})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Nil(t, cfg.RootCAs)

	cfg, err = ClientTLSConfig(Config{MinVersion: "1.3"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	_, err = ClientTLSConfig(Config{MinVersion: "1.0"})
	assert.Error(t, err)

	_, err = ClientTLSConfig(Config{CAFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a cert"), 0o600))
	_, err = ClientTLSConfig(Config{CAFile: garbage})
	assert.Error(t, err)
}

func TestServerTLSConfig_RequiresPair(t *testing.T) {
	assert.False(t, Config{CertFile: "cert.pem"}.Enabled())

	_, err := ServerTLSConfig(Config{})
	assert.Error(t, err)

	_, err = ServerTLSConfig(Config{CertFile: "missing.pem", KeyFile: "missing.key"})
	assert.Error(t, err)
}
