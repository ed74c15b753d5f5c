package tls

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generate(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certFile = filepath.Join(dir, "server.crt")
	keyFile = filepath.Join(dir, "server.key")
	require.NoError(t, GenerateSelfSigned(certFile, keyFile, "sandboxd", "10.0.0.5", "sandbox.internal"))
	return certFile, keyFile
}

func TestGenerateSelfSigned(t *testing.T) {
	certFile, keyFile := generate(t)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := ServerConfig(certFile, keyFile, "")
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	leaf := cfg.Certificates[0]
	require.NotEmpty(t, leaf.Certificate)
}

func TestMutualTLSRoundTrip(t *testing.T) {
	certFile, keyFile := generate(t)

	serverCfg, err := ServerConfig(certFile, keyFile, certFile)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	ts.TLS = serverCfg
	ts.StartTLS()
	defer ts.Close()

	clientCfg, err := ClientConfig(certFile, keyFile, certFile)
	require.NoError(t, err)
	hc := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}

	resp, err := hc.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))

	// without a client certificate the handshake is refused
	anonCfg, err := ClientConfig("", "", certFile)
	require.NoError(t, err)
	anon := &http.Client{Transport: &http.Transport{TLSClientConfig: anonCfg}}
	_, err = anon.Get(ts.URL)
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := ServerConfig(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key"), "")
	assert.Error(t, err)

	bogus := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not a certificate"), 0o644))
	_, err = ClientConfig("", "", bogus)
	assert.ErrorContains(t, err, "failed to parse CA certificate")
}
