package pac_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/prerender-proxy/internal/pac"
	"github.com/goodtune/prerender-proxy/internal/upstream"
)

const testPAC = `
function FindProxyForURL(url, host) {
	if (host === "render.internal") {
		return "DIRECT";
	}
	return "PROXY squid.local:3128";
}
`

var _ upstream.ProxyResolver = (*pac.Evaluator)(nil)

func writeTempPAC(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "renderer.pac")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProxyFor(t *testing.T) {
	e, err := pac.New(writeTempPAC(t, testPAC))
	require.NoError(t, err)

	tests := []struct {
		name      string
		url       string
		wantProxy string
	}{
		{name: "direct", url: "http://render.internal/http://example.com/"},
		{name: "proxy", url: "http://service.prerender.io/http://example.com/", wantProxy: "http://squid.local:3128"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := e.ProxyFor(tt.url, "")
			require.NoError(t, err)
			if tt.wantProxy == "" {
				assert.Nil(t, u)
				return
			}
			require.NotNil(t, u)
			assert.Equal(t, tt.wantProxy, u.String())
		})
	}
}

func TestReload(t *testing.T) {
	path := writeTempPAC(t, testPAC)
	e, err := pac.New(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`function FindProxyForURL(url, host) { return "DIRECT"; }`), 0o644))
	require.NoError(t, e.Reload())

	route, err := e.Evaluate("http://service.prerender.io/page")
	require.NoError(t, err)
	assert.True(t, route.Direct)
	assert.Equal(t, path, e.Source())
}

func TestReloadKeepsPreviousScriptOnError(t *testing.T) {
	path := writeTempPAC(t, testPAC)
	e, err := pac.New(path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	require.Error(t, e.Reload())

	route, err := e.Evaluate("http://service.prerender.io/page")
	require.NoError(t, err)
	assert.Equal(t, "squid.local:3128", route.ProxyAddress)
}

func TestNewMissingFile(t *testing.T) {
	_, err := pac.New(filepath.Join(t.TempDir(), "missing.pac"))
	assert.Error(t, err)
}
