package config

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kvServer answers KV v2 reads for a single secret path.
func kvServer(t *testing.T, token, path string, data map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != token {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		if r.Method != http.MethodGet || r.URL.Path != "/v1/"+path {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data":     data,
				"metadata": map[string]interface{}{"version": 3},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultSourceReadSecret(t *testing.T) {
	srv := kvServer(t, "s.test", "secret/data/bmc/bmc01", map[string]interface{}{
		"password": "from-vault",
		"admin":    "other",
	})

	vs, err := NewVaultSource(srv.URL, "s.test", testLogger())
	require.NoError(t, err)

	v, err := vs.ReadSecret(context.Background(), "secret/bmc/bmc01")
	require.NoError(t, err)
	assert.Equal(t, "from-vault", v)

	v, err = vs.ReadSecret(context.Background(), "secret/bmc/bmc01#admin")
	require.NoError(t, err)
	assert.Equal(t, "other", v)

	_, err = vs.ReadSecret(context.Background(), "secret/bmc/bmc01#missing")
	assert.ErrorContains(t, err, `field "missing" not found`)

	_, err = vs.ReadSecret(context.Background(), "secret/bmc/absent")
	assert.Error(t, err)

	_, err = vs.ReadSecret(context.Background(), "nomount")
	assert.Error(t, err)
}

func TestVaultSourceRejectedToken(t *testing.T) {
	srv := kvServer(t, "s.test", "secret/data/bmc/bmc01", map[string]interface{}{"password": "x"})

	vs, err := NewVaultSource(srv.URL, "s.wrong", testLogger())
	require.NoError(t, err)

	_, err = vs.ReadSecret(context.Background(), "secret/bmc/bmc01")
	assert.ErrorContains(t, err, "failed to read secret/data/bmc/bmc01 from Vault")
}
