package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"irsvenue/config"
	"irsvenue/crypto"
	"irsvenue/services/irsd/server"
)

func TestMintTokenCarriesScopes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token, err := mintToken("secret", "irs1abc", "irsd", "", []string{server.ScopeTrade, server.ScopeSettle}, time.Hour, now)
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	require.NoError(t, err)
	require.Equal(t, "irs1abc", claims["sub"])
	require.Equal(t, "irs:trade irs:settle", claims["scope"])
	require.Equal(t, "irsd", claims["iss"])
	require.EqualValues(t, now.Add(time.Hour).Unix(), claims["exp"])

	_, err = mintToken("secret", " ", "", "", []string{server.ScopeTrade}, time.Hour, now)
	require.Error(t, err)
	_, err = mintToken("secret", "ops", "", "", nil, time.Hour, now)
	require.Error(t, err)
	_, err = mintToken("", "ops", "", "", []string{server.ScopeAdmin}, time.Hour, now)
	require.Error(t, err)
}

func TestSplitScopes(t *testing.T) {
	require.Equal(t, []string{"irs:trade", "irs:admin"}, splitScopes(" irs:trade, ,irs:admin "))
	require.Nil(t, splitScopes(""))
}

func TestGenerateKeyRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.keystore")
	addr, err := generateKey(path, "pass")
	require.NoError(t, err)
	key, err := crypto.LoadFromKeystore(path, "pass")
	require.NoError(t, err)
	require.True(t, key.PubKey().Address().Equal(addr))
}

func TestDescribeDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "irs.toml")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, describe(cfg, &out))
	require.Contains(t, out.String(), "Owner: "+cfg.Owner)
	require.Contains(t, out.String(), "Liquidation: false")
}

func TestCallReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"missing bearer token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, call(srv.Client(), http.MethodGet, srv.URL+"/healthz", "tok", nil, &out))
	require.True(t, strings.Contains(out.String(), `"status": "ok"`))

	out.Reset()
	err := call(srv.Client(), http.MethodPost, srv.URL+"/v1/poke", "", []byte(`{}`), &out)
	require.Error(t, err)
	require.Contains(t, out.String(), "missing bearer token")
}
