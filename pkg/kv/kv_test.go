package kv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kvPairJSON mirrors the wire shape of the discovery agent's /v1/kv/ endpoint.
type kvPairJSON struct {
	Key   string
	Value string
	Flags int
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw, err := NewGateway(Config{Address: srv.Listener.Addr().String(), ACLToken: "test-token"})
	require.NoError(t, err)
	return gw
}

func TestGetReturnsValue(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("X-Consul-Token"))
		w.Header().Set("X-Consul-Index", "5")
		_ = json.NewEncoder(w).Encode([]kvPairJSON{
			{Key: "tarantool/abc/blueprint/type", Value: base64.StdEncoding.EncodeToString([]byte("memcached"))},
		})
	})

	value, ok, err := gw.Get(context.Background(), "tarantool/abc/blueprint/type")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "memcached", value)
}

func TestGetMissingKeyReturnsNotOK(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, ok, err := gw.Get(context.Background(), "tarantool/missing/blueprint/type")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetRecursiveOrdersByKey(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Consul-Index", "9")
		_ = json.NewEncoder(w).Encode([]kvPairJSON{
			{Key: "tarantool/abc/blueprint/name", Value: base64.StdEncoding.EncodeToString([]byte("cache-b"))},
			{Key: "tarantool/abc/blueprint/memsize", Value: base64.StdEncoding.EncodeToString([]byte("512"))},
		})
	})

	entries, err := gw.GetRecursive(context.Background(), "tarantool/abc/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tarantool/abc/blueprint/memsize", entries[0].Key)
	assert.Equal(t, "tarantool/abc/blueprint/name", entries[1].Key)
}

func TestGetRecursiveEmptyReturnsNil(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	entries, err := gw.GetRecursive(context.Background(), "tarantool/ghost/")
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestPutSendsValue(t *testing.T) {
	var sawBody []byte
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			buf := make([]byte, r.ContentLength)
			_, _ = r.Body.Read(buf)
			sawBody = buf
			fmt.Fprint(w, "true")
			return
		}
	})

	err := gw.Put(context.Background(), "tarantool/abc/blueprint/name", "cache-a")
	require.NoError(t, err)
	assert.Equal(t, "cache-a", string(sawBody))
}

func TestDeleteRecursive(t *testing.T) {
	var sawRecurse bool
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		sawRecurse = r.URL.Query().Has("recurse")
		fmt.Fprint(w, "true")
	})

	err := gw.DeleteRecursive(context.Background(), "tarantool/abc/")
	require.NoError(t, err)
	assert.True(t, sawRecurse)
}

func TestWatchHealthAggregatesWorstCheck(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Consul-Index", "42")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"Node":    map[string]any{"Node": "host-1"},
				"Service": map[string]any{"Address": "10.0.0.5"},
				"Checks": []map[string]any{
					{"Status": "passing"},
					{"Status": "warning"},
				},
			},
		})
	})

	index, entries, err := gw.WatchHealth(context.Background(), "tarantool", 0, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), index)
	require.Len(t, entries, 1)
	assert.Equal(t, "host-1", entries[0].Node)
	assert.Equal(t, "10.0.0.5", entries[0].Address)
	assert.Equal(t, "warning", entries[0].Status)
}
