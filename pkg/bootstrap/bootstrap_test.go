package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Weypare/subql/pkg/chainid"
	"github.com/Weypare/subql/pkg/events"
	"github.com/Weypare/subql/pkg/hasher"
	"github.com/Weypare/subql/pkg/rpcclient"
	"github.com/Weypare/subql/pkg/rpcpool"
)

const (
	genesisA = "0x1111111111111111111111111111111111111111111111111111111111111111"
	genesisB = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

type fakeConn struct {
	url     string
	index   int
	genesis string
	closed  atomic.Bool
}

func (c *fakeConn) Call(context.Context, string, []any) (json.RawMessage, error) {
	return json.RawMessage(`null`), nil
}
func (c *fakeConn) URL() string                     { return c.url }
func (c *fakeConn) Index() int                      { return c.index }
func (c *fakeConn) Genesis() string                 { return c.genesis }
func (c *fakeConn) Connected() bool                 { return !c.closed.Load() }
func (c *fakeConn) Reconnect(context.Context) error { return nil }
func (c *fakeConn) Close() error                    { c.closed.Store(true); return nil }

type recordingPool struct {
	mu    sync.Mutex
	conns []rpcpool.Conn
}

func (p *recordingPool) Register(conn rpcpool.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = append(p.conns, conn)
}

// fakeNetwork dials fakeConns reporting the configured genesis per URL; URLs
// without one are unreachable.
type fakeNetwork struct {
	mu      sync.Mutex
	genesis map[string]string
	dialed  []*fakeConn
}

func (n *fakeNetwork) dial(_ context.Context, index int, url string) (Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.genesis[url]
	if !ok {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{url: url, index: index, genesis: g}
	n.dialed = append(n.dialed, c)
	return c, nil
}

func TestMergeEndpoints(t *testing.T) {
	tests := []struct {
		name      string
		primary   string
		endpoints []string
		want      []string
	}{
		{"no primary", "", []string{"ws://a", "ws://b"}, []string{"ws://a", "ws://b"}},
		{"primary first", "ws://p", []string{"ws://a"}, []string{"ws://p", "ws://a"}},
		{"primary deduplicated", "ws://a", []string{"ws://b", "ws://a/"}, []string{"ws://a", "ws://b"}},
		{"blanks dropped", "", []string{" ", "ws://a", ""}, []string{"ws://a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeEndpoints(tt.primary, tt.endpoints))
		})
	}
}

func TestRun(t *testing.T) {
	network := &fakeNetwork{genesis: map[string]string{"ws://a": genesisA, "ws://b": genesisA, "ws://p": genesisA}}
	pool := &recordingPool{}

	res, err := Run(context.Background(), NetworkConfig{
		Endpoints:       []string{"ws://a", "ws://b"},
		ChainID:         genesisA,
		PrimaryEndpoint: "ws://p",
		ChainTypes: &hasher.ChainTypes{
			Hasher: hasher.Named("blake2_256"),
			TypesBundle: &hasher.TypesBundle{Spec: map[string]*hasher.BundleSpec{
				"kusama": {Hasher: hasher.Named("xxhash128")},
			}},
		},
	}, Deps{Pool: pool, Dial: network.dial})
	require.NoError(t, err)

	require.True(t, res.ChainTypes.Hasher.Resolved())
	require.True(t, res.ChainTypes.TypesBundle.Spec["kusama"].Hasher.Resolved())

	urls := make([]string, len(res.Connections))
	for i, c := range res.Connections {
		urls[i] = c.URL()
		assert.Equal(t, i, c.Index())
	}
	assert.Equal(t, []string{"ws://p", "ws://a", "ws://b"}, urls)
	assert.Len(t, pool.conns, 3)
	assert.Empty(t, res.Skipped)
}

func TestRunWithoutChainTypes(t *testing.T) {
	network := &fakeNetwork{genesis: map[string]string{"ws://a": genesisA}}

	res, err := Run(context.Background(), NetworkConfig{
		Endpoints: []string{"ws://a"},
		ChainID:   genesisA,
	}, Deps{Pool: &recordingPool{}, Dial: network.dial})
	require.NoError(t, err)
	assert.Nil(t, res.ChainTypes)
}

func TestRunUnknownHasherIsFatal(t *testing.T) {
	network := &fakeNetwork{genesis: map[string]string{"ws://a": genesisA}}
	pool := &recordingPool{}

	_, err := Run(context.Background(), NetworkConfig{
		Endpoints:  []string{"ws://a"},
		ChainID:    genesisA,
		ChainTypes: &hasher.ChainTypes{Hasher: hasher.Named("md5")},
	}, Deps{Pool: pool, Dial: network.dial})

	var resErr *hasher.ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, "md5", resErr.Name)
	assert.Empty(t, network.dialed, "no endpoint is dialed before hashers resolve")
	assert.Empty(t, pool.conns)
}

func TestRunChainMismatchIsFatal(t *testing.T) {
	network := &fakeNetwork{genesis: map[string]string{"ws://a": genesisA, "ws://b": genesisB}}
	pool := &recordingPool{}

	_, err := Run(context.Background(), NetworkConfig{
		Endpoints: []string{"ws://a", "ws://b"},
		ChainID:   genesisA,
	}, Deps{Pool: pool, Dial: network.dial})

	var mismatch *chainid.MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, genesisA, mismatch.Expected)
	assert.Equal(t, genesisB, mismatch.Actual)

	assert.Empty(t, pool.conns)
	for _, c := range network.dialed {
		assert.True(t, c.closed.Load(), "%s left open", c.url)
	}
}

func TestRunSkipsUnreachable(t *testing.T) {
	network := &fakeNetwork{genesis: map[string]string{"ws://b": genesisA}}
	pool := &recordingPool{}

	res, err := Run(context.Background(), NetworkConfig{
		Endpoints: []string{"ws://a", "ws://b"},
		ChainID:   genesisA,
	}, Deps{Pool: pool, Dial: network.dial})
	require.NoError(t, err)

	assert.Equal(t, []string{"ws://a"}, res.Skipped)
	require.Len(t, pool.conns, 1)
	assert.Equal(t, "ws://b", pool.conns[0].URL())
	assert.Equal(t, 1, pool.conns[0].Index())
}

func TestRunNoReachableEndpoints(t *testing.T) {
	network := &fakeNetwork{genesis: map[string]string{}}

	_, err := Run(context.Background(), NetworkConfig{
		Endpoints: []string{"ws://a"},
		ChainID:   genesisA,
	}, Deps{Pool: &recordingPool{}, Dial: network.dial})
	assert.ErrorIs(t, err, ErrNoConnections)

	_, err = Run(context.Background(), NetworkConfig{ChainID: genesisA}, Deps{Pool: &recordingPool{}, Dial: network.dial})
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestDefaultDialerForwardsLiveness(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID uint64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": genesisA})
	}))
	defer server.Close()

	bus := events.NewBus()
	var mu sync.Mutex
	var seen []bool
	require.NoError(t, bus.SubscribeConnection(func(up bool, c events.Connection) {
		mu.Lock()
		seen = append(seen, up)
		mu.Unlock()
	}))

	pool := rpcpool.NewPool(rpcpool.DefaultConfig(), nil)
	res, err := Run(context.Background(), NetworkConfig{
		Endpoints: []string{server.URL},
		ChainID:   genesisA,
	}, Deps{Pool: pool, Dial: DefaultDialer(rpcclient.Options{}, bus, nil)})
	require.NoError(t, err)
	require.Len(t, res.Connections, 1)
	assert.Equal(t, 1, pool.TotalCount())

	require.NoError(t, res.Connections[0].Close())
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []bool{true, false}, seen)
}
