package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AutoMQ/remoting/pkg/remoting"
	"github.com/AutoMQ/remoting/pkg/remoting/protocol"
	"github.com/AutoMQ/remoting/pkg/server/config"
	"github.com/AutoMQ/remoting/pkg/util/testutil"
)

const (
	_waitFor = 10 * time.Second
	_tick    = 20 * time.Millisecond
)

func newTestServer(t *testing.T, args ...string) *Server {
	re := require.New(t)

	args = append([]string{
		"--listen-addr=127.0.0.1:0",
		"--log-level=ERROR",
		"--remoting-reconnect-interval=50ms",
		"--remoting-subscription-sweep-interval=50ms",
		"--remoting-request-sweep-interval=10ms",
	}, args...)
	cfg, err := config.NewConfig(args, io.Discard)
	re.NoError(err)
	re.NoError(cfg.Adjust())
	re.NoError(cfg.Validate())

	s, err := NewServer(context.Background(), cfg, zap.NewNop())
	re.NoError(err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestServer_Discovery(t *testing.T) {
	re := require.New(t)

	_, client, closeFunc := testutil.StartEtcd(t)
	defer closeFunc()
	endpoints := strings.Join(client.Endpoints(), ",")

	a := newTestServer(t, "--identity=node-a", "--discovery-endpoints="+endpoints, "--discovery-prefix=/test/endpoints")
	b := newTestServer(t, "--identity=node-b", "--discovery-endpoints="+endpoints, "--discovery-prefix=/test/endpoints")
	b.Manager().RegisterTopicHandler("echo", func(m *remoting.Manager, sender *remoting.Endpoint, req *protocol.Request) {
		m.SendUnicastMessage(m.Endpoint(), sender.Name(), &protocol.Response{ID: req.ID, Result: req.Params})
	})

	re.NoError(a.Start())
	re.NoError(b.Start())

	// both endpoints are published with the bound listener address
	resp, err := client.Get(context.Background(), "/test/endpoints/node-a")
	re.NoError(err)
	re.Len(resp.Kvs, 1)
	re.Equal(a.Manager().Addrs()[0].String(), string(resp.Kvs[0].Value))

	re.Eventually(func() bool {
		ep := a.Manager().GetEndpoint("node-b")
		return ep != nil && ep.State() == remoting.Connected && ep.HasSubscription("echo")
	}, _waitFor, _tick)

	results := make(chan *protocol.Response, 1)
	a.Manager().SendAPIMessage(a.Manager().Endpoint(), "node-b", &protocol.Request{Method: "echo", Params: []byte("hello")},
		func(_ *remoting.Manager, _ *remoting.Endpoint, _ *protocol.Request, resp *protocol.Response, timedOut bool) {
			if !timedOut {
				results <- resp
			}
			close(results)
		}, 5*time.Second)
	select {
	case r := <-results:
		re.NotNil(r)
		re.Equal([]byte("hello"), r.Result)
	case <-time.After(_waitFor):
		re.Fail("no response")
	}

	// closing unpublishes the endpoint
	re.NoError(b.Close(context.Background()))
	re.True(b.IsClosed())
	resp, err = client.Get(context.Background(), "/test/endpoints/node-b")
	re.NoError(err)
	re.Empty(resp.Kvs)
	re.Eventually(func() bool {
		return a.Manager().GetEndpoint("node-b").State() != remoting.Connected
	}, _waitFor, _tick)
}

func TestServer_DuplicateIdentity(t *testing.T) {
	re := require.New(t)

	_, client, closeFunc := testutil.StartEtcd(t)
	defer closeFunc()
	endpoints := strings.Join(client.Endpoints(), ",")

	a := newTestServer(t, "--identity=node-a", "--discovery-endpoints="+endpoints)
	re.NoError(a.Start())

	dup := newTestServer(t, "--identity=node-a", "--discovery-endpoints="+endpoints)
	err := dup.Start()
	re.ErrorContains(err, "identity already registered")
	re.True(dup.IsClosed())
	re.Empty(dup.Manager().Addrs())
}

func TestServer_StaticPeers(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	b := newTestServer(t, "--identity=node-b")
	re.NoError(b.Start())
	addr := b.Manager().Addrs()[0].String()

	a := newTestServer(t, "--identity=node-a", "--peers=node-b="+addr, "--listen-addr=")
	re.NoError(a.Start())
	re.Empty(a.Manager().Addrs())

	re.Eventually(func() bool {
		ep := b.Manager().GetEndpoint("node-a")
		return ep != nil && ep.State() == remoting.Connected
	}, _waitFor, _tick)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	s := newTestServer(t, "--identity=node-a", "--metrics-addr=127.0.0.1:0")
	re.Nil(s.MetricsAddr())
	re.NoError(s.Start())
	re.NotNil(s.MetricsAddr())

	s.Manager().SendUnicastMessage(s.Manager().Endpoint(), "nobody", &protocol.Request{Method: "m"})

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", s.MetricsAddr()))
	re.NoError(err)
	defer resp.Body.Close()
	re.Equal(http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	re.NoError(err)
	re.Contains(string(body), `remoting_messages_dropped_total{reason="unknown_endpoint"} 1`)
	re.Contains(string(body), "remoting_connected_endpoints 0")
	re.Contains(string(body), "go_goroutines")

	re.NoError(s.Close(context.Background()))
	// closing twice is a no-op
	re.NoError(s.Close(context.Background()))
}

func TestNewServer_TLSError(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	cfg, err := config.NewConfig([]string{"--identity=node-a", "--tls-cert-file=a.crt", "--tls-key-file=a.key", "--tls-ca-file=ca.crt"}, io.Discard)
	re.NoError(err)
	_, err = NewServer(context.Background(), cfg, zap.NewNop())
	re.ErrorContains(err, "load tls config")
}
