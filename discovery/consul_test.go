package discovery

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/lcx/octopus/log"
	onet "github.com/lcx/octopus/net"
)

var _ onet.Resolver = (*ConsulResolver)(nil)

// fakeAgent answers the few Consul HTTP endpoints the resolver uses.
type fakeAgent struct {
	mu           sync.Mutex
	instances    []*api.ServiceEntry
	registered   []api.AgentServiceRegistration
	deregistered []string
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/health/service/"):
		name := strings.TrimPrefix(r.URL.Path, "/v1/health/service/")
		out := []*api.ServiceEntry{}
		for _, e := range f.instances {
			if e.Service.Service == name {
				out = append(out, e)
			}
		}
		w.Header().Set("X-Consul-Index", "1")
		w.Header().Set("X-Consul-LastContact", "0")
		w.Header().Set("X-Consul-KnownLeader", "true")
		_ = json.NewEncoder(w).Encode(out)
	case r.Method == http.MethodPut && r.URL.Path == "/v1/agent/service/register":
		var reg api.AgentServiceRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.registered = append(f.registered, reg)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		f.deregistered = append(f.deregistered, strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/"))
	default:
		http.NotFound(w, r)
	}
}

func newTestResolver(t *testing.T, agent *fakeAgent, cfg ConsulCfg) *ConsulResolver {
	srv := httptest.NewServer(agent)
	t.Cleanup(srv.Close)

	cfg.Address = strings.TrimPrefix(srv.URL, "http://")
	cfg.Scheme = "http"
	r, err := NewConsulResolver(&cfg, log.NewLoggerWithCore(zapcore.NewNopCore(), nil))
	require.NoError(t, err)
	return r
}

func TestConsulResolver_Resolve(t *testing.T) {
	agent := &fakeAgent{instances: []*api.ServiceEntry{
		{Node: &api.Node{Address: "10.0.0.1"}, Service: &api.AgentService{ID: "game-a", Service: "game", Port: 7000}},
		{Node: &api.Node{Address: "10.0.0.2"}, Service: &api.AgentService{ID: "game-b", Service: "game", Address: "192.168.1.5", Port: 7001}},
	}}
	r := newTestResolver(t, agent, ConsulCfg{})

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		addr, err := r.Resolve(context.Background(), "game")
		require.NoError(t, err)
		seen[addr] = true
	}
	// The node address stands in for an empty service address.
	assert.Equal(t, map[string]bool{"10.0.0.1:7000": true, "192.168.1.5:7001": true}, seen)

	_, err := r.Resolve(context.Background(), "lobby")
	assert.ErrorIs(t, err, ErrNoInstance)
}

func TestConsulResolver_RegisterDeregister(t *testing.T) {
	agent := &fakeAgent{}
	r := newTestResolver(t, agent, ConsulCfg{CheckInterval: 10 * time.Second, DeregisterAfter: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := &net.TCPAddr{IP: net.IPv4zero, Port: 7000}
	require.NoError(t, r.Register(ctx, "game", "game-0.0.0.0:7000", addr))
	require.NoError(t, r.Deregister(ctx, "game-0.0.0.0:7000"))

	agent.mu.Lock()
	defer agent.mu.Unlock()
	require.Len(t, agent.registered, 1)
	reg := agent.registered[0]
	assert.Equal(t, "game", reg.Name)
	assert.Equal(t, "game-0.0.0.0:7000", reg.ID)
	assert.Empty(t, reg.Address)
	assert.Equal(t, 7000, reg.Port)
	require.NotNil(t, reg.Check)
	assert.Equal(t, "127.0.0.1:7000", reg.Check.TCP)
	assert.Equal(t, "10s", reg.Check.Interval)
	assert.Equal(t, "1m0s", reg.Check.DeregisterCriticalServiceAfter)

	assert.Equal(t, []string{"game-0.0.0.0:7000"}, agent.deregistered)
}

func TestConsulResolver_UDPRegistersWithoutCheck(t *testing.T) {
	agent := &fakeAgent{}
	r := newTestResolver(t, agent, ConsulCfg{CheckInterval: time.Second})

	addr := &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 9100}
	require.NoError(t, r.Register(context.Background(), "voice", "voice-1", addr))

	agent.mu.Lock()
	defer agent.mu.Unlock()
	require.Len(t, agent.registered, 1)
	assert.Equal(t, "10.1.2.3", agent.registered[0].Address)
	assert.Nil(t, agent.registered[0].Check)
	assert.Equal(t, "udp", agent.registered[0].Meta["network"])
}

func TestConsulCfg_Validate(t *testing.T) {
	assert.NoError(t, (&ConsulCfg{}).Validate())
	assert.Error(t, (&ConsulCfg{Scheme: "ftp"}).Validate())
	assert.Error(t, (&ConsulCfg{CheckInterval: -time.Second}).Validate())
	assert.Equal(t, "discovery", (&ConsulCfg{}).GetName())
}

func TestConsulResolver_EngineClientByService(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	agent := &fakeAgent{instances: []*api.ServiceEntry{
		{Node: &api.Node{Address: "127.0.0.1"}, Service: &api.AgentService{ID: "game-1", Service: "game", Port: port}},
	}}
	r := newTestResolver(t, agent, ConsulCfg{})

	e := onet.NewEngine(nil, onet.WithResolver(r), onet.WithLogger(log.NewLoggerWithCore(zapcore.NewNopCore(), nil)))
	defer e.Close()
	_, err = e.OpenNode(onet.NodeCfg{Name: "c", Protocol: onet.ProtocolTCP, Role: onet.RoleClient, Channel: "game", Service: "game"})
	require.NoError(t, err)

	select {
	case c := <-accepted:
		_ = c.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected to the resolved address")
	}
}
