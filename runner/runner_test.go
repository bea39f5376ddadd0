package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"zcollect/config"
	"zcollect/store"
	"zcollect/zabbix"
)

// fakeStore is an in-memory store.Store capturing written facts.
type fakeStore struct {
	mu      sync.Mutex
	plants  map[string]int64
	servers map[string]int64 // "plantID/name" → id
	nextID  int64
	avail   []availFact
	disks   []diskFact
}

type availFact struct {
	ServerID  int64
	Available bool
	RunID     int64
}

type diskFact struct {
	ServerID int64
	DU       store.DiskUsage
}

func newFakeStore(plants map[string]int64) *fakeStore {
	return &fakeStore{plants: plants, servers: make(map[string]int64), nextID: 100}
}

func (f *fakeStore) RunID() int64 { return 7 }

func (f *fakeStore) PlantID(_ context.Context, name string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.plants[name]
	return id, ok, nil
}

func (f *fakeStore) EnsureServer(_ context.Context, plantID int64, name, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d/%s", plantID, name)
	if id, ok := f.servers[key]; ok {
		return id, nil
	}
	f.nextID++
	f.servers[key] = f.nextID
	return f.nextID, nil
}

func (f *fakeStore) InsertAvailability(_ context.Context, serverID int64, available bool, runID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avail = append(f.avail, availFact{ServerID: serverID, Available: available, RunID: runID})
	return nil
}

func (f *fakeStore) InsertDiskSpace(_ context.Context, serverID int64, du store.DiskUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disks = append(f.disks, diskFact{ServerID: serverID, DU: du})
	return nil
}

func (f *fakeStore) Close() error { return nil }

// fakeZabbix serves the subset of the JSON-RPC dialect the pipeline touches:
// one group, one enabled host with agent.ping embedded, and two disk items.
func fakeZabbix(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     int64           `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "apiinfo.version":
			result = "6.0.21"
		case "user.login":
			result = "session-token"
		case "user.logout":
			result = true
		case "hostgroup.get":
			result = []map[string]string{{"groupid": "4", "name": "Servers"}}
		case "host.get":
			result = []map[string]any{{
				"hostid": "10084",
				"name":   "web-01",
				"items":  []map[string]string{{"key_": "agent.ping", "lastvalue": "1"}},
			}}
		case "item.get":
			result = []map[string]string{
				{"key_": "vfs.fs.size[C:,total]", "lastvalue": "100"},
				{"key_": "vfs.fs.size[C:,used]", "lastvalue": "40"},
			}
		default:
			t.Errorf("unexpected method %s", req.Method)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "result": result, "id": req.ID})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fastOpts() []zabbix.Option {
	return []zabbix.Option{zabbix.WithRetry(2, time.Millisecond, 2*time.Millisecond)}
}

func runCfg(instances ...config.Instance) *config.Config {
	return &config.Config{
		GroupName: "Servers",
		Workers:   3,
		Instances: instances,
	}
}

func TestRunCollectsAvailabilityAndDiskFacts(t *testing.T) {
	srv := fakeZabbix(t)
	st := newFakeStore(map[string]int64{"Riverside": 3})

	r := New(runCfg(config.Instance{
		URL: srv.URL, PlantName: "Riverside", Token: "tok",
	}), st, zaptest.NewLogger(t).Sugar(), fastOpts()...)

	results := r.Run(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	require.Len(t, st.avail, 1)
	assert.True(t, st.avail[0].Available)
	assert.Equal(t, int64(7), st.avail[0].RunID)

	require.Len(t, st.disks, 1)
	assert.Equal(t, store.DiskUsage{
		MountPoint:  "C:",
		Total:       100,
		Used:        40,
		Free:        60,
		FreePercent: 60.0,
	}, st.disks[0].DU)
	assert.Equal(t, st.avail[0].ServerID, st.disks[0].ServerID)
}

func TestRunLoginPipeline(t *testing.T) {
	srv := fakeZabbix(t)
	st := newFakeStore(map[string]int64{"Lakeside": 4})

	r := New(runCfg(config.Instance{
		URL: srv.URL, PlantName: "Lakeside", Username: "poller", Password: "hunter2",
	}), st, zaptest.NewLogger(t).Sugar(), fastOpts()...)

	results := r.Run(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Len(t, st.avail, 1)
}

func TestRunMissingPlantFailsInstanceOnly(t *testing.T) {
	srv := fakeZabbix(t)
	st := newFakeStore(map[string]int64{"Riverside": 3}) // no "Atlantis"

	r := New(runCfg(
		config.Instance{URL: srv.URL, PlantName: "Atlantis", Token: "tok"},
		config.Instance{URL: srv.URL, PlantName: "Riverside", Token: "tok"},
	), st, zaptest.NewLogger(t).Sugar(), fastOpts()...)

	results := r.Run(context.Background())
	require.Len(t, results, 2)

	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), `plant "Atlantis" not found`)
	require.NoError(t, results[1].Err)

	// Only the healthy instance wrote facts.
	assert.Len(t, st.avail, 1)
	assert.Len(t, st.disks, 1)
}

func TestRunAuthFailureDoesNotBlockSiblings(t *testing.T) {
	good := fakeZabbix(t)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     int64  `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Method == "apiinfo.version" {
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "result": "6.0.0", "id": req.ID})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"error":   map[string]any{"code": -32602, "message": "Invalid params.", "data": "Incorrect user name or password or account is temporarily blocked."},
			"id":      req.ID,
		})
	}))
	t.Cleanup(bad.Close)

	st := newFakeStore(map[string]int64{"Riverside": 3, "Lakeside": 4})

	r := New(runCfg(
		config.Instance{URL: bad.URL, PlantName: "Lakeside", Username: "poller", Password: "wrong"},
		config.Instance{URL: good.URL, PlantName: "Riverside", Token: "tok"},
	), st, zaptest.NewLogger(t).Sugar(), fastOpts()...)

	results := r.Run(context.Background())
	require.Len(t, results, 2)

	var authErr *zabbix.AuthError
	require.ErrorAs(t, results[0].Err, &authErr)
	require.NoError(t, results[1].Err)
	assert.Len(t, st.avail, 1, "the failed login wrote nothing")
}

func TestRunMissingGroupIsEmptySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     int64  `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		var result any = []any{} // hostgroup.get finds nothing
		if req.Method == "user.logout" {
			result = true
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "result": result, "id": req.ID})
	}))
	t.Cleanup(srv.Close)

	st := newFakeStore(map[string]int64{"Riverside": 3})
	r := New(runCfg(config.Instance{URL: srv.URL, PlantName: "Riverside", Token: "tok"}),
		st, zaptest.NewLogger(t).Sugar(), fastOpts()...)

	results := r.Run(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err, "an absent group yields zero hosts, not failure")
	assert.Empty(t, st.avail)
	assert.Empty(t, st.disks)
}
