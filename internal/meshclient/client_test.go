package meshclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/HerbHall/meshsip/internal/testutil"
)

func newTestClient(t *testing.T, nodes ...testutil.Sysinfo) (*Client, *testutil.MeshServer) {
	t.Helper()
	srv := testutil.NewMeshServer(t, nodes...)
	return New(DefaultConfig(), zaptest.NewLogger(t), WithBaseURL(srv.BaseURL)), srv
}

func TestFetchNodeInfo(t *testing.T) {
	c, _ := newTestClient(t, testutil.NewSysinfo("HB9ABC-1", testutil.WithLocation("46.1", "6.2")))

	ni, err := c.FetchNodeInfo(context.Background(), "hb9abc-1")
	require.NoError(t, err)
	assert.Equal(t, NodeInfo{Name: "HB9ABC-1", Lat: "46.1", Lon: "6.2"}, ni)

	lat, lon, err := c.FetchLocation(context.Background(), "hb9abc-1")
	require.NoError(t, err)
	assert.Equal(t, "46.1", lat)
	assert.Equal(t, "6.2", lon)
}

func TestFetchNodeInfo_NotFound(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.FetchNodeInfo(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestFetchNeighbors(t *testing.T) {
	c, _ := newTestClient(t, testutil.NewSysinfo("HB9ABC-1",
		testutil.WithNeighbor("HB9XYZ-2.local.mesh", "10.1.1.2", 12.5),
		testutil.WithDownNeighbor("dtdlink.HB9QRS-3.local.mesh", "10.1.1.3"),
		testutil.WithNeighbor("", "10.1.1.4", 3),
	))

	nbrs, err := c.FetchNeighbors(context.Background(), "hb9abc-1")
	require.NoError(t, err)
	require.Len(t, nbrs, 3)

	assert.Equal(t, Neighbor{Name: "10.1.1.4", IP: "10.1.1.4", RTTMs: 3}, nbrs[0])
	assert.Equal(t, Neighbor{Name: "HB9XYZ-2.local.mesh", IP: "10.1.1.2", RTTMs: 12.5}, nbrs[1])
	assert.Equal(t, Neighbor{Name: "dtdlink.HB9QRS-3.local.mesh", IP: "10.1.1.3", RTTMs: 0}, nbrs[2])
}

func TestFetchNeighbors_LinkInfoFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "link_info=1&lqm=1", r.URL.RawQuery)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"node": "HB9ABC-1",
			"lat":  46.5,
			"lon":  nil,
			"link_info": map[string]any{
				"10.9.9.9": map[string]any{"hostname": "HB9OLD-1", "linkType": "RF"},
			},
		})
	}))
	defer srv.Close()

	c := New(DefaultConfig(), nil, WithBaseURL(func(string) string { return srv.URL }))
	nbrs, err := c.FetchNeighbors(context.Background(), "hb9abc-1")
	require.NoError(t, err)
	assert.Equal(t, []Neighbor{{Name: "HB9OLD-1", IP: "10.9.9.9"}}, nbrs)

	ni, err := c.FetchNodeInfo(context.Background(), "hb9abc-1")
	require.NoError(t, err)
	assert.Equal(t, "46.5", ni.Lat)
	assert.Equal(t, "", ni.Lon)
}

func TestFetchPhones(t *testing.T) {
	c, _ := newTestClient(t, testutil.NewSysinfo("HB9ABC-1",
		testutil.WithPhone("200"),
		testutil.WithPhone("201"),
		testutil.WithPhone("200"),
		testutil.WithService("Webcam", "http://hb9abc-1-cam.local.mesh:80/"),
		testutil.WithService("300 fax", "http://10.1.1.9/"),
	))

	phones, err := c.FetchPhones(context.Background(), "hb9abc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"200", "201", "300"}, phones)
}

func TestFetch_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	c := New(DefaultConfig(), nil, WithBaseURL(func(string) string { return srv.URL }))
	_, err := c.FetchPhones(context.Background(), "x")
	assert.Error(t, err)
}

func TestFetch_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	cfg := DefaultConfig()
	cfg.Timeout = 100 * time.Millisecond
	c := New(cfg, nil, WithBaseURL(func(string) string { return srv.URL }))

	start := time.Now()
	_, err := c.FetchNodeInfo(context.Background(), "slow")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDefaultBaseURL(t *testing.T) {
	c := New(Config{Port: 8080, Domain: "local.mesh"}, nil)
	assert.Equal(t, "http://hb9abc-1.local.mesh:8080", c.baseURL("hb9abc-1"))
	assert.Equal(t, "http://10.1.1.1:8080", c.baseURL("10.1.1.1"))
}
