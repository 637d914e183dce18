package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codership/gcommgo/gcomm/evs"
)

func TestDebugServerEndpoints(t *testing.T) {
	view := evs.NewView(evs.ViewId{Seq: 3})
	cache := GCacheStat{MinSeqno: 1, MaxSeqno: 9}

	d := NewDebugServer("127.0.0.1:0",
		func() *evs.View { return view },
		func() map[string]interface{} { return map[string]interface{}{"state": "OPERATIONAL"} },
		func() GCacheStat { return cache },
	)
	ts := httptest.NewServer(d.srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/gcomm/view")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var gotView evs.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&gotView))
	require.Equal(t, view.Id.Seq, gotView.Id.Seq)

	resp2, err := http.Get(ts.URL + "/v1/gcomm/gcache")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var gotCache GCacheStat
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&gotCache))
	require.Equal(t, cache, gotCache)
}
