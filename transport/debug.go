package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/evs"
)

// DebugServer is the introspection HTTP server grounded on the teacher's
// netServer.listenAndServe (ais/httpcommon.go): h2c-wrapped so plaintext
// HTTP/2 works without TLS, routed with gorilla/mux the way the teacher
// routes with its vendored mux fork. It exposes read-only /view, /stats
// and /gcache endpoints; nothing here feeds back into the protocol engine.
type DebugServer struct {
	srv *http.Server
}

// GCacheStat is what the /v1/gcomm/gcache endpoint reports.
type GCacheStat struct {
	MinSeqno cmn.Seqno `json:"min_seqno"`
	MaxSeqno cmn.Seqno `json:"max_seqno"`
}

// NewDebugServer wires the three introspection endpoints onto addr.
// viewFn/statsFn/cacheFn are called synchronously per request; callers
// are expected to take their own lock if the underlying state isn't
// safe for concurrent reads (the same contract the teacher's handlers
// have with smapowner/bmdowner).
func NewDebugServer(addr string, viewFn func() *evs.View, statsFn func() map[string]interface{}, cacheFn func() GCacheStat) *DebugServer {
	r := mux.NewRouter()

	r.HandleFunc("/v1/gcomm/view", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, viewFn())
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/gcomm/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, statsFn())
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/gcomm/gcache", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, cacheFn())
	}).Methods(http.MethodGet)

	return &DebugServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: h2c.NewHandler(r, &http2.Server{}),
		},
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		cmn.Log.Warningf("transport: debug endpoint encode: %v", err)
	}
}

// ListenAndServe blocks serving the debug endpoints until Shutdown is
// called, mirroring netServer.listenAndServe's http.ErrServerClosed
// swallow.
func (d *DebugServer) ListenAndServe() error {
	if err := d.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return cmn.NewError("DebugServer.ListenAndServe", cmn.KindIOError, err)
	}
	return nil
}

// Shutdown gracefully stops the debug server, grounded on the teacher's
// netServer.shutdown timeout-bounded Shutdown call.
func (d *DebugServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.srv.Shutdown(ctx)
}
