// Package ops serves the diagnostic HTTP surface of a running coordinator:
// ticket and tile dumps, stats, ticket operations and a websocket stream of
// readiness changes.
package ops

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chunkflow.ai/internal/persistence/blobstore"
	"chunkflow.ai/internal/persistence/poi"
	"chunkflow.ai/internal/sim/lifecycle"
	"chunkflow.ai/internal/sim/tickets"
	"chunkflow.ai/internal/sim/tilepos"
)

// Coordinator is the part of lifecycle.Coordinator that is safe to call from
// request goroutines.
type Coordinator interface {
	Inspect(ctx context.Context) (lifecycle.Snapshot, error)
	Stats() lifecycle.Stats
	Visible(pos tilepos.Pos) (lifecycle.View, bool)
	SubmitTicketOp(ctx context.Context, op lifecycle.TicketOp) error
	RequestSave(ctx context.Context, flush bool) error
}

type POIIndex interface {
	Near(center tilepos.Pos, radius int, kind string) []poi.Entry
}

type Options struct {
	// POI enables /v1/poi/near when set.
	POI POIIndex
	// StoreStats adds gateway counters to /v1/stats when set.
	StoreStats func() blobstore.GatewayStats
	// LocalOnly rejects mutating requests from non-loopback peers.
	LocalOnly bool
	// RequestTimeout bounds calls into the coordinator loop.
	RequestTimeout time.Duration
}

type Server struct {
	coord Coordinator
	hub   *Hub
	opts  Options
	log   *zap.Logger

	upgrader websocket.Upgrader
}

func NewServer(coord Coordinator, hub *Hub, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	return &Server{
		coord: coord,
		hub:   hub,
		opts:  opts,
		log:   log.Named("ops"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/tickets", s.handleTickets)
	mux.HandleFunc("/v1/tiles.csv", s.handleTilesCSV)
	mux.HandleFunc("/v1/tile", s.handleTile)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/ops", s.handleOp)
	mux.HandleFunc("/v1/save", s.handleSave)
	mux.HandleFunc("/v1/poi/near", s.handlePOINear)
	mux.HandleFunc("/v1/readiness", s.handleReadiness)
	return mux
}

func (s *Server) handleTickets(rw http.ResponseWriter, r *http.Request) {
	snap, ok := s.inspect(rw, r)
	if !ok {
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"tick": snap.Tick, "tickets": snap.Tickets})
}

func (s *Server) handleTilesCSV(rw http.ResponseWriter, r *http.Request) {
	snap, ok := s.inspect(rw, r)
	if !ok {
		return
	}
	rw.Header().Set("Content-Type", "text/csv")
	if err := lifecycle.WriteCSV(rw, snap.Rows); err != nil {
		s.log.Debug("csv write failed", zap.Error(err))
	}
}

type tileResp struct {
	X      int32  `json:"x"`
	Z      int32  `json:"z"`
	Level  int    `json:"level"`
	Class  string `json:"class"`
	Loaded bool   `json:"loaded"`
	Status string `json:"status,omitempty"`
}

func (s *Server) handleTile(rw http.ResponseWriter, r *http.Request) {
	pos, err := parsePos(r)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	v, ok := s.coord.Visible(pos)
	if !ok {
		http.Error(rw, "not resident", http.StatusNotFound)
		return
	}
	resp := tileResp{X: pos.X, Z: pos.Z, Level: v.Level, Class: v.Class.String(), Loaded: v.Loaded}
	if v.Loaded {
		resp.Status = v.Status.String()
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) handleStats(rw http.ResponseWriter, r *http.Request) {
	resp := struct {
		Lifecycle lifecycle.Stats         `json:"lifecycle"`
		Store     *blobstore.GatewayStats `json:"store,omitempty"`
		Readiness HubStats                `json:"readiness"`
	}{
		Lifecycle: s.coord.Stats(),
		Readiness: s.hub.Stats(),
	}
	if s.opts.StoreStats != nil {
		st := s.opts.StoreStats()
		resp.Store = &st
	}
	writeJSON(rw, http.StatusOK, resp)
}

// OpRequest is the body of POST /v1/ops.
type OpRequest struct {
	Op      string `json:"op"`
	Viewer  string `json:"viewer,omitempty"`
	X       int32  `json:"x"`
	Z       int32  `json:"z"`
	Radius  int    `json:"radius,omitempty"`
	Type    string `json:"type,omitempty"`
	Level   int    `json:"level,omitempty"`
	Payload string `json:"payload,omitempty"`
}

func (req OpRequest) toOp() (lifecycle.TicketOp, error) {
	kind, ok := lifecycle.ParseOpKind(req.Op)
	if !ok {
		return lifecycle.TicketOp{}, fmt.Errorf("unknown op %q", req.Op)
	}
	op := lifecycle.TicketOp{
		Kind:    kind,
		Viewer:  req.Viewer,
		Pos:     tilepos.Pos{X: req.X, Z: req.Z},
		Radius:  req.Radius,
		Level:   req.Level,
		Payload: req.Payload,
	}
	if kind == lifecycle.OpAddTicket || kind == lifecycle.OpRemoveTicket {
		typ, ok := tickets.ParseType(req.Type)
		if !ok {
			return op, fmt.Errorf("unknown ticket type %q", req.Type)
		}
		op.Type = typ
	}
	return op, nil
}

func (s *Server) handleOp(rw http.ResponseWriter, r *http.Request) {
	if !s.mutationAllowed(rw, r) {
		return
	}
	var req OpRequest
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(rw, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	op, err := req.toOp()
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	if err := s.coord.SubmitTicketOp(ctx, op); err != nil {
		writeJSON(rw, http.StatusConflict, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSave(rw http.ResponseWriter, r *http.Request) {
	if !s.mutationAllowed(rw, r) {
		return
	}
	flush := r.URL.Query().Get("flush") != ""
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	if err := s.coord.RequestSave(ctx, flush); err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "flush": flush})
}

func (s *Server) handlePOINear(rw http.ResponseWriter, r *http.Request) {
	if s.opts.POI == nil {
		http.Error(rw, "poi index not configured", http.StatusNotFound)
		return
	}
	pos, err := parsePos(r)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	radius := 1
	if v := r.URL.Query().Get("radius"); v != "" {
		radius, err = strconv.Atoi(v)
		if err != nil || radius < 0 || radius > 64 {
			http.Error(rw, "bad radius", http.StatusBadRequest)
			return
		}
	}
	entries := s.opts.POI.Near(pos, radius, r.URL.Query().Get("kind"))
	if entries == nil {
		entries = []poi.Entry{}
	}
	writeJSON(rw, http.StatusOK, entries)
}

// handleReadiness streams readiness changes as JSON text frames until the
// client goes away.
func (s *Server) handleReadiness(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, events := s.hub.Subscribe(256)
	defer s.hub.Unsubscribe(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: only control frames are expected; any error ends the stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func (s *Server) inspect(rw http.ResponseWriter, r *http.Request) (lifecycle.Snapshot, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	snap, err := s.coord.Inspect(ctx)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return snap, false
	}
	return snap, true
}

func (s *Server) mutationAllowed(rw http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if s.opts.LocalOnly && !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func parsePos(r *http.Request) (tilepos.Pos, error) {
	q := r.URL.Query()
	x, err := strconv.ParseInt(q.Get("x"), 10, 32)
	if err != nil {
		return tilepos.Pos{}, fmt.Errorf("bad x: %q", q.Get("x"))
	}
	z, err := strconv.ParseInt(q.Get("z"), 10, 32)
	if err != nil {
		return tilepos.Pos{}, fmt.Errorf("bad z: %q", q.Get("z"))
	}
	return tilepos.Pos{X: int32(x), Z: int32(z)}, nil
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		host = strings.TrimSpace(remoteAddr)
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
