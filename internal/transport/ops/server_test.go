package ops

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"chunkflow.ai/internal/persistence/blobstore"
	"chunkflow.ai/internal/persistence/poi"
	"chunkflow.ai/internal/sim/lifecycle"
	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/tickets"
	"chunkflow.ai/internal/sim/tile"
	"chunkflow.ai/internal/sim/tilepos"
)

type fakeCoord struct {
	mu    sync.Mutex
	ops   []lifecycle.TicketOp
	saves []bool
	snap  lifecycle.Snapshot
	views map[tilepos.Pos]lifecycle.View
}

func (f *fakeCoord) Inspect(context.Context) (lifecycle.Snapshot, error) { return f.snap, nil }

func (f *fakeCoord) Stats() lifecycle.Stats { return f.snap.Stats }

func (f *fakeCoord) Visible(pos tilepos.Pos) (lifecycle.View, bool) {
	v, ok := f.views[pos]
	return v, ok
}

func (f *fakeCoord) SubmitTicketOp(_ context.Context, op lifecycle.TicketOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op.Kind == lifecycle.OpRemoveViewer && op.Viewer == "ghost" {
		return errors.New(`unknown viewer "ghost"`)
	}
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeCoord) RequestSave(_ context.Context, flush bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, flush)
	return nil
}

type fakePOI struct{}

func (fakePOI) Near(center tilepos.Pos, radius int, kind string) []poi.Entry {
	if kind == "none" {
		return nil
	}
	return []poi.Entry{{Tile: center, POI: tile.POI{Kind: "ore_cluster", X: 3, Z: 4}}}
}

func newTestServer(t *testing.T) (*fakeCoord, *Hub, *httptest.Server) {
	t.Helper()
	p := tilepos.New(1, 2)
	fc := &fakeCoord{
		snap: lifecycle.Snapshot{
			Tick:    42,
			Tickets: []tickets.Entry{{Pos: p, Type: "player", Level: 31, Payload: "v1"}},
			Rows: []lifecycle.Row{{
				Pos: p, Level: 31, TicketLevel: 31, State: "active", Status: "full", Class: "border",
				Futures: []string{"ok", "ok", "ok", "ok", "ok", "ok", "ok", "ok", "ok"},
			}},
			Stats: lifecycle.Stats{Tick: 42, Records: 1},
		},
		views: map[tilepos.Pos]lifecycle.View{
			p: {Pos: p, Level: 31, Class: status.Border, Loaded: true, Status: status.Full},
		},
	}
	hub := NewHub()
	srv := NewServer(fc, hub, Options{
		POI:        fakePOI{},
		StoreStats: func() blobstore.GatewayStats { return blobstore.GatewayStats{Written: 7} },
		LocalOnly:  true,
	}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return fc, hub, ts
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func TestTicketsAndTilesDumps(t *testing.T) {
	_, _, ts := newTestServer(t)

	code, body := get(t, ts.URL+"/v1/tickets")
	if code != http.StatusOK {
		t.Fatalf("tickets: %d %s", code, body)
	}
	var got struct {
		Tick    int64           `json:"tick"`
		Tickets []tickets.Entry `json:"tickets"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Tick != 42 || len(got.Tickets) != 1 || got.Tickets[0].Payload != "v1" {
		t.Fatalf("tickets=%+v", got)
	}

	code, body = get(t, ts.URL+"/v1/tiles.csv")
	if code != http.StatusOK {
		t.Fatalf("tiles.csv: %d", code)
	}
	recs, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(recs) != 2 || recs[1][0] != "1" || recs[1][1] != "2" || recs[1][5] != "full" {
		t.Fatalf("csv rows=%v", recs)
	}
}

func TestTileLookup(t *testing.T) {
	_, _, ts := newTestServer(t)
	code, body := get(t, ts.URL+"/v1/tile?x=1&z=2")
	if code != http.StatusOK {
		t.Fatalf("tile: %d %s", code, body)
	}
	var tr tileResp
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.Class != "border" || tr.Status != "full" || tr.Level != 31 {
		t.Fatalf("tile=%+v", tr)
	}
	if code, _ := get(t, ts.URL+"/v1/tile?x=9&z=9"); code != http.StatusNotFound {
		t.Fatalf("missing tile: %d", code)
	}
	if code, _ := get(t, ts.URL+"/v1/tile?x=a&z=9"); code != http.StatusBadRequest {
		t.Fatalf("bad coordinate: %d", code)
	}
}

func TestStatsIncludeStore(t *testing.T) {
	_, _, ts := newTestServer(t)
	_, body := get(t, ts.URL+"/v1/stats")
	var got struct {
		Lifecycle lifecycle.Stats         `json:"lifecycle"`
		Store     *blobstore.GatewayStats `json:"store"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Lifecycle.Records != 1 || got.Store == nil || got.Store.Written != 7 {
		t.Fatalf("stats=%s", body)
	}
}

func TestOpsEndpoint(t *testing.T) {
	fc, _, ts := newTestServer(t)
	post := func(body string) (int, string) {
		resp, err := http.Post(ts.URL+"/v1/ops", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, body := post(`{"op":"add_viewer","viewer":"v2","x":5,"z":-5,"radius":2}`); code != http.StatusOK {
		t.Fatalf("add_viewer: %d %s", code, body)
	}
	if code, body := post(`{"op":"add_ticket","type":"forced","x":1,"z":1,"level":31}`); code != http.StatusOK {
		t.Fatalf("add_ticket: %d %s", code, body)
	}
	if code, _ := post(`{"op":"add_ticket","type":"bogus"}`); code != http.StatusBadRequest {
		t.Fatalf("bad ticket type: %d", code)
	}
	if code, _ := post(`{"op":"teleport"}`); code != http.StatusBadRequest {
		t.Fatalf("unknown op: %d", code)
	}
	if code, _ := post(`{"op":"remove_viewer","viewer":"ghost"}`); code != http.StatusConflict {
		t.Fatalf("rejected op: %d", code)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.ops) != 2 {
		t.Fatalf("ops=%+v", fc.ops)
	}
	if op := fc.ops[0]; op.Kind != lifecycle.OpAddViewer || op.Pos != tilepos.New(5, -5) || op.Radius != 2 {
		t.Fatalf("op=%+v", op)
	}
	if op := fc.ops[1]; op.Type != tickets.Forced || op.Level != 31 {
		t.Fatalf("op=%+v", op)
	}
}

func TestSaveRequiresPost(t *testing.T) {
	fc, _, ts := newTestServer(t)
	if code, _ := get(t, ts.URL+"/v1/save"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET save: %d", code)
	}
	resp, err := http.Post(ts.URL+"/v1/save?flush=1", "", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save: %d", resp.StatusCode)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.saves) != 1 || !fc.saves[0] {
		t.Fatalf("saves=%v", fc.saves)
	}
}

func TestPOINear(t *testing.T) {
	_, _, ts := newTestServer(t)
	code, body := get(t, ts.URL+"/v1/poi/near?x=0&z=0&radius=2")
	if code != http.StatusOK {
		t.Fatalf("near: %d %s", code, body)
	}
	var got []poi.Entry
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Kind != "ore_cluster" {
		t.Fatalf("entries=%+v", got)
	}
	if _, body := get(t, ts.URL+"/v1/poi/near?x=0&z=0&kind=none"); strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("empty result=%s", body)
	}
	if code, _ := get(t, ts.URL+"/v1/poi/near?x=0&z=0&radius=-1"); code != http.StatusBadRequest {
		t.Fatalf("negative radius: %d", code)
	}
}

func TestReadinessStream(t *testing.T) {
	_, hub, ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/readiness"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Observe(tilepos.New(3, -4), status.Border, status.Ticking)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev ReadinessEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev != (ReadinessEvent{X: 3, Z: -4, From: "border", To: "ticking"}) {
		t.Fatalf("event=%+v", ev)
	}

	conn.Close()
	for hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not released after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub()
	id, ch := hub.Subscribe(1)
	hub.Observe(tilepos.New(0, 0), status.Inaccessible, status.Border)
	hub.Observe(tilepos.New(0, 0), status.Border, status.Ticking)
	if st := hub.Stats(); st.Published != 2 || st.Dropped != 1 {
		t.Fatalf("stats=%+v", st)
	}
	hub.Unsubscribe(id)
	if ev, ok := <-ch; !ok || ev.To != "border" {
		t.Fatalf("first event lost: %+v", ev)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
}
