package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/monitoring"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
)

// Session event names understood by the viewer.
const (
	EventGetSource   = "get-src"
	EventGetTarget   = "get-tgt"
	EventGetSearch   = "get-cpicp"
	EventSource      = "res-src"
	EventTarget      = "res-tgt"
	EventClouds      = "res-cpicp-clouds"
	EventPartition   = "res-cpicp-partition"
	EventDone        = "res-cpicp-done"
	EventRank        = "res-cpicp-rank"
	EventSearchError = "res-cpicp-error"
)

const (
	sessionReadLimit = 1 << 20
	writeTimeout     = 30 * time.Second
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// session is one viewer connection. At most one search runs per session;
// asking for another cancels the first.
type session struct {
	srv  *Server
	conn *websocket.Conn

	// Only the read loop touches these.
	cancelSearch context.CancelFunc
	searchDone   chan struct{}
}

func (s *Server) serveSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		monitoring.Logf("[ws] accept failed: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(sessionReadLimit)

	sess := &session{srv: s, conn: conn}
	err = sess.readLoop(r.Context())
	sess.stopSearch()

	status := websocket.CloseStatus(err)
	if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
		monitoring.Logf("[ws] session ended: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (ss *session) readLoop(ctx context.Context) error {
	for {
		var f Frame
		if err := wsjson.Read(ctx, ss.conn, &f); err != nil {
			return err
		}
		switch f.Event {
		case EventGetSource:
			ss.sendCloud(ctx, EventSource, f.Data)
		case EventGetTarget:
			ss.sendCloud(ctx, EventTarget, f.Data)
		case EventGetSearch:
			ss.startSearch(ctx, f.Data)
		default:
			ss.send(ctx, EventSearchError, errorPayload{Error: fmt.Sprintf("unknown event %q", f.Event)})
		}
	}
}

// sendCloud answers a cloud request with the decoded cloud, or null when it
// cannot be loaded.
func (ss *session) sendCloud(ctx context.Context, event string, data json.RawMessage) {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		ss.send(ctx, event, nil)
		return
	}
	c, err := ss.srv.clouds.LoadCloud(ctx, name)
	if err != nil {
		monitoring.Logf("[ws] %s: %v", event, err)
		ss.send(ctx, event, nil)
		return
	}
	ss.send(ctx, event, c)
}

func (ss *session) startSearch(ctx context.Context, data json.RawMessage) {
	var req registration.Request
	if err := json.Unmarshal(data, &req); err != nil {
		ss.send(ctx, EventSearchError, errorPayload{Error: "malformed request: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		ss.send(ctx, EventSearchError, errorPayload{Error: err.Error()})
		return
	}

	ss.stopSearch()
	searchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ss.cancelSearch, ss.searchDone = cancel, done
	go func() {
		defer close(done)
		ss.runSearch(ctx, searchCtx, req)
	}()
}

// stopSearch cancels the running search and waits for its last frame.
func (ss *session) stopSearch() {
	if ss.cancelSearch == nil {
		return
	}
	ss.cancelSearch()
	<-ss.searchDone
	ss.cancelSearch, ss.searchDone = nil, nil
}

// runSearch streams one search. Frames are written with the session
// context: cancelling a write closes the connection, so searchCtx only
// stops the search itself.
func (ss *session) runSearch(sessCtx, searchCtx context.Context, req registration.Request) {
	var rounds []registration.RoundSummary
	for ev := range ss.srv.searcher.Search(searchCtx, req) {
		if searchCtx.Err() != nil {
			return
		}
		var err error
		switch ev.Kind {
		case registration.EventOriginals:
			err = ss.send(sessCtx, EventClouds, ev.Originals)
		case registration.EventRound:
			rounds = append(rounds, registration.Summarize(*ev.Round))
			err = ss.send(sessCtx, EventPartition, ev.Round.Steps)
		case registration.EventDone:
			if err = ss.send(sessCtx, EventDone, "ok"); err == nil {
				err = ss.send(sessCtx, EventRank, registration.Rank(rounds))
			}
		case registration.EventFailed:
			monitoring.Logf("[ws] search %s -> %s failed: %s", req.SrcName, req.TgtName, ev.Error)
			err = ss.send(sessCtx, EventSearchError, errorPayload{Error: ev.Error})
		}
		if err != nil {
			return
		}
	}
}

func (ss *session) send(ctx context.Context, event string, data any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ss.conn, outFrame{Event: event, Data: data}); err != nil {
		if ctx.Err() == nil {
			monitoring.Logf("[ws] write %s: %v", event, err)
		}
		return err
	}
	return nil
}
