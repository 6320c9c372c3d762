package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/voicetext/internal/capability"
	"github.com/loqalabs/voicetext/internal/controller"
	"github.com/loqalabs/voicetext/internal/eventstore"
	"github.com/loqalabs/voicetext/internal/protocol"
	"github.com/loqalabs/voicetext/internal/session"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	maxChatBodyBytes = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is read-only display state served on a local bind address.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type api struct {
	controller *controller.Controller
	store      *eventstore.Store
	registry   *capability.Registry
	metrics    http.Handler
	ready      func() bool
	logger     *slog.Logger
}

type recordResponse struct {
	State controller.State `json:"state"`
	Error string           `json:"error,omitempty"`
}

// eventView inlines JSON payloads and falls back to a string otherwise.
type eventView struct {
	eventstore.Event
	Payload any `json:"payload,omitempty"`
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type chatResponse struct {
	Exchange protocol.ChatExchange `json:"exchange"`
	Display  string                `json:"display"`
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}
	mux.HandleFunc("GET /v1/state", a.handleState)
	mux.HandleFunc("GET /v1/state/stream", a.handleStateStream)
	mux.HandleFunc("POST /v1/record/toggle", a.handleRecord(a.controller.ToggleRecording))
	mux.HandleFunc("POST /v1/record/start", a.handleRecord(a.controller.StartRecording))
	mux.HandleFunc("POST /v1/record/stop", a.handleRecord(a.controller.StopRecording))
	mux.HandleFunc("POST /v1/chat", a.handleChat)
	mux.HandleFunc("GET /v1/recordings", a.handleRecordings)
	mux.HandleFunc("GET /v1/recordings/{id}/events", a.handleRecordingEvents)
	mux.HandleFunc("GET /v1/exchanges", a.handleExchanges)
	mux.HandleFunc("GET /v1/nodes", a.handleNodes)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready != nil && a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := a.controller.State(r.Context())
	if err != nil {
		a.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

func (a *api) handleRecord(op func(context.Context) (controller.State, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := op(r.Context())
		resp := recordResponse{State: st}
		status := http.StatusOK
		if err != nil {
			resp.Error = err.Error()
			status = recordStatus(err)
		}
		a.writeJSON(w, status, resp)
	}
}

func recordStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrRecognizerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed), errors.Is(err, controller.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleChat accepts an optional {"prompt": ...}; an empty body submits the
// current transcript. Backend failures are part of the exchange, not HTTP errors.
func (a *api) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBodyBytes))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	ex, err := a.controller.Submit(r.Context(), req.Prompt)
	if err != nil {
		a.writeError(w, recordStatus(err), err)
		return
	}
	display := ex.Response
	if ex.Error != "" {
		display = "Error: " + ex.Error
	}
	a.writeJSON(w, http.StatusOK, chatResponse{Exchange: ex, Display: display})
}

func (a *api) handleStateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("state stream upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	updates, cancel, err := a.controller.Subscribe(r.Context())
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		return
	}
	defer cancel()

	// The read side only services control frames and notices the peer leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case st, ok := <-updates:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(st); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (a *api) handleRecordings(w http.ResponseWriter, r *http.Request) {
	recordings, err := a.store.ListRecordings(r.Context(), queryLimit(r))
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recordings == nil {
		recordings = []eventstore.Recording{}
	}
	a.writeJSON(w, http.StatusOK, recordings)
}

func (a *api) handleRecordingEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.store.ListSessionEvents(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, evt := range events {
		view := eventView{Event: evt}
		switch {
		case len(evt.Payload) == 0:
		case json.Valid(evt.Payload):
			view.Payload = json.RawMessage(evt.Payload)
		default:
			view.Payload = string(evt.Payload)
		}
		views = append(views, view)
	}
	a.writeJSON(w, http.StatusOK, views)
}

func (a *api) handleExchanges(w http.ResponseWriter, r *http.Request) {
	exchanges, err := a.store.ListExchanges(r.Context(), queryLimit(r))
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if exchanges == nil {
		exchanges = []eventstore.Exchange{}
	}
	a.writeJSON(w, http.StatusOK, exchanges)
}

func (a *api) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := a.registry.Nodes()
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	a.writeJSON(w, http.StatusOK, nodes)
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 0
	}
	return limit
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to write response", slogError(err))
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}
