package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/platform/httpserver"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

const (
	replayLimit    = 500
	streamBuffer   = 256
	wsWriteTimeout = 5 * time.Second
)

func writeSSE(w io.Writer, event string, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func parseAfterEventID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("after_event_id"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid after_event_id")
	}
	return parsed, nil
}

func (api *operationsAPI) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := api.ops.Get(r.Context(), id); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if api.eventLog == nil {
		httpserver.WriteError(w, r, http.StatusNotImplemented, "event_log_disabled")
		return
	}
	after, err := parseAfterEventID(r)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_after_event_id")
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > replayLimit {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
	}

	stored, err := api.eventLog.ListEvents(r.Context(), repo.EventFilter{OperationID: id, AfterID: after, Limit: limit})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]events.Payload, 0, len(stored))
	next := after
	for _, ev := range stored {
		payload := events.ToPayload(ev.Event)
		payload.Seq = ev.Seq
		out = append(out, payload)
		next = max(next, ev.Seq)
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"events":           out,
		"nextAfterEventId": next,
	})
}

// streamSink is what SSE and WebSocket streams write to.
type streamSink struct {
	send func(payload events.Payload) error
	ping func() error
}

// pump replays persisted events after the cursor, then forwards live events
// until the client leaves or the operation's final event went out. Live
// events already sent by the replay are skipped.
func (api *operationsAPI) pump(ctx context.Context, operationID string, after int64, sink streamSink) error {
	live, unsubscribe := api.bus.Subscribe(operationID, streamBuffer)
	defer unsubscribe()

	seen := map[string]struct{}{}
	// catchUp sends logged events past the cursor so frames carry their seq.
	catchUp := func() (bool, error) {
		for api.eventLog != nil {
			stored, err := api.eventLog.ListEvents(ctx, repo.EventFilter{OperationID: operationID, AfterID: after, Limit: replayLimit})
			if err != nil {
				return false, err
			}
			for _, ev := range stored {
				after = ev.Seq
				if _, dup := seen[ev.ID]; dup {
					continue
				}
				seen[ev.ID] = struct{}{}
				payload := events.ToPayload(ev.Event)
				payload.Seq = ev.Seq
				if err := sink.send(payload); err != nil {
					return false, err
				}
				if ev.Final() {
					return true, nil
				}
			}
			if len(stored) < replayLimit {
				break
			}
		}
		return false, nil
	}
	if finished, err := catchUp(); err != nil || finished {
		return err
	}

	heartbeat := time.NewTicker(api.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := sink.ping(); err != nil {
				return err
			}
			// Covers operations whose final event predates the event log.
			if api.operationFinished(ctx, operationID) {
				return nil
			}
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			if finished, err := catchUp(); err != nil || finished {
				return err
			}
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			// Not in the log; the store sink failed for this event.
			seen[ev.ID] = struct{}{}
			if err := sink.send(events.ToPayload(ev)); err != nil {
				return err
			}
			if ev.Final() {
				return nil
			}
		}
	}
}

func (api *operationsAPI) operationFinished(ctx context.Context, operationID string) bool {
	op, err := api.ops.Get(ctx, operationID)
	return err == nil && op.Status.IsTerminal()
}

func (api *operationsAPI) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := api.ops.Get(r.Context(), id); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	after, err := parseAfterEventID(r)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_after_event_id")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpserver.WriteError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = writeSSE(w, "ready", "", map[string]any{
		"operationId": id,
		"serverTs":    time.Now().UTC().Unix(),
		"requestId":   r.Header.Get("X-Request-Id"),
	})

	err = api.pump(r.Context(), id, after, streamSink{
		send: func(payload events.Payload) error {
			eventID := ""
			if payload.Seq > 0 {
				eventID = strconv.FormatInt(payload.Seq, 10)
			}
			return writeSSE(w, payload.Topic, eventID, payload)
		},
		ping: func() error {
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		_ = writeSSE(w, "error", "", map[string]any{"error": err.Error()})
		return
	}
	_ = writeSSE(w, "end", "", map[string]any{"operationId": id})
}

func (api *operationsAPI) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := api.ops.Get(r.Context(), id); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	after, err := parseAfterEventID(r)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_after_event_id")
		return
	}

	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = api.pump(ctx, id, after, streamSink{
		send: func(payload events.Payload) error {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteJSON(payload)
		},
		ping: func() error {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
		},
	})
	code, reason := websocket.CloseNormalClosure, "operation finished"
	if err != nil {
		api.logger.Warn("websocket stream ended", "operation_id", id, "error", err)
		code, reason = websocket.CloseInternalServerErr, "stream failed"
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteTimeout))
}
