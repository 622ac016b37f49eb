package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"gemfi/storage/journal"
)

const (
	eventBacklogLimit = 500
	eventWriteTimeout = 5 * time.Second
	eventBuffer       = 64
)

// handleEvents streams committed lifecycle entries over a websocket. Clients
// resume with ?since=<seq>; entries after that sequence are replayed before
// live delivery starts.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: errorBody{Code: "events_disabled", Message: "event journal not configured"}})
		return
	}
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, badRequest("invalid since %q", raw))
			return
		}
		since = parsed
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.wsOrigins})
	if err != nil {
		s.logger.Warn("event stream upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// Subscribe before replaying so nothing committed in between is lost.
	live := make(chan journal.Entry, eventBuffer)
	s.events.Notify(live)
	defer s.events.Unsubscribe(live)

	ctx := conn.CloseRead(r.Context())
	cursor, err := s.replayEvents(ctx, conn, since)
	if err != nil {
		s.closeStream(conn, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			s.closeStream(conn, ctx.Err())
			return
		case entry := <-live:
			if entry.Seq <= cursor {
				continue
			}
			if entry.Seq > cursor+1 {
				// The notifier dropped entries; fill the gap from disk.
				cursor, err = s.replayEvents(ctx, conn, cursor)
				if err != nil {
					s.closeStream(conn, err)
					return
				}
				if entry.Seq <= cursor {
					continue
				}
			}
			if err := writeEvent(ctx, conn, entry); err != nil {
				s.closeStream(conn, err)
				return
			}
			cursor = entry.Seq
		}
	}
}

// replayEvents sends every stored entry after seq and returns the last
// sequence written.
func (s *Server) replayEvents(ctx context.Context, conn *websocket.Conn, seq uint64) (uint64, error) {
	cursor := seq
	for {
		batch, err := s.events.Since(cursor, eventBacklogLimit)
		if err != nil {
			return cursor, err
		}
		for _, entry := range batch {
			if err := writeEvent(ctx, conn, entry); err != nil {
				return cursor, err
			}
			cursor = entry.Seq
		}
		if len(batch) < eventBacklogLimit {
			return cursor, nil
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, entry journal.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, entry)
}

func (s *Server) closeStream(conn *websocket.Conn, err error) {
	if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	s.logger.Warn("event stream aborted", slog.Any("error", err))
	_ = conn.Close(websocket.StatusInternalError, "stream error")
}
