package api

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/banshee-data/rfidgeek/internal/httputil"
	"github.com/banshee-data/rfidgeek/internal/inventory"
)

// parseKinds reads the optional comma separated ?kinds= filter.
func parseKinds(r *http.Request) ([]inventory.EventKind, error) {
	raw := r.URL.Query().Get("kinds")
	if raw == "" {
		return nil, nil
	}
	var kinds []inventory.EventKind
	for _, name := range strings.Split(raw, ",") {
		k, err := inventory.ParseEventKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// streamEvents pushes reader events to a websocket client as JSON messages
// until either side goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKinds(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	id, events := s.reader.Subscribe(kinds...)
	defer s.reader.Unsubscribe(id)

	// clients only listen; CloseRead handles their control frames and
	// cancels ctx when they disconnect
	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("event stream opened", "subscriber", id)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream closed", "subscriber", id)
			return
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "reader closed")
				return
			}
			if err := wsjson.Write(ctx, conn, e); err != nil {
				s.logger.Debug("event stream write failed", "subscriber", id, "error", err)
				return
			}
		}
	}
}
