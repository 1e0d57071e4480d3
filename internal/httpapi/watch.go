package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// watchFrame is pushed to connected devices after each committed push and
// once on connect with the current head. It carries no records: the nudge
// tells the device to pull, which stays the authoritative delivery path.
type watchFrame struct {
	Type       string `json:"type"`
	FacilityID string `json:"facilityId"`
	Seq        uint64 `json:"seq"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "facilityID")
	head, err := s.engine.HeadSeq(facilityID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if s.notifier == nil {
		writeError(w, http.StatusNotImplemented, "watch_unavailable", "watch is not enabled on this server")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "watch terminated")

	// Subscribe before reporting the head so a push between the two is not
	// lost to this watcher.
	notes, cancel := s.notifier.Subscribe(facilityID)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	if err := wsjson.Write(ctx, conn, watchFrame{Type: "ops", FacilityID: facilityID, Seq: head}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case note := <-notes:
			if err := wsjson.Write(ctx, conn, watchFrame{Type: "ops", FacilityID: note.FacilityID, Seq: note.Seq}); err != nil {
				return
			}
		}
	}
}
