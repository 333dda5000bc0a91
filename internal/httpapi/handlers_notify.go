package httpapi

import (
	"io"
	"net/http"
)

// handleNotify is NOTIFY /dlna/callback/{uuid}, the GENA event callback a
// subscribed device POSTs (technically NOTIFYs) state changes to. Grounded
// on plexserver.py's dlna_subscribe: parse the body, fold it into the
// device's adapter if both the device and a recognizable LastChange event
// are present, and always answer 200 with an empty body either way (an
// unrecognized uuid or an event shape we don't act on is not a client error;
// UPnP devices don't expect NOTIFY failures to be retried meaningfully).
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	uuid := uuidFromPath(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	d, ok := s.registry.Get(uuid)
	if ok {
		if ev, ok := parseGENAEvent(body); ok {
			d.Adapter.UpdateFromEvent(ev.TransportState, ev.AVTransportURI, ev.RelativeTimePosition)
		}
	}
	w.WriteHeader(http.StatusOK)
}
