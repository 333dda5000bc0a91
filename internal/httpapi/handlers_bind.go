package httpapi

import (
	"net/http"
)

// handleBindPage is GET /: lists every discovered device, a PIN to bind
// (requested fresh from plex.tv for any still-unbound device) or a rename
// form for an already-bound one. Grounded on plexserver.py's link_page.
func (s *Server) handleBindPage(w http.ResponseWriter, r *http.Request) {
	s.registry.GuessHostIP(r.Context(), r.Host)

	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	var rows []bindPageDevice
	for _, d := range s.registry.Devices() {
		row := bindPageDevice{Name: d.Name, UUID: d.UUID, Bound: d.Bound}
		if !d.Bound {
			pin, pinID, ok := s.registry.PendingPin(r.Context(), d.UUID)
			if ok {
				row.Pin, row.PinID = pin, pinID
			}
		}
		rows = append(rows, row)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := bindPageTemplate.Execute(w, bindPageData{Devices: rows}); err != nil {
		s.log.WithError(err).Warn("render bind page failed")
	}
}

// handleBindSubmit is POST /: binds a PIN (if pin_id is present and has
// resolved to a token) and/or renames the device, then re-renders the bind
// page. Grounded on plexserver.py's link_device.
func (s *Server) handleBindSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	uuid := r.FormValue("uuid")
	if uuid == "" {
		http.Error(w, "uuid required", http.StatusBadRequest)
		return
	}
	if _, ok := s.registry.Get(uuid); !ok {
		http.NotFound(w, r)
		return
	}

	if pinID := r.FormValue("pin_id"); pinID != "" {
		if err := s.registry.Bind(r.Context(), uuid, pinID); err != nil {
			s.log.WithError(err).WithField("uuid", uuid).Warn("bind failed")
		}
	}
	if name := r.FormValue("name"); name != "" {
		if err := s.registry.Rename(r.Context(), uuid, name); err != nil {
			s.log.WithError(err).WithField("uuid", uuid).Warn("rename failed")
		}
	}

	s.handleBindPage(w, r)
}
