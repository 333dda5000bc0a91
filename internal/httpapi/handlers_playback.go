package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// commandID parses the required commandID query param, updating the
// subscriber's bookkeeping copy of it regardless of whether the device is
// found - matching plexserver.py's unconditional sub_man.update_command_id
// call at the top of every playback handler.
func (s *Server) commandID(r *http.Request) int64 {
	n, _ := strconv.ParseInt(r.URL.Query().Get("commandID"), 10, 64)
	s.subs.UpdateCommandID(targetUUID(r), clientUUID(r), n)
	return n
}

func queryType(r *http.Request) string {
	if t := r.URL.Query().Get("type"); t != "" {
		return t
	}
	return "music"
}

// handlePlayMedia is GET /player/playback/playMedia.
func (s *Server) handlePlayMedia(w http.ResponseWriter, r *http.Request) {
	s.registry.GuessHostIP(r.Context(), r.Host)
	s.commandID(r)
	d, ok := s.registry.Get(targetUUID(r))
	if !ok {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	if queryType(r) == "music" {
		offset, _ := strconv.ParseInt(q.Get("offset"), 10, 64)
		paused := q.Get("paused") == "1" || q.Get("paused") == "true"
		if err := d.Adapter.PlayMedia(r.Context(), q.Get("containerKey"), offset, paused, q); err != nil {
			s.log.WithError(err).WithField("uuid", d.UUID).Warn("playMedia failed")
			if s.metrics != nil {
				s.metrics.DeviceErrors.WithLabelValues(d.UUID).Inc()
			}
		}
	} else if err := d.Adapter.Stop(r.Context()); err != nil {
		s.log.WithError(err).WithField("uuid", d.UUID).Warn("stop (non-music playMedia) failed")
	}
	writeXML(w, deviceHeaders(d), http.StatusOK, "")
}

// handleRefreshPlayQueue is GET /player/playback/refreshPlayQueue.
func (s *Server) handleRefreshPlayQueue(w http.ResponseWriter, r *http.Request) {
	s.commandID(r)
	d, ok := s.registry.Get(targetUUID(r))
	if !ok {
		http.NotFound(w, r)
		return
	}
	playQueueID, _ := strconv.ParseInt(r.URL.Query().Get("playQueueID"), 10, 64)
	if err := d.Adapter.RefreshQueue(r.Context(), playQueueID); err != nil {
		s.log.WithError(err).WithField("uuid", d.UUID).Warn("refreshPlayQueue failed")
	}
	writeXML(w, deviceHeaders(d), http.StatusOK, "")
}

// deviceOrNotFound resolves target_uuid and answers 404 if absent, matching
// every music-type-gated handler's guard clause.
func (s *Server) deviceOrNotFound(w http.ResponseWriter, r *http.Request) (Device, bool) {
	d, ok := s.registry.Get(targetUUID(r))
	if !ok {
		http.NotFound(w, r)
		return Device{}, false
	}
	return d, true
}

// handlePlay is GET /player/playback/play.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	s.commandID(r)
	d, ok := s.deviceOrNotFound(w, r)
	if !ok {
		return
	}
	var err error
	if queryType(r) == "music" {
		err = d.Adapter.Play(r.Context())
	} else {
		err = d.Adapter.Stop(r.Context())
	}
	if err != nil {
		s.log.WithError(err).WithField("uuid", d.UUID).Warn("play failed")
	}
	writeXML(w, deviceHeaders(d), http.StatusOK, "")
}

// handlePause is GET /player/playback/pause.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.commandID(r)
	d, ok := s.deviceOrNotFound(w, r)
	if !ok {
		return
	}
	if queryType(r) == "music" {
		if err := d.Adapter.Pause(r.Context()); err != nil {
			s.log.WithError(err).WithField("uuid", d.UUID).Warn("pause failed")
		}
	}
	writeXML(w, deviceHeaders(d), http.StatusOK, "")
}

// handleStop is GET /player/playback/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.registry.GuessHostIP(r.Context(), r.Host)
	s.commandID(r)
	if queryType(r) == "music" {
		if d, ok := s.registry.Get(targetUUID(r)); ok {
			if err := d.Adapter.Stop(r.Context()); err != nil {
				s.log.WithError(err).WithField("uuid", d.UUID).Warn("stop failed")
			}
		}
	}
	writeXML(w, http.Header{}, http.StatusOK, xmlOK)
}

// handleSkipNext is GET /player/playback/skipNext.
func (s *Server) handleSkipNext(w http.ResponseWriter, r *http.Request) {
	s.commandID(r)
	if queryType(r) == "music" {
		d, ok := s.deviceOrNotFound(w, r)
		if !ok {
			return
		}
		if err := d.Adapter.Next(r.Context()); err != nil {
			s.log.WithError(err).WithField("uuid", d.UUID).Warn("skipNext failed")
		}
	}
	writeXML(w, http.Header{}, http.StatusOK, "")
}

// handleSkipPrevious is GET /player/playback/skipPrevious.
func (s *Server) handleSkipPrevious(w http.ResponseWriter, r *http.Request) {
	s.commandID(r)
	if queryType(r) == "music" {
		d, ok := s.deviceOrNotFound(w, r)
		if !ok {
			return
		}
		if err := d.Adapter.Prev(r.Context()); err != nil {
			s.log.WithError(err).WithField("uuid", d.UUID).Warn("skipPrevious failed")
		}
	}
	writeXML(w, http.Header{}, http.StatusOK, "")
}

// handleSeekTo is GET /player/playback/seekTo.
func (s *Server) handleSeekTo(w http.ResponseWriter, r *http.Request) {
	s.commandID(r)
	if queryType(r) == "music" {
		d, ok := s.deviceOrNotFound(w, r)
		if !ok {
			return
		}
		offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
		if err := d.Adapter.Seek(r.Context(), offset); err != nil {
			s.log.WithError(err).WithField("uuid", d.UUID).Warn("seekTo failed")
		}
	}
	writeXML(w, http.Header{}, http.StatusOK, "")
}

// handleSkipTo is GET /player/playback/skipTo.
func (s *Server) handleSkipTo(w http.ResponseWriter, r *http.Request) {
	s.commandID(r)
	if queryType(r) == "music" {
		d, ok := s.deviceOrNotFound(w, r)
		if !ok {
			return
		}
		if err := d.Adapter.SkipToTrack(r.Context(), r.URL.Query().Get("key")); err != nil {
			s.log.WithError(err).WithField("uuid", d.UUID).Warn("skipTo failed")
		}
	}
	writeXML(w, http.Header{}, http.StatusOK, "")
}

// handleSetParameters is GET /player/playback/setParameters.
func (s *Server) handleSetParameters(w http.ResponseWriter, r *http.Request) {
	s.commandID(r)
	if queryType(r) == "music" {
		d, ok := s.deviceOrNotFound(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		if v := q.Get("shuffle"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				d.Adapter.SetShuffle(n)
			}
		}
		if v := q.Get("repeat"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if qu := d.Adapter.Queue(); qu != nil {
					qu.Repeat = n
				}
			}
		}
		if v := q.Get("volume"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if err := d.Adapter.SetVolume(r.Context(), n); err != nil {
					s.log.WithError(err).WithField("uuid", d.UUID).Warn("setParameters volume failed")
				}
			}
		}
	}
	writeXML(w, http.Header{}, http.StatusOK, "")
}

// uuidFromPath reads the {uuid} chi route param (the NOTIFY callback path).
func uuidFromPath(r *http.Request) string {
	return chi.URLParam(r, "uuid")
}
