package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// requestHost returns the caller's address without its port, for
// subscriber registration - grounded on plexserver.py's request.client.host.
func requestHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleTimelineSubscribe is GET /player/timeline/subscribe.
func (s *Server) handleTimelineSubscribe(w http.ResponseWriter, r *http.Request) {
	s.registry.GuessHostIP(r.Context(), r.Host)
	target := targetUUID(r)
	if _, ok := s.registry.Get(target); !ok {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	commandID, _ := strconv.ParseInt(q.Get("commandID"), 10, 64)
	port, _ := strconv.Atoi(q.Get("port"))
	protocol := q.Get("protocol")
	s.subs.AddSubscriber(target, clientUUID(r), requestHost(r), port, protocol, commandID)
	writeXML(w, http.Header{}, http.StatusOK, xmlOK)
}

// handleTimelineUnsubscribe is GET /player/timeline/unsubscribe.
func (s *Server) handleTimelineUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.registry.GuessHostIP(r.Context(), r.Host)
	s.commandID(r)
	s.subs.RemoveSubscriber(clientUUID(r), targetUUID(r))
	writeXML(w, http.Header{}, http.StatusOK, xmlOK)
}

// pollInterestingFields are the fields that wake a waiting long-poll early,
// mirroring plexserver.py's timeline_poll interesting_fields list.
var pollInterestingFields = []string{"state", "volume", "current_uri", "elapsed_jump"}

// handleTimelinePoll is GET /player/timeline/poll. wait=1 blocks (bounded by
// 20x the notify interval) until a change is observed or a message becomes
// available; it never answers with an empty body, retrying on the notify
// interval until one is, matching plexserver.py's while msg is None loop.
func (s *Server) handleTimelinePoll(w http.ResponseWriter, r *http.Request) {
	s.registry.GuessHostIP(r.Context(), r.Host)
	commandID := s.commandID(r)
	target := targetUUID(r)
	d, ok := s.registry.Get(target)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if r.URL.Query().Get("wait") == "1" {
		d.Adapter.WaitForEvent(r.Context(), 20*s.cfg.PlexNotifyInterval, pollInterestingFields)
	}

	tmpl := s.subs.MessageFor(r.Context(), d.Adapter)
	for tmpl == "" {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.PlexNotifyInterval):
		}
		tmpl = s.subs.MessageFor(r.Context(), d.Adapter)
	}

	writeXML(w, timelinePollHeaders(d.UUID), http.StatusOK, fmt.Sprintf(tmpl, commandID))
	go s.subs.ForcePush(context.Background(), target)
}

// handleResources is GET /resources.
func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	s.registry.GuessHostIP(r.Context(), r.Host)
	target := targetUUID(r)
	d, ok := s.registry.Get(target)
	if !ok {
		http.NotFound(w, r)
		return
	}
	res := `<MediaContainer><Player title="` + xmlEscapeAttr(d.Name) +
		`" protocol="plex" protocolVersion="1" protocolCapabilities="timeline,playback,playqueues" ` +
		`machineIdentifier="` + xmlEscapeAttr(d.UUID) + `" product="` + xmlEscapeAttr(d.Model) +
		`" platform="` + xmlEscapeAttr(s.cfg.Platform) + `" platformVersion="` + xmlEscapeAttr(s.cfg.PlatformVersion) +
		`" version="` + xmlEscapeAttr(s.cfg.Version) + `" deviceClass="stb"/></MediaContainer>`
	writeXML(w, deviceHeaders(d), http.StatusOK, res)
}

// handleMirrorDetails is GET /player/mirror/details, a no-op endpoint Plex
// controllers probe for screen-mirroring capability.
func (s *Server) handleMirrorDetails(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.registry.Get(targetUUID(r)); !ok {
		http.NotFound(w, r)
		return
	}
	writeXML(w, http.Header{}, http.StatusOK, "")
}

func xmlEscapeAttr(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '&':
			out = append(out, "&amp;"...)
		case '"':
			out = append(out, "&quot;"...)
		case '<':
			out = append(out, "&lt;"...)
		case '>':
			out = append(out, "&gt;"...)
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
