// Package plexadapter bridges a bridged DLNA device's UPnP services and
// polling state engine to the Plex remote-player protocol: building Plex
// Media Server URLs, dispatching transport commands, and deciding when a
// track boundary should trigger the next queue item automatically.
package plexadapter

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/snapetech/plexdlnabridge/internal/playqueue"
)

// PlexLib tracks the Plex Media Server connection a controller last told us
// about: protocol/address/port/token, refreshed whenever a new playback
// command query string carries them.
type PlexLib struct {
	Protocol  string
	Address   string
	Port      int
	Token     string
	MachineID string
}

// BuildURL joins resource onto this PlexLib's server, appending the stored
// token as a query parameter (placed after "&" if resource already has a
// query string, else after "?").
func (p *PlexLib) BuildURL(resource string) string {
	u := strings.Builder{}
	u.WriteString(p.Protocol)
	u.WriteString("://")
	u.WriteString(p.Address)
	u.WriteString(":")
	u.WriteString(strconv.Itoa(p.Port))
	u.WriteString(resource)
	if p.Token != "" {
		if strings.Contains(resource, "?") {
			u.WriteString("&X-Plex-Token=")
		} else {
			u.WriteString("?X-Plex-Token=")
		}
		u.WriteString(p.Token)
	}
	return u.String()
}

// BuildURLNoToken is BuildURL without the token query param, used for
// building the timeline URL a controller polls directly with its own auth.
func (p *PlexLib) BuildURLNoToken(resource string) string {
	return p.Protocol + "://" + p.Address + ":" + strconv.Itoa(p.Port) + resource
}

// UpdateFromQuery refreshes protocol/address/port/token/machineIdentifier
// from a playback command's query parameters, leaving any field absent from
// query unchanged.
func (p *PlexLib) UpdateFromQuery(query url.Values) {
	if query == nil {
		return
	}
	if v := query.Get("protocol"); v != "" {
		p.Protocol = v
	}
	if v := query.Get("address"); v != "" {
		p.Address = v
	}
	if v := query.Get("port"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Port = n
		}
	}
	if v := query.Get("token"); v != "" {
		p.Token = v
	}
	if v := query.Get("machineIdentifier"); v != "" {
		p.MachineID = v
	}
}

// Info returns the connection fields the Plex timeline response echoes back.
func (p *PlexLib) Info() map[string]string {
	return map[string]string{
		"protocol":          p.Protocol,
		"address":           p.Address,
		"port":              strconv.Itoa(p.Port),
		"machineIdentifier": p.MachineID,
	}
}

// GetQueue constructs a PlayQueue against this library's connection.
func (p *PlexLib) GetQueue(containerKey string) *playqueue.PlayQueue {
	return playqueue.New(containerKey, p)
}

// Timeline is the unauthenticated controller-polled timeline URL.
func (p *PlexLib) Timeline() string {
	return p.BuildURLNoToken("/:/timeline")
}
