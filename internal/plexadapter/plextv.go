package plexadapter

import (
	"context"
	"net/http"
	"time"

	"github.com/snapetech/plexdlnabridge/internal/plexapi"
)

// plexTVNotifyInterval matches the original's _update_plex_tv_connection_loop
// sleep(60).
const plexTVNotifyInterval = 60 * time.Second

// BindToken returns the saved plex.tv auth token bound to this device, if any.
func (a *Adapter) BindToken() string {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	return a.plexBindToken
}

// SetBindToken records the plex.tv auth token bound to this device.
func (a *Adapter) SetBindToken(token string) {
	a.queueMu.Lock()
	a.plexBindToken = token
	a.queueMu.Unlock()
}

// RefreshPlexTVConnection is the original's update_plex_tv_connection,
// restored per SPEC_FULL.md §4.6: PUTs this bridge's current address to
// plex.tv's record for the bound device. tokenLookup is consulted if no
// token has been bound yet (mirrors settings.get_token_for_uuid).
func (a *Adapter) RefreshPlexTVConnection(ctx context.Context, client *http.Client, id plexapi.Identity, hostIP string, httpPort int, tokenLookup func() string) error {
	if hostIP == "" {
		return nil
	}
	token := a.BindToken()
	if token == "" {
		if tokenLookup != nil {
			token = tokenLookup()
		}
		if token == "" {
			return nil
		}
		a.SetBindToken(token)
	}
	return plexapi.UpdateDeviceConnection(ctx, client, id, token, hostIP, httpPort)
}

// StartPlexTVNotifyLoop runs RefreshPlexTVConnection once immediately, then
// every plexTVNotifyInterval, until ctx is done. Errors are logged and
// swallowed, mirroring the original's bare `except Exception: pass`.
func (a *Adapter) StartPlexTVNotifyLoop(ctx context.Context, client *http.Client, id plexapi.Identity, hostIP string, httpPort int, tokenLookup func() string) {
	go func() {
		ticker := time.NewTicker(plexTVNotifyInterval)
		defer ticker.Stop()
		for {
			if err := a.RefreshPlexTVConnection(ctx, client, id, hostIP, httpPort, tokenLookup); err != nil {
				a.log.WithError(err).Debug("plex.tv connection refresh failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
