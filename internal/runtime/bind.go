package runtime

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/snapetech/plexdlnabridge/internal/gdm"
	"github.com/snapetech/plexdlnabridge/internal/plexapi"
)

// rename persists a display-name override and re-announces the device over
// GDM under its new name, matching plexserver.py's link_device setting
// device.name before calling update_plex_tv_connection.
func (r *Runtime) rename(ctx context.Context, uuid, name string) error {
	r.mu.Lock()
	d, ok := r.devices[uuid]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: device not found %q", uuid)
	}
	if name == "" || name == d.name {
		return nil
	}
	d.name = name
	if err := r.store.SetAlias(uuid, name); err != nil {
		return fmt.Errorf("runtime: save alias: %w", err)
	}
	d.beacon = r.gdms.Register(gdm.Info{
		UUID:            d.uuid,
		Name:            d.name,
		Port:            r.cfg.HTTPPort,
		Product:         r.cfg.Product,
		PlatformVersion: r.cfg.PlatformVersion,
	})
	return d.adapter.RefreshPlexTVConnection(ctx, r.client, r.identityFor(d), r.HostIP(), r.cfg.HTTPPort, func() string { return r.store.Token(uuid) })
}

// bind resolves a submitted plex.tv PIN to an auth token and persists it,
// matching plexserver.py's link_device pin_id branch. An unauthorized PIN
// (token still empty) is not an error - the user simply hasn't approved it
// on plex.tv yet.
func (r *Runtime) bind(ctx context.Context, uuid, pinID string) error {
	r.mu.Lock()
	d, ok := r.devices[uuid]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: device not found %q", uuid)
	}
	token, err := plexapi.CheckPIN(ctx, r.client, pinID, r.identityFor(d))
	if err != nil {
		return fmt.Errorf("runtime: check pin: %w", err)
	}
	if token == "" {
		return nil
	}
	if err := r.store.SetToken(uuid, token); err != nil {
		return fmt.Errorf("runtime: save token: %w", err)
	}
	d.adapter.SetBindToken(token)
	return d.adapter.RefreshPlexTVConnection(ctx, r.client, r.identityFor(d), r.HostIP(), r.cfg.HTTPPort, func() string { return token })
}

// pendingPin requests a fresh plex.tv PIN for an unbound device. The
// original bridge (plexserver.py's link_page) requests a new PIN on every
// render rather than caching one, so this does the same.
func (r *Runtime) pendingPin(ctx context.Context, uuid string) (string, string, bool) {
	r.mu.Lock()
	d, ok := r.devices[uuid]
	r.mu.Unlock()
	if !ok || d.adapter.BindToken() != "" {
		return "", "", false
	}
	pin, err := plexapi.GetPIN(ctx, r.client, r.identityFor(d))
	if err != nil {
		r.log.WithError(err).WithField("uuid", uuid).Warn("runtime: get pin failed")
		return "", "", false
	}
	return pin.Code, pin.ID, true
}

// guessHostIP records host as the bridge's address the first time an
// inbound request reveals one, then kicks off a plex.tv connection refresh
// for every already-discovered device - grounded on plexserver.py's
// guess_host_ip.
func (r *Runtime) guessHostIP(ctx context.Context, host string) {
	host = stripPort(host)
	if host == "" || isLoopback(host) {
		return
	}

	r.mu.Lock()
	already := r.hostIP != ""
	if !already {
		r.hostIP = host
	}
	devs := make([]*device, 0, len(r.devices))
	for _, d := range r.devices {
		devs = append(devs, d)
	}
	r.mu.Unlock()

	if already {
		return
	}

	r.log.WithField("host_ip", host).Info("runtime: host ip guessed")
	for _, d := range devs {
		go func(d *device) {
			if err := d.adapter.RefreshPlexTVConnection(ctx, r.client, r.identityFor(d), host, r.cfg.HTTPPort, func() string { return r.store.Token(d.uuid) }); err != nil {
				r.log.WithError(err).WithField("uuid", d.uuid).Debug("runtime: plex.tv refresh after host ip guess failed")
			}
		}(d)
	}
}

func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
