// Command plex-dlna-bridge discovers DLNA/UPnP media renderers on the LAN
// and exposes each one to Plex clients as if it were a native Plex player:
// GDM discovery, the player-command HTTP surface, and the Plex Media Server
// timeline protocol sit in front of plain UPnP AVTransport/RenderingControl
// control.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/snapetech/plexdlnabridge/internal/config"
	"github.com/snapetech/plexdlnabridge/internal/runtime"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	if cfg.LogLevel != "" {
		if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			log.SetLevel(lvl)
		} else {
			log.Warnf("invalid PLEX_BRIDGE_LOG_LEVEL %q, keeping default", cfg.LogLevel)
		}
	}
	entry := logrus.NewEntry(log)

	rt, err := runtime.New(cfg, entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to assemble bridge")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entry.WithField("http_port", cfg.HTTPPort).Info("plex-dlna-bridge starting")
	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		entry.WithError(err).Error("bridge exited with error")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	entry.Info("plex-dlna-bridge stopped")
}
