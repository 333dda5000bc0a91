// Package plexapi implements the small set of plex.tv-facing HTTP calls the
// bridge needs outside of the DLNA/UPnP domain: the PIN login flow used to
// bind a device to a Plex account, and the device-connection PUT used to
// keep plex.tv's record of how to reach this bridge up to date.
package plexapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/beevik/etree"

	"github.com/snapetech/plexdlnabridge/internal/httpclient"
)

// baseURL is plex.tv's API root; a package-level var (not a const) so tests
// can point it at a local fixture server instead of the real plex.tv.
var baseURL = "https://plex.tv"

// Identity is the subset of device/bridge identity pms_header needs; kept
// separate from upnp.Device and config.Config so this package stays
// dependency-free of both.
type Identity struct {
	UUID            string
	Model           string
	Name            string
	Platform        string
	PlatformVersion string
	Version         string
}

// Headers builds the X-Plex-* headers plex.tv expects on every device-facing
// call, grounded on the original bridge's pms_header.
func Headers(id Identity) http.Header {
	h := http.Header{}
	h.Set("X-Plex-Client-Identifier", id.UUID)
	h.Set("X-Plex-Device", id.Model)
	h.Set("X-Plex-Device-Name", id.Name)
	h.Set("X-Plex-Platform", id.Platform)
	h.Set("X-Plex-Platform-Version", id.PlatformVersion)
	h.Set("X-Plex-Product", id.Model)
	h.Set("X-Plex-Version", id.Version)
	h.Set("X-Plex-Provides", "player,pubsub-player")
	return h
}

// SetBaseURLForTesting points baseURL at a fixture server for the duration of
// a test, returning a restore function. Exported so other packages' tests
// (plexadapter's plex.tv connection refresh) can exercise real HTTP calls
// against a local server instead of plex.tv.
func SetBaseURLForTesting(url string) (restore func()) {
	orig := baseURL
	baseURL = url
	return func() { baseURL = orig }
}

// Pin is a plex.tv PIN login flow identifier/code pair.
type Pin struct {
	ID   string
	Code string
}

// GetPIN requests a new PIN login pair from plex.tv.
func GetPIN(ctx context.Context, client *http.Client, id Identity) (Pin, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v2/pins", nil)
	if err != nil {
		return Pin{}, err
	}
	req.Header = Headers(id)
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DeviceRetryPolicy)
	if err != nil {
		return Pin{}, fmt.Errorf("plexapi: get pin: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Pin{}, fmt.Errorf("plexapi: get pin: status %d", resp.StatusCode)
	}
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(resp.Body); err != nil {
		return Pin{}, fmt.Errorf("plexapi: parse pin response: %w", err)
	}
	pinElem := doc.FindElement("//pin")
	if pinElem == nil {
		return Pin{}, fmt.Errorf("plexapi: pin response missing <pin> element")
	}
	return Pin{ID: pinElem.SelectAttrValue("id", ""), Code: pinElem.SelectAttrValue("code", "")}, nil
}

// CheckPIN polls a pending PIN; the returned token is empty until the user
// completes the bind on plex.tv.
func CheckPIN(ctx context.Context, client *http.Client, pinID string, id Identity) (string, error) {
	checkURL := baseURL + "/api/v2/pins/" + url.PathEscape(pinID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return "", err
	}
	req.Header = Headers(id)
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DeviceRetryPolicy)
	if err != nil {
		return "", fmt.Errorf("plexapi: check pin: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("plexapi: check pin: status %d", resp.StatusCode)
	}
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(resp.Body); err != nil {
		return "", fmt.Errorf("plexapi: parse check-pin response: %w", err)
	}
	pinElem := doc.FindElement("//pin")
	if pinElem == nil {
		return "", fmt.Errorf("plexapi: check-pin response missing <pin> element")
	}
	return pinElem.SelectAttrValue("authToken", ""), nil
}

// UpdateDeviceConnection PUTs this bridge's current address to plex.tv's
// record for the bound device, so the Plex app can find it even if its IP
// changed since the bind-page token was saved.
func UpdateDeviceConnection(ctx context.Context, client *http.Client, id Identity, token, hostIP string, httpPort int) error {
	putURL := baseURL + "/devices/" + url.PathEscape(id.UUID) + "?X-Plex-Token=" + url.QueryEscape(token)
	form := url.Values{}
	form.Set("Connection[][uri]", fmt.Sprintf("http://%s:%d", hostIP, httpPort))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header = Headers(id)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DeviceRetryPolicy)
	if err != nil {
		return fmt.Errorf("plexapi: update device connection: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("plexapi: update device connection: status %d", resp.StatusCode)
	}
	return nil
}
