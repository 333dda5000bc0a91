package upnp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/snapetech/plexdlnabridge/internal/desccache"
	"github.com/snapetech/plexdlnabridge/internal/httpclient"
)

// Required service types; a root description missing either is rejected.
const (
	AVTransportServiceType      = "urn:schemas-upnp-org:service:AVTransport:1"
	RenderingControlServiceType = "urn:schemas-upnp-org:service:RenderingControl:1"
)

// ErrorCountToRemove is the number of consecutive connect failures a Device
// tolerates before self-removing.
const ErrorCountToRemove = 20

// Device is a discovered UPnP/DLNA renderer: its identity, its service map,
// and its connect-error strike counter.
type Device struct {
	UUID         string
	FriendlyName string
	LocationURL  string

	Services map[string]*Service // keyed by service type URN

	client *http.Client
	log    *logrus.Entry

	mu               sync.Mutex
	repeatErrorCount int

	// OnRemove is invoked exactly once, with this Device, when the error
	// strike count reaches ErrorCountToRemove. Set by the registry that owns
	// the Device's lifecycle (not by upnp itself, which has no notion of a
	// device set).
	OnRemove func(*Device)
}

type rootDescription struct {
	FriendlyName string
	UDN          string
	Services     []rootService
}

type rootService struct {
	ServiceType string
	ServiceID   string
	ControlURL  string
	EventSubURL string
	SCPDURL     string
}

// FetchDevice retrieves and parses the root description at locationURL,
// resolves each service's URLs against it, and rejects the device if either
// required service type is absent.
func FetchDevice(ctx context.Context, locationURL string, client *http.Client, log *logrus.Entry) (*Device, error) {
	return fetchDevice(ctx, locationURL, client, log, nil)
}

// FetchDeviceWithCache is FetchDevice plus a description cache: a fetch
// failure on the root description or a service's SCPD falls back to the
// last document the cache has for that URL, and a successful fetch updates
// the cache for next time. Used by internal/runtime so a restart (or a
// device that's briefly unreachable) doesn't lose an otherwise-known-good
// device.
func FetchDeviceWithCache(ctx context.Context, locationURL string, client *http.Client, log *logrus.Entry, cache *desccache.Cache) (*Device, error) {
	return fetchDevice(ctx, locationURL, client, log, cache)
}

func fetchDevice(ctx context.Context, locationURL string, client *http.Client, log *logrus.Entry, cache *desccache.Cache) (*Device, error) {
	if client == nil {
		client = httpclient.Default()
	}
	body, err := fetchBody(ctx, client, locationURL)
	if err != nil {
		if cached, ok := cache.GetDescription(locationURL); ok {
			body = cached
		} else {
			return nil, err
		}
	} else if cache != nil {
		cache.PutDescription(locationURL, body)
	}

	root, err := parseRootDescription(string(body))
	if err != nil {
		return nil, &NotValidDeviceError{LocationURL: locationURL, Reason: err.Error()}
	}
	if root.FriendlyName == "" {
		return nil, &NotValidDeviceError{LocationURL: locationURL, Reason: "missing friendlyName"}
	}
	if root.UDN == "" {
		return nil, &NotValidDeviceError{LocationURL: locationURL, Reason: "missing UDN"}
	}

	base, err := url.Parse(locationURL)
	if err != nil {
		return nil, &NotValidDeviceError{LocationURL: locationURL, Reason: "location URL does not parse: " + err.Error()}
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entry := log.WithFields(logrus.Fields{"uuid": strings.TrimPrefix(root.UDN, "uuid:"), "location": locationURL})

	d := &Device{
		UUID:         strings.TrimPrefix(root.UDN, "uuid:"),
		FriendlyName: root.FriendlyName,
		LocationURL:  locationURL,
		Services:     make(map[string]*Service),
		client:       client,
		log:          entry,
	}

	haveAVT, haveRC := false, false
	for _, svc := range root.Services {
		controlURL := resolveURL(base, svc.ControlURL)
		eventURL := resolveURL(base, svc.EventSubURL)
		scpdURL := resolveURL(base, svc.SCPDURL)
		s := newService(svc.ServiceType, svc.ServiceID, controlURL, eventURL, scpdURL, client, entry)
		s.descCache = cache
		d.Services[svc.ServiceType] = s
		if svc.ServiceType == AVTransportServiceType {
			haveAVT = true
		}
		if svc.ServiceType == RenderingControlServiceType {
			haveRC = true
		}
	}
	if !haveAVT || !haveRC {
		return nil, &NotValidDeviceError{LocationURL: locationURL, Reason: "missing AVTransport or RenderingControl service"}
	}

	return d, nil
}

// fetchBody performs a GET against target and returns its body, wrapping
// transport and non-2xx-status failures alike as a *ConnectError.
func fetchBody(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DeviceRetryPolicy)
	if err != nil {
		return nil, &ConnectError{URL: target, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ConnectError{URL: target, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	return io.ReadAll(resp.Body)
}

func parseRootDescription(raw string) (*rootDescription, error) {
	doc, err := parseStrippingNamespace(raw)
	if err != nil {
		return nil, err
	}
	deviceElem := findElementAnyDepth(doc.Root(), "device")
	if deviceElem == nil && doc.Root() != nil && localName(doc.Root().Tag) == "device" {
		deviceElem = doc.Root()
	}
	if deviceElem == nil {
		return nil, fmt.Errorf("no <device> element in root description")
	}

	root := &rootDescription{}
	if e := deviceElem.FindElement("friendlyName"); e != nil {
		root.FriendlyName = e.Text()
	}
	if e := deviceElem.FindElement("UDN"); e != nil {
		root.UDN = e.Text()
	}

	serviceList := deviceElem.FindElement("serviceList")
	if serviceList != nil {
		for _, se := range serviceList.SelectElements("service") {
			svc := rootService{}
			if e := se.FindElement("serviceType"); e != nil {
				svc.ServiceType = e.Text()
			}
			if e := se.FindElement("serviceId"); e != nil {
				svc.ServiceID = e.Text()
			}
			if e := se.FindElement("controlURL"); e != nil {
				svc.ControlURL = e.Text()
			}
			if e := se.FindElement("eventSubURL"); e != nil {
				svc.EventSubURL = e.Text()
			}
			if e := se.FindElement("SCPDURL"); e != nil {
				svc.SCPDURL = e.Text()
			}
			root.Services = append(root.Services, svc)
		}
	}
	return root, nil
}

func resolveURL(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

// AVTransport returns the device's AVTransport service, or nil if absent
// (cannot happen after a successful FetchDevice, but callers constructing a
// Device by hand should still check).
func (d *Device) AVTransport() *Service { return d.Services[AVTransportServiceType] }

// RenderingControl returns the device's RenderingControl service.
func (d *Device) RenderingControl() *Service { return d.Services[RenderingControlServiceType] }

// VolumeRange returns the device's advertised CurrentVolume range, fetching
// RenderingControl's SCPD first if it has not been cached yet. Falls back to
// [0,100] step 1 if the SCPD does not declare a Volume state variable.
func (d *Device) VolumeRange(ctx context.Context) (min, max, step int) {
	rc := d.RenderingControl()
	if rc == nil {
		return 0, 100, 1
	}
	if rc.cachedSpec() == nil {
		_ = rc.FetchSCPD(ctx)
	}
	return rc.StateVariableRange("Volume")
}

// NoteResult updates the connect-error strike counter: a ConnectError
// increments it and, at ErrorCountToRemove, triggers OnRemove exactly once;
// any other outcome (including a nil fault result) resets it to zero.
func (d *Device) NoteResult(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var connErr *ConnectError
	if err == nil || !asConnectError(err, &connErr) {
		d.repeatErrorCount = 0
		return
	}
	d.repeatErrorCount++
	if d.repeatErrorCount == ErrorCountToRemove {
		d.log.Warnf("device reached %d consecutive connect errors, removing", d.repeatErrorCount)
		if d.OnRemove != nil {
			go d.OnRemove(d)
		}
	}
}

func asConnectError(err error, target **ConnectError) bool {
	ce, ok := err.(*ConnectError)
	if ok {
		*target = ce
	}
	return ok
}
