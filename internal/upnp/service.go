package upnp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"

	"github.com/snapetech/plexdlnabridge/internal/desccache"
	"github.com/snapetech/plexdlnabridge/internal/httpclient"
)

// soapTimeout bounds every SOAP action call; a renderer that cannot answer
// within this window is treated the same as a connection failure.
const soapTimeout = 5 * time.Second

// defaultGENATimeout is what we ask for when subscribing if the caller does
// not specify one; renewal happens at half this window.
const defaultGENATimeout = 120 * time.Second

// Service is one UPnP service exposed by a Device (AVTransport,
// RenderingControl, ...): its control/event/SCPD URLs, its cached SCPD
// action table, and its GENA subscription state.
type Service struct {
	Type        string // service type URN, e.g. urn:schemas-upnp-org:service:AVTransport:1
	ID          string
	ControlURL  string
	EventSubURL string
	SCPDURL     string

	client *http.Client
	log    *logrus.Entry

	// descCache, when non-nil, lets FetchSCPD fall back to the last known
	// good SCPD document on a fetch failure and persist a fresh one on
	// success. Left nil by newService; FetchDeviceWithCache sets it.
	descCache *desccache.Cache

	mu                    sync.Mutex
	spec                  *scpd
	sid                   string
	nextSubscribeCallTime time.Time
}

func newService(t, id, controlURL, eventSubURL, scpdURL string, client *http.Client, log *logrus.Entry) *Service {
	return &Service{
		Type:        t,
		ID:          id,
		ControlURL:  controlURL,
		EventSubURL: eventSubURL,
		SCPDURL:     scpdURL,
		client:      client,
		log:         log.WithField("service", t),
	}
}

// FetchSCPD retrieves and parses the service's SCPD document, populating the
// action-argument and state-variable tables used for action dispatch and
// volume range lookups. Safe to call more than once; a later call replaces
// the cached table (e.g. after a cache-miss revalidation).
func (s *Service) FetchSCPD(ctx context.Context) error {
	if s.SCPDURL == "" {
		return fmt.Errorf("upnp: service %s has no SCPDURL", s.Type)
	}
	ctx, cancel := context.WithTimeout(ctx, soapTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.SCPDURL, nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.DoWithRetry(ctx, s.client, req, httpclient.DeviceRetryPolicy)
	var body []byte
	if err != nil {
		cached, ok := s.descCache.GetSCPD(s.SCPDURL)
		if !ok {
			return &ConnectError{URL: s.SCPDURL, Err: err}
		}
		body = cached
	} else {
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if cached, ok := s.descCache.GetSCPD(s.SCPDURL); ok {
				body = cached
			} else {
				return &ConnectError{URL: s.SCPDURL, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
			}
		} else {
			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if s.descCache != nil {
				s.descCache.PutSCPD(s.SCPDURL, body)
			}
		}
	}
	parsed, err := parseSCPD(string(body))
	if err != nil {
		return fmt.Errorf("upnp: parsing SCPD at %s: %w", s.SCPDURL, err)
	}

	s.mu.Lock()
	s.spec = parsed
	s.mu.Unlock()
	return nil
}

func (s *Service) cachedSpec() *scpd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// StateVariableRange returns the allowed value range for a state variable
// declared in the SCPD (e.g. "Volume"), falling back to 0-100 step 1 if the
// SCPD has not been fetched yet or does not declare the variable.
func (s *Service) StateVariableRange(name string) (min, max, step int) {
	spec := s.cachedSpec()
	if spec == nil {
		return 0, 100, 1
	}
	if v, ok := spec.StateVars[name]; ok {
		return v.Minimum, v.Maximum, v.Step
	}
	return 0, 100, 1
}

// Invoke calls action with the given named arguments, merging in the
// standard defaults (InstanceID, Channel, ...) for any argument the SCPD
// declares but args omits. Returns the parsed {action}Response element, or
// nil with no error if the device replied with a UPnPError fault (a
// "successful call, null result" in the original bridge's terms).
func (s *Service) Invoke(ctx context.Context, action string, args map[string]string) (*etree.Element, error) {
	argOrder := s.argOrderFor(action, args)
	return s.invokeRaw(ctx, action, argOrder, args)
}

// InvokeSingle calls a single-argument action by supplying value directly;
// the sole declared "in" argument name is inferred from the cached SCPD.
// Calling this on a multi-argument action is a programming error.
func (s *Service) InvokeSingle(ctx context.Context, action, value string) (*etree.Element, error) {
	spec := s.cachedSpec()
	var argName string
	if spec != nil {
		if a, ok := spec.Actions[action]; ok && len(a.Args) == 1 {
			argName = a.Args[0]
		}
	}
	if argName == "" {
		declared := 0
		if spec != nil {
			declared = len(spec.Actions[action].Args)
		}
		return nil, fmt.Errorf("upnp: cannot infer single argument name for action %s (SCPD not fetched or action has %d declared arguments)", action, declared)
	}
	return s.invokeRaw(ctx, action, []string{argName}, map[string]string{argName: value})
}

// argOrderFor returns the SCPD-declared argument order for action when
// known, otherwise falls back to the caller-supplied args' own order
// (map iteration order is non-deterministic, so this is a best-effort
// fallback for devices whose SCPD failed to fetch).
func (s *Service) argOrderFor(action string, args map[string]string) []string {
	spec := s.cachedSpec()
	if spec != nil {
		if a, ok := spec.Actions[action]; ok {
			return a.Args
		}
	}
	order := make([]string, 0, len(args))
	for k := range args {
		order = append(order, k)
	}
	return order
}

func (s *Service) invokeRaw(ctx context.Context, action string, argOrder []string, args map[string]string) (*etree.Element, error) {
	body := buildSOAPRequest(s.Type, action, argOrder, args)

	ctx, cancel := context.WithTimeout(ctx, soapTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.ControlURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, s.Type, action))

	resp, err := httpclient.DoWithRetry(ctx, s.client, req, httpclient.DeviceRetryPolicy)
	if err != nil {
		return nil, &ConnectError{URL: s.ControlURL, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectError{URL: s.ControlURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// A fault body may still carry a parseable UPnPError even on 5xx;
		// try it before giving up, since some renderers answer faults this way.
		if parsed, perr := parseSOAPResponse(action, string(respBody)); perr == nil && parsed.Fault != nil {
			s.log.WithFields(logrus.Fields{"action": action, "code": parsed.Fault.Code}).Debug("UPnPError fault on non-2xx SOAP response")
			return nil, nil
		}
		return nil, &ConnectError{URL: s.ControlURL, Err: fmt.Errorf("HTTP %d invoking %s", resp.StatusCode, action)}
	}

	parsed, err := parseSOAPResponse(action, string(respBody))
	if err != nil {
		return nil, err
	}
	if parsed.Fault != nil {
		s.log.WithFields(logrus.Fields{"action": action, "code": parsed.Fault.Code, "description": parsed.Fault.Description}).Debug("UPnPError fault")
		return nil, nil
	}
	return parsed.Element, nil
}

// Subscribe sends a GENA SUBSCRIBE to the service's event URL with the given
// callback URL and requested timeout (defaultGENATimeout if zero), storing
// the SID and scheduling the next renewal at half the granted timeout.
func (s *Service) Subscribe(ctx context.Context, callbackURL string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultGENATimeout
	}
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", s.EventSubURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("Callback", "<"+callbackURL+">")
	req.Header.Set("Timeout", fmt.Sprintf("Second-%d", int(timeout.Seconds())))

	resp, err := s.client.Do(req)
	if err != nil {
		return &ConnectError{URL: s.EventSubURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ConnectError{URL: s.EventSubURL, Err: fmt.Errorf("SUBSCRIBE HTTP %d", resp.StatusCode)}
	}

	granted := parseGENATimeout(resp.Header.Get("Timeout"), timeout)
	s.mu.Lock()
	s.sid = resp.Header.Get("SID")
	s.nextSubscribeCallTime = time.Now().Add(granted / 2)
	s.mu.Unlock()
	return nil
}

// MaybeRenew renews the GENA subscription if the stored next-renewal time
// has passed; a call earlier than that is a no-op, matching the original
// bridge's next_subscribe_call_time guard.
func (s *Service) MaybeRenew(ctx context.Context, callbackURL string, timeout time.Duration) error {
	s.mu.Lock()
	due := s.nextSubscribeCallTime
	s.mu.Unlock()
	if time.Now().Before(due) {
		return nil
	}
	return s.Subscribe(ctx, callbackURL, timeout)
}

// Unsubscribe sends GENA UNSUBSCRIBE for the currently held SID, if any.
func (s *Service) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	sid := s.sid
	s.mu.Unlock()
	if sid == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", s.EventSubURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("SID", sid)
	resp, err := s.client.Do(req)
	if err != nil {
		return &ConnectError{URL: s.EventSubURL, Err: err}
	}
	defer resp.Body.Close()

	s.mu.Lock()
	s.sid = ""
	s.mu.Unlock()
	return nil
}

func parseGENATimeout(header string, fallback time.Duration) time.Duration {
	header = strings.TrimSpace(header)
	const prefix = "Second-"
	if !strings.HasPrefix(header, prefix) {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimPrefix(header, prefix))
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
