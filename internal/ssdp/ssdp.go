// Package ssdp discovers UPnP/DLNA renderers on the LAN via SSDP multicast
// M-SEARCH, handing each newly-seen device description URL to an injected
// callback.
package ssdp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
)

const (
	listenPort     = 1910
	multicastAddr  = "239.255.255.250"
	multicastPort  = 1900
	searchInterval = 30 * time.Second
	maxDatagram    = 8192
)

// SocketError wraps a socket-level failure (bind, join, or send) with the
// operation that failed, so callers can distinguish "no devices found" from
// "discovery never actually started."
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string { return fmt.Sprintf("ssdp: %s: %v", e.Op, e.Err) }
func (e *SocketError) Unwrap() error { return e.Err }

// OnLocation is invoked at most once per distinct LOCATION URL seen, either
// from a live M-SEARCH response/NOTIFY or, once, from a configured static
// location.
type OnLocation func(location string)

// Discoverer runs the SSDP multicast search loop.
type Discoverer struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn

	onLocation     OnLocation
	staticLocation string
	log            *logrus.Entry

	limiter  *rate.Limiter
	rescanCh chan struct{}

	seenMu sync.Mutex
	seen   map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New binds the discovery socket and joins the SSDP multicast group. If
// staticLocation is non-empty, Start delivers it once and never opens the
// socket at all.
func New(onLocation OnLocation, staticLocation string, log *logrus.Entry) (*Discoverer, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Discoverer{
		onLocation:     onLocation,
		staticLocation: staticLocation,
		log:            log,
		limiter:        rate.NewLimiter(rate.Every(searchInterval), 1),
		rescanCh:       make(chan struct{}, 1),
		seen:           make(map[string]bool),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	if staticLocation != "" {
		return d, nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: listenPort})
	if err != nil {
		return nil, &SocketError{Op: "listen", Err: err}
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(nil, &net.UDPAddr{IP: net.ParseIP(multicastAddr)}); err != nil {
		conn.Close()
		return nil, &SocketError{Op: "join group", Err: err}
	}
	if err := pc.SetMulticastTTL(4); err != nil {
		log.WithError(err).Debug("ssdp: failed to set multicast TTL")
	}
	d.conn = conn
	d.pc = pc
	return d, nil
}

// newDiscovererFromConn builds a Discoverer around an already-bound UDP
// socket, skipping the multicast bind/join New does. Tests use this with a
// plain loopback socket to exercise the search/listen/dedup logic without
// needing multicast group permissions.
func newDiscovererFromConn(conn *net.UDPConn, onLocation OnLocation, log *logrus.Entry) *Discoverer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Discoverer{
		conn:       conn,
		pc:         ipv4.NewPacketConn(conn),
		onLocation: onLocation,
		log:        log,
		limiter:    rate.NewLimiter(rate.Every(searchInterval), 1),
		rescanCh:   make(chan struct{}, 1),
		seen:       make(map[string]bool),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the search and listen loops (or, with a static location
// configured, delivers it once). It returns immediately.
func (d *Discoverer) Start(ctx context.Context) {
	if d.staticLocation != "" {
		close(d.doneCh)
		d.deliver(d.staticLocation)
		return
	}
	go d.listen(ctx)
	go d.run(ctx)
}

// Rescan requests an out-of-cycle M-SEARCH. It is coalesced with the
// periodic search through the same rate limiter, so a rescan requested
// right after a periodic search still waits out the remainder of the
// interval rather than doubling the multicast traffic.
func (d *Discoverer) Rescan() {
	select {
	case d.rescanCh <- struct{}{}:
	default:
	}
}

// Close stops both loops and releases the socket.
func (d *Discoverer) Close() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	if d.staticLocation == "" {
		<-d.doneCh
		d.conn.Close()
	}
}

func (d *Discoverer) run(ctx context.Context) {
	defer close(d.doneCh)
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		d.search()
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-d.rescanCh:
		case <-time.After(searchInterval):
		}
	}
}

func (d *Discoverer) search() {
	msg := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 10\r\n" +
		"ST: ssdp:all\r\n\r\n"
	dest := &net.UDPAddr{IP: net.ParseIP(multicastAddr), Port: multicastPort}
	if _, err := d.conn.WriteToUDP([]byte(msg), dest); err != nil {
		d.log.WithError(err).Warn("ssdp: failed to send M-SEARCH")
	}
}

func (d *Discoverer) listen(ctx context.Context) {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}
		d.pc.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, _, err := d.pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			default:
			}
			d.log.WithError(err).Warn("ssdp: read error")
			return
		}
		if loc := parseLocation(buf[:n]); loc != "" {
			d.deliver(loc)
		}
	}
}

func (d *Discoverer) deliver(location string) {
	d.seenMu.Lock()
	if d.seen[location] {
		d.seenMu.Unlock()
		return
	}
	d.seen[location] = true
	d.seenMu.Unlock()
	if d.onLocation != nil {
		d.onLocation(location)
	}
}

// parseLocation discards the datagram's first line (the HTTP/1.1 status or
// M-SEARCH request line) and scans the remaining "Key: Value" lines,
// case-insensitively, for a LOCATION header.
func parseLocation(data []byte) string {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	for _, line := range lines[1:] {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		if key == "location" {
			return strings.TrimSpace(line[idx+1:])
		}
	}
	return ""
}
