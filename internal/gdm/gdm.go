// Package gdm implements Plex's LAN discovery multicast protocol ("GDM"),
// so each bridged renderer shows up in Plex clients' device lists the way a
// native Plex player would.
package gdm

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const (
	multicastAddr = "239.0.0.250"
	multicastPort = 32412
	helloPort     = 32413
	maxDatagram   = 2048
)

// Info is the per-device advertisement data a Beacon answers M-SEARCH with.
type Info struct {
	UUID            string
	Name            string
	Port            int // bridge HTTP port, shared across all registered devices
	Product         string
	PlatformVersion string
}

// block renders Info as the "Key: value\n" lines GDM messages carry, in the
// same field order the original bridge used.
func (i Info) block() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", i.Name)
	fmt.Fprintf(&b, "Port: %d\n", i.Port)
	fmt.Fprintf(&b, "Content-Type: plex/media-player\n")
	fmt.Fprintf(&b, "Product: %s\n", i.Product)
	fmt.Fprintf(&b, "Protocol: plex\n")
	fmt.Fprintf(&b, "Protocol-Version: 1\n")
	fmt.Fprintf(&b, "Protocol-Capabilities: timeline,playback,playqueues\n")
	fmt.Fprintf(&b, "Version: %s\n", i.PlatformVersion)
	fmt.Fprintf(&b, "Resource-Identifier: %s\n", i.UUID)
	fmt.Fprintf(&b, "Updated-At: %d\n", time.Now().Unix())
	fmt.Fprintf(&b, "Device-Class: stb\n")
	return b.String()
}

// Beacon is one bridged device's registration with the shared GDM Set. It
// exists only so callers get the "one Beacon per device" lifecycle spec.md
// describes; the actual multicast socket is owned and shared by the Set,
// since the kernel will not let more than one process-level listener bind
// :32412 reliably across platforms without raw SO_REUSEPORT plumbing the
// rest of this codebase's corpus never reaches for.
type Beacon struct {
	set  *Set
	uuid string
}

// Close deregisters this device. Once the last Beacon is closed the Set
// keeps running (other devices may still be registered, and a fresh
// Register can reuse it), but no more M-SEARCH responses will mention it.
func (b *Beacon) Close() {
	b.set.unregister(b.uuid)
}

// Set owns the single UDP socket joined to the GDM multicast group and
// answers M-SEARCH on behalf of every currently-registered device.
type Set struct {
	log *logrus.Entry

	conn *net.UDPConn
	pc   *ipv4.PacketConn

	mu      sync.Mutex
	devices map[string]Info

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSet binds the GDM multicast socket and joins 239.0.0.250. The socket is
// not listening for M-SEARCH until Start is called.
func NewSet(log *logrus.Entry) (*Set, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	addr := &net.UDPAddr{IP: net.ParseIP(multicastAddr), Port: multicastPort}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("gdm: listen multicast: %w", err)
	}
	s, err := newSetFromConn(conn)
	if err != nil {
		return nil, err
	}
	s.log = log
	return s, nil
}

// newSetFromConn builds a Set around an already-bound UDP socket. NewSet
// uses this with a real multicast-joined socket; tests use it with a plain
// loopback socket to exercise the M-SEARCH/HELLO logic without multicast
// permissions.
func newSetFromConn(conn *net.UDPConn) (*Set, error) {
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(255); err != nil {
		logrus.WithError(err).Debug("gdm: failed to set multicast TTL")
	}
	return &Set{
		log:     logrus.NewEntry(logrus.StandardLogger()),
		conn:    conn,
		pc:      pc,
		devices: make(map[string]Info),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start launches the M-SEARCH listener loop. It returns immediately; the
// loop runs until ctx is done or Close is called.
func (s *Set) Start(ctx context.Context) {
	go s.listen(ctx)
}

// Close tears down the multicast socket, stopping all beacons at once.
func (s *Set) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
	s.conn.Close()
}

// Register adds a device to the advertised set and sends its HELLO
// announcement immediately, matching the original bridge's connection_made
// behavior. The returned Beacon's Close removes the device again.
func (s *Set) Register(info Info) *Beacon {
	s.mu.Lock()
	s.devices[info.UUID] = info
	s.mu.Unlock()
	s.sendHello(info)
	return &Beacon{set: s, uuid: info.UUID}
}

func (s *Set) unregister(uuid string) {
	s.mu.Lock()
	delete(s.devices, uuid)
	s.mu.Unlock()
}

func (s *Set) sendHello(info Info) {
	msg := "HELLO * HTTP/1.0\n" + info.block()
	dest := &net.UDPAddr{IP: net.ParseIP(multicastAddr), Port: helloPort}
	if _, err := s.conn.WriteToUDP([]byte(msg), dest); err != nil {
		s.log.WithError(err).WithField("device", info.UUID).Warn("gdm: failed to send HELLO")
	}
}

func (s *Set) listen(ctx context.Context) {
	defer close(s.doneCh)
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}
		s.pc.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, src, err := s.pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			default:
			}
			s.log.WithError(err).Warn("gdm: read error")
			return
		}
		s.handle(buf[:n], src)
	}
}

func (s *Set) handle(data []byte, src net.Addr) {
	if !strings.HasPrefix(string(data), "M-SEARCH * HTTP/1.") {
		return
	}
	udpSrc, ok := src.(*net.UDPAddr)
	if ok && udpSrc.IP.IsLoopback() {
		return
	}

	s.mu.Lock()
	devices := make([]Info, 0, len(s.devices))
	for _, info := range s.devices {
		devices = append(devices, info)
	}
	s.mu.Unlock()

	for _, info := range devices {
		msg := "HTTP/1.0 200 OK\n" + info.block()
		if _, err := s.conn.WriteTo([]byte(msg), src); err != nil {
			s.log.WithError(err).WithField("device", info.UUID).Warn("gdm: failed to send M-SEARCH reply")
		}
	}
}
