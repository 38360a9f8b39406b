// Package report sends the best-effort "report on load" UDP
// notification: one packet per successful module load, addressed to an
// optional operator-run collector. The packet is DNS-shaped (a single
// question in a NULL/IN query) purely because that is the wire format
// the collector on the other end expects; report never parses a
// response and never retries.
package report

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Notifier sends report-on-load packets to an operator-configured UDP
// address, rate-limited per module type so a module stuck in a
// reload/fail loop cannot flood the collector.
type Notifier struct {
	addr     string
	conn     net.PacketConn
	hostname string

	ratePerSecond float64
	mu            sync.Mutex
	limiters      map[string]*rate.Limiter
}

// New returns a Notifier bound to addr (host:port, UDP). Disabled
// deployments should simply not call Notify; there is no "off" flag
// here, that policy belongs to the caller (it mirrors the server
// family being 0 in the protocol this was modeled on).
func New(addr string, ratePerSecond float64) (*Notifier, error) {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("report: open udp socket: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Notifier{
		addr:          addr,
		conn:          conn,
		hostname:      hostname,
		ratePerSecond: ratePerSecond,
		limiters:      make(map[string]*rate.Limiter),
	}, nil
}

// Close releases the underlying socket.
func (n *Notifier) Close() error {
	return n.conn.Close()
}

// limiterFor returns (creating if absent) the token bucket for
// segmentType, so each type is rate-limited independently.
func (n *Notifier) limiterFor(segmentType string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()

	lim, ok := n.limiters[segmentType]
	if !ok {
		burst := 1
		if n.ratePerSecond > 1 {
			burst = int(n.ratePerSecond)
		}
		lim = rate.NewLimiter(rate.Limit(n.ratePerSecond), burst)
		n.limiters[segmentType] = lim
	}
	return lim
}

// Notify reports a successful load of name (of segmentType) at
// version. It is silently dropped (not an error) when the per-type
// rate limit is exceeded, matching the notifier's best-effort
// contract: report-on-load must never slow down or fail a reload.
func (n *Notifier) Notify(segmentType, name string, version int64) error {
	if !n.limiterFor(segmentType).Allow() {
		return nil
	}

	packet, err := buildPacket(n.hostname, version, segmentType)
	if err != nil {
		return fmt.Errorf("report: build packet for %s/%s: %w", segmentType, name, err)
	}

	raddr, err := net.ResolveUDPAddr("udp", n.addr)
	if err != nil {
		return fmt.Errorf("report: resolve %s: %w", n.addr, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	_ = n.conn.SetWriteDeadline(deadline)
	_, err = n.conn.WriteTo(packet, raddr)
	return err
}

const fixedSuffix = "confd.internal"

// buildPacket encodes "<hostname>.<version>.<type>.<fixed-suffix>" as
// a single-question DNS query: a NULL-type, IN-class question with no
// answers, header ID 0, no recursion. The name is encoded as ordinary
// DNS labels (length-prefixed), terminated by a zero-length label.
func buildPacket(hostname string, version int64, segmentType string) ([]byte, error) {
	name := fmt.Sprintf("%s.%d.%s.%s", hostname, version, segmentType, fixedSuffix)

	var labels []byte
	for _, label := range splitDomain(name) {
		if len(label) > 63 {
			return nil, fmt.Errorf("label %q exceeds 63 bytes", label)
		}
		labels = append(labels, byte(len(label)))
		labels = append(labels, label...)
	}
	labels = append(labels, 0)

	header := []byte{
		0, 0, // ID
		0x00, 0x00, // flags: standard query, no recursion
		0x00, 0x01, // QDCOUNT = 1
		0x00, 0x00, // ANCOUNT
		0x00, 0x00, // NSCOUNT
		0x00, 0x00, // ARCOUNT
	}

	question := make([]byte, 0, len(labels)+4)
	question = append(question, labels...)
	question = append(question, 0x00, 0x0a) // QTYPE = NULL (10)
	question = append(question, 0x00, 0x01) // QCLASS = IN

	return append(header, question...), nil
}

func splitDomain(name string) []string {
	var labels []string
	start := 0
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			labels = append(labels, name[start:i])
			start = i + 1
		}
	}
	labels = append(labels, name[start:])
	return labels
}
