// Package classify reads transport metadata to recognise requests injected by
// the local SQS delivery daemon (aws-sqsd). Every function here is a pure read
// of the request; nothing touches the body.
package classify

import (
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
)

// Header names set by the delivery daemon.
const (
	DaemonUserAgentPrefix = "aws-sqsd/"

	DigestHeaderName   = "X-Aws-Sqsd-Attr-Message-Digest"
	OriginHeaderName   = "X-Aws-Sqsd-Attr-Origin"
	TaskNameHeaderName = "X-Aws-Sqsd-Taskname"
	MessageIDHeader    = "X-Aws-Sqsd-Msgid"
	ReceiveCountHeader = "X-Aws-Sqsd-Receive-Count"
	QueueHeader        = "X-Aws-Sqsd-Queue"
)

// Classifier decides whether a request is daemon traffic and whether it came
// from a trusted local peer.
type Classifier struct {
	// trusted holds extra local-only prefixes accepted besides loopback
	// (e.g. the docker bridge gateway when the app runs in a container).
	trusted []netip.Prefix
}

// New builds a Classifier. trustedSources are CIDR prefixes or bare addresses.
func New(trustedSources []string) (*Classifier, error) {
	c := &Classifier{}
	for _, src := range trustedSources {
		p, err := ParseSource(src)
		if err != nil {
			return nil, err
		}
		c.trusted = append(c.trusted, p)
	}
	return c, nil
}

// localRanges are the only networks a trusted source may fall inside:
// loopback, RFC 1918 / RFC 4193 private space and link-local.
var localRanges = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// ParseSource parses a trusted source entry: "172.17.0.1" or "172.17.0.0/16".
// The prefix must lie entirely inside a loopback, private or link-local
// range, so "0.0.0.0/0" or a public address is an error.
func ParseSource(src string) (netip.Prefix, error) {
	src = strings.TrimSpace(src)
	var p netip.Prefix
	if strings.Contains(src, "/") {
		parsed, err := netip.ParsePrefix(src)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("trusted source %q: %w", src, err)
		}
		p = parsed.Masked()
	} else {
		addr, err := netip.ParseAddr(src)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("trusted source %q: %w", src, err)
		}
		addr = addr.Unmap()
		p = netip.PrefixFrom(addr, addr.BitLen())
	}
	if !isLocalPrefix(p) {
		return netip.Prefix{}, fmt.Errorf("trusted source %q is not inside a loopback, private or link-local range", src)
	}
	return p, nil
}

func isLocalPrefix(p netip.Prefix) bool {
	for _, r := range localRanges {
		if p.Bits() >= r.Bits() && r.Contains(p.Addr()) {
			return true
		}
	}
	return false
}

// IsDaemonRequest reports whether the user agent carries the daemon product token.
func (c *Classifier) IsDaemonRequest(r *http.Request) bool {
	return strings.HasPrefix(r.UserAgent(), DaemonUserAgentPrefix)
}

// IsFromTrustedLocalSource reports whether the TCP peer is loopback or one of
// the configured local prefixes. Only r.RemoteAddr is consulted; forwarding
// headers are client-controlled and must never influence this check.
func (c *Classifier) IsFromTrustedLocalSource(r *http.Request) bool {
	addr, ok := remoteAddr(r.RemoteAddr)
	if !ok {
		return false
	}
	if addr.IsLoopback() {
		return true
	}
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// OriginTag returns the origin attribute, or false when it is not set.
func OriginTag(r *http.Request) (string, bool) {
	return headerValue(r, OriginHeaderName)
}

// DigestHeader returns the claimed message digest, or false when it is not set.
func DigestHeader(r *http.Request) (string, bool) {
	return headerValue(r, DigestHeaderName)
}

// TaskName returns the periodic task name set on scheduled deliveries.
func TaskName(r *http.Request) (string, bool) {
	return headerValue(r, TaskNameHeaderName)
}

// MessageID returns the SQS message id.
func MessageID(r *http.Request) string {
	v, _ := headerValue(r, MessageIDHeader)
	return v
}

// QueueName returns the source queue name.
func QueueName(r *http.Request) string {
	v, _ := headerValue(r, QueueHeader)
	return v
}

// ReceiveCount returns how many times SQS has delivered this message, 0 if unknown.
func ReceiveCount(r *http.Request) int {
	v, ok := headerValue(r, ReceiveCountHeader)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// headerValue treats a blank header the same as a missing one.
func headerValue(r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.Header.Get(name))
	if v == "" {
		return "", false
	}
	return v, true
}
