package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/cryptohook/cryptohook/internal/validation"
)

// ErrUnreachableTarget marks a receiver URL the gateway refuses to call.
var ErrUnreachableTarget = errors.New("webhooks: receiver must be a public http(s) endpoint")

// TargetError explains why a receiver URL was refused.
type TargetError struct {
	URL    string
	Host   string
	Reason string
}

func (e *TargetError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("webhook receiver %q: %s", e.URL, e.Reason)
	}
	return fmt.Sprintf("webhook receiver %q (host %s): %s", e.URL, e.Host, e.Reason)
}

func (e *TargetError) Is(target error) bool { return target == ErrUnreachableTarget }

// Violation reports the refusal against the endpoint's url field.
func (e *TargetError) Violation() validation.Violation {
	return validation.Violation{Field: "url", Message: e.Reason}
}

// Receivers on these hosts would let a configured webhook reach the
// gateway's own infrastructure.
var internalHosts = []string{
	"localhost",
	"host.docker.internal",
	"metadata.google.internal",
	"metadata.google",
	"metadata",
}

// lookupFunc resolves a receiver host to its addresses.
type lookupFunc func(ctx context.Context, host string) ([]string, error)

// CheckTarget refuses receiver URLs that are not http(s) or that point at
// loopback, private, link-local or unspecified addresses. Hostnames are
// resolved and every address is checked.
func CheckTarget(ctx context.Context, rawURL string) error {
	return checkTarget(ctx, rawURL, net.DefaultResolver.LookupHost)
}

func checkTarget(ctx context.Context, rawURL string, lookup lookupFunc) error {
	refuse := func(host, reason string) error {
		return &TargetError{URL: rawURL, Host: host, Reason: reason}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return refuse("", "receiver URL does not parse")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return refuse("", "receiver URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return refuse("", "receiver URL has no host")
	}

	for _, h := range internalHosts {
		if strings.EqualFold(host, h) {
			return refuse(host, "receiver host is internal to the gateway")
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if reason := addressClass(ip); reason != "" {
			return refuse(host, reason)
		}
		return nil
	}

	addrs, err := lookup(ctx, host)
	if err != nil {
		return refuse(host, "receiver host does not resolve")
	}
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if reason := addressClass(ip); reason != "" {
			return refuse(host, fmt.Sprintf("receiver host resolves to %s: %s", a, reason))
		}
	}
	return nil
}

// addressClass names the blocked class ip falls in, or "" when it is public.
func addressClass(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback receivers are not allowed"
	case ip.IsPrivate():
		return "private-network receivers are not allowed"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local receivers are not allowed"
	case ip.IsUnspecified():
		return "unspecified-address receivers are not allowed"
	}
	return ""
}
