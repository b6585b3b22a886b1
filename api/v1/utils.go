package v1

import (
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const fallbackIP = "127.0.0.1"

// proxyHeaders are consulted after X-Forwarded-For, in order.
var proxyHeaders = []string{
	"X-Real-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Client-IP",
}

// clientIP returns the caller's public address, preferring IPv4, from proxy
// headers or the connection. It falls back to loopback when nothing public
// is found.
func clientIP(c *fiber.Ctx, logger *slog.Logger) string {
	if ip := selectPreferredIP(strings.Split(c.Get("X-Forwarded-For"), ",")); ip != "" {
		return ip
	}

	for _, header := range proxyHeaders {
		if value := c.Get(header); value != "" {
			if ip := selectPreferredIP([]string{value}); ip != "" {
				return ip
			}
		}
	}

	if forwarded := c.Get("Forwarded"); forwarded != "" {
		if ip := selectPreferredIP(parseForwardedHeader(forwarded)); ip != "" {
			return ip
		}
	}

	if ip := selectPreferredIP([]string{c.Context().RemoteAddr().String(), c.IP()}); ip != "" {
		return ip
	}

	logger.Debug("No public client address, using loopback",
		slog.String("path", c.Path()))
	return fallbackIP
}

// userAgent prefers the header set by server-side proxies that forward a
// browser's request.
func userAgent(c *fiber.Ctx) string {
	if forwarded := c.Get("X-Forwarded-User-Agent"); forwarded != "" {
		return forwarded
	}
	return c.Get("User-Agent")
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}

func selectPreferredIP(values []string) string {
	var ipv6Fallback string

	for _, raw := range values {
		clean, parsed := normalizeIP(raw)
		if parsed == nil || isPrivateIP(parsed) {
			continue
		}
		if parsed.To4() != nil {
			return clean
		}
		if ipv6Fallback == "" {
			ipv6Fallback = clean
		}
	}

	return ipv6Fallback
}

// normalizeIP strips quotes, ports, brackets and zones and unmaps IPv4-in-IPv6.
func normalizeIP(raw string) (string, net.IP) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"")
	if clean == "" {
		return "", nil
	}
	if percent := strings.Index(clean, "%"); percent != -1 {
		clean = clean[:percent]
	}

	var addr netip.Addr
	if addrPort, err := netip.ParseAddrPort(clean); err == nil {
		addr = addrPort.Addr()
	} else if parsed, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(clean, "["), "]")); err == nil {
		addr = parsed
	} else if host, _, err := net.SplitHostPort(clean); err == nil {
		return normalizeIP(host)
	} else {
		return "", nil
	}

	ipStr := addr.Unmap().String()
	return ipStr, net.ParseIP(ipStr)
}

func parseForwardedHeader(header string) []string {
	var candidates []string
	for _, entry := range strings.Split(header, ",") {
		for _, part := range strings.Split(entry, ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(strings.ToLower(part), "for=") {
				candidates = append(candidates, part[len("for="):])
			}
		}
	}
	return candidates
}
