/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package netutil provides helpers for working with network addresses of HTTP clients.
package netutil

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

const (
	headerForwardedFor = "X-Forwarded-For"
	headerRealIP       = "X-Real-IP"
)

// OriginAddr extracts the address of the client that originated the HTTP request
// relying on the headers that reverse proxies typically set.
// The first (leftmost) element of the X-Forwarded-For list is preferred,
// X-Real-IP is used as a fallback. Empty string is returned when neither header is present.
func OriginAddr(r *http.Request) string {
	if forwardedFor := r.Header.Get(headerForwardedFor); forwardedFor != "" {
		originAddr := forwardedFor
		if first := strings.IndexByte(forwardedFor, ','); first != -1 {
			originAddr = forwardedFor[:first]
		}
		return strings.TrimSpace(originAddr)
	}

	if realIP := r.Header.Get(headerRealIP); realIP != "" {
		return strings.TrimSpace(realIP)
	}

	return ""
}

// ClientIP returns the IP address of the requesting client.
// Proxy headers (see OriginAddr) take precedence over the connection's remote address.
// The port is stripped from the result if it's present.
func ClientIP(r *http.Request) string {
	if originAddr := OriginAddr(r); originAddr != "" {
		ip, _ := SplitAddrPort(originAddr)
		return ip
	}
	ip, _ := SplitAddrPort(r.RemoteAddr)
	return ip
}

// SplitAddrPort splits a network address of the form "host:port" into the host and the numeric port.
// Unlike net.SplitHostPort it doesn't return an error when the port part is missing or malformed,
// the whole input is returned as a host in this case.
func SplitAddrPort(addr string) (host string, port uint16) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	portNum, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return h, 0
	}
	return h, uint16(portNum)
}
