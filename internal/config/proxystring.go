// Package config parses upstream proxy descriptor strings and proxy list
// files.
//
// Grammar:
//
//	proxy      = scheme "://" [auth "@"] host ":" port ["/" weight]
//	scheme     = "socks4" | "socks4a" | "socks5" | "socks5h"
//	auth       = userinfo [":" password]     ; last "@" splits auth from host
//	host       = any non-empty string up to ":" (rsplit on last ":")
//	weight     = positive decimal integer; absent => 1
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/drsoft-oss/multisocks/internal/descriptor"
	"github.com/drsoft-oss/multisocks/internal/errs"
)

// ParseProxyString parses a single descriptor string per the grammar above.
func ParseProxyString(raw string) (descriptor.Key, error) {
	var key descriptor.Key

	schemeSep := strings.Index(raw, "://")
	if schemeSep < 0 {
		return key, fmt.Errorf("%w: invalid proxy %q: missing \"://\"", errs.ErrConfigInvalid, raw)
	}
	scheme := raw[:schemeSep]
	switch descriptor.Protocol(scheme) {
	case descriptor.SOCKS4, descriptor.SOCKS4A, descriptor.SOCKS5, descriptor.SOCKS5H:
		key.Protocol = descriptor.Protocol(scheme)
	default:
		return key, fmt.Errorf("%w: invalid proxy %q: unknown scheme %q", errs.ErrConfigInvalid, raw, scheme)
	}

	rest := raw[schemeSep+3:]

	weight := 1
	if idx := strings.LastIndex(rest, "/"); idx >= 0 {
		weightStr := rest[idx+1:]
		n, err := strconv.Atoi(weightStr)
		if err != nil || n <= 0 {
			return key, fmt.Errorf("%w: invalid proxy %q: weight must be a positive integer, got %q", errs.ErrConfigInvalid, raw, weightStr)
		}
		weight = n
		rest = rest[:idx]
	}
	key.Weight = weight

	hostport := rest
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		authPart := rest[:at]
		hostport = rest[at+1:]
		parts := strings.SplitN(authPart, ":", 2)
		key.Username = parts[0]
		if len(parts) == 2 {
			key.Password = parts[1]
		}
	}

	colon := strings.LastIndex(hostport, ":")
	if colon < 0 {
		return key, fmt.Errorf("%w: invalid proxy %q: missing port", errs.ErrConfigInvalid, raw)
	}
	host := hostport[:colon]
	portStr := hostport[colon+1:]
	if host == "" {
		return key, fmt.Errorf("%w: invalid proxy %q: empty host", errs.ErrConfigInvalid, raw)
	}
	key.Host = host

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return key, fmt.Errorf("%w: invalid proxy %q: port out of range: %q", errs.ErrConfigInvalid, raw, portStr)
	}
	key.Port = port

	return key, nil
}

// LoadProxyFile reads a proxy list file: one descriptor string per line,
// lines whose first non-whitespace character is '#' are comments, blank
// lines are ignored.
func LoadProxyFile(path string) ([]descriptor.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open proxy file: %w", errs.ErrConfigInvalid, err)
	}
	defer f.Close()

	var keys []descriptor.Key
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, err := ParseProxyString(line)
		if err != nil {
			return nil, fmt.Errorf("proxy file %s: %w", path, err)
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read proxy file: %w", errs.ErrConfigInvalid, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: proxy file %s contains no valid entries", errs.ErrConfigInvalid, path)
	}
	return keys, nil
}
