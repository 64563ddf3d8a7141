package sandbox

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
)

// target is one parsed permissions.net entry. An empty port means the
// entry places no port restriction — any port on a matching host is
// allowed, matching `host[:port]` net-target grammar.
type target struct {
	host string // exact host, or the suffix after "*." for a wildcard
	port string
}

// DomainProxy is an HTTP CONNECT proxy that only allows connections to the
// permissions.net allowlist: exact hosts ("api.anthropic.com"), wildcards
// ("*.anthropic.com"), and optionally a port restriction on either
// ("api.anthropic.com:443").
type DomainProxy struct {
	listener  net.Listener
	server    *http.Server
	exact     []target
	wildcards []target
	mu        sync.Mutex
	closed    bool
}

// StartProxy starts an HTTP CONNECT proxy on localhost with the given
// permissions.net allowlist.
func StartProxy(netTargets []string) (*DomainProxy, error) {
	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, fmt.Errorf("proxy listen: %w", err)
	}

	p := &DomainProxy{listener: lis}
	for _, t := range netTargets {
		host, port := splitTarget(t)
		if strings.HasPrefix(host, "*.") {
			p.wildcards = append(p.wildcards, target{host: host[1:], port: port}) // keep leading "."
		} else {
			p.exact = append(p.exact, target{host: host, port: port})
		}
	}

	p.server = &http.Server{Handler: p}
	go func() {
		if err := p.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Printf("domain proxy: serve error: %v", err)
		}
	}()

	log.Printf("domain proxy: listening on %s, %d exact targets, %d wildcard targets", lis.Addr(), len(p.exact), len(p.wildcards))
	return p, nil
}

// splitTarget parses a permissions.net entry into host and port (port is
// "" when the entry names no port).
func splitTarget(t string) (host, port string) {
	if h, p, err := net.SplitHostPort(t); err == nil {
		return h, p
	}
	return t, ""
}

// startDomainProxyIfNeeded starts a DomainProxy for configs whose
// NetworkNeed is NetworkHTTPS (specific hosts named, not "*" or none/local).
// Backends that cannot enforce per-connection network isolation natively
// (no iptables in an unprivileged netns, no per-process firewall) point
// egress at this proxy through HTTPS_PROXY/HTTP_PROXY (see proxyEnv); a
// process that ignores those variables and connects directly is not
// stopped by the proxy. Returns (nil, nil) when no proxy is needed.
func startDomainProxyIfNeeded(cfg Config) (*DomainProxy, error) {
	if cfg.NetworkNeed != NetworkHTTPS {
		return nil, nil
	}
	return StartProxy(cfg.NetTargets)
}

// proxyEnv returns the HTTPS_PROXY/HTTP_PROXY env entries that route a
// sandboxed process's traffic through p. Returns nil if p is nil.
func proxyEnv(p *DomainProxy) []string {
	if p == nil {
		return nil
	}
	proxyURL := fmt.Sprintf("http://localhost:%d", p.Port())
	return []string{
		"HTTPS_PROXY=" + proxyURL,
		"HTTP_PROXY=" + proxyURL,
		"NODE_USE_ENV_PROXY=1", // node 22.18+ native proxy support
	}
}

// Port returns the port the proxy is listening on.
func (p *DomainProxy) Port() int {
	return p.listener.Addr().(*net.TCPAddr).Port
}

// Close stops the proxy.
func (p *DomainProxy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.server.Close()
}

// allowed reports whether host (as sent in a CONNECT request, optionally
// carrying its own port) matches one of the configured targets.
func (p *DomainProxy) allowed(host string) bool {
	domain, reqPort, err := net.SplitHostPort(host)
	if err != nil {
		domain, reqPort = host, ""
	}

	for _, t := range p.exact {
		if t.host == domain && portMatches(t.port, reqPort) {
			return true
		}
	}
	for _, t := range p.wildcards {
		if strings.HasSuffix(domain, t.host) && portMatches(t.port, reqPort) {
			return true
		}
	}
	return false
}

// portMatches reports whether a request on reqPort satisfies a target
// restricted to targetPort. An empty targetPort places no restriction.
func portMatches(targetPort, reqPort string) bool {
	return targetPort == "" || targetPort == reqPort
}

// ServeHTTP handles HTTP CONNECT requests for the proxy.
func (p *DomainProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		http.Error(w, "only CONNECT supported", http.StatusMethodNotAllowed)
		return
	}

	if !p.allowed(r.Host) {
		log.Printf("domain proxy: BLOCKED %s", r.Host)
		http.Error(w, "target not allowed", http.StatusForbidden)
		return
	}

	// Dial the target
	target, err := net.Dial("tcp", r.Host)
	if err != nil {
		http.Error(w, fmt.Sprintf("dial: %v", err), http.StatusBadGateway)
		return
	}

	// Hijack the client connection
	hj, ok := w.(http.Hijacker)
	if !ok {
		target.Close()
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	client, _, err := hj.Hijack()
	if err != nil {
		target.Close()
		return
	}

	// Bidirectional copy
	go func() {
		io.Copy(target, client)
		target.Close()
	}()
	go func() {
		io.Copy(client, target)
		client.Close()
	}()
}
