// Package proxy is the second listener the agent's HTTP(S) traffic is
// pointed at. Plain requests arrive in absolute form and are forwarded;
// HTTPS arrives as CONNECT and is tunneled byte-for-byte after approval.
// Both shapes run the same policy pipeline: endpoint allowlist, rules,
// category mode, and finally the permission queue.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gm-agent-org/gm-warden/pkg/config"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/rules"
	"github.com/gm-agent-org/gm-warden/pkg/types"
)

const dialTimeout = 10 * time.Second

// Server is the mediating proxy listener.
type Server struct {
	queue *queue.Queue
	store *config.Store
	log   *slog.Logger

	client   *http.Client
	srv      *http.Server
	listener net.Listener
}

// New creates a proxy server. Call Start to begin listening.
func New(q *queue.Queue, store *config.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		queue: q,
		store: store,
		log:   log,
		client: &http.Client{
			// A proxy relays redirects instead of following them.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	s.srv = &http.Server{Handler: s}
	return s
}

// Start listens on addr and serves until Shutdown. It returns once the
// listener is bound; serving continues on background goroutines.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	s.listener = listener
	s.log.Info("proxy listening", "addr", listener.Addr().String())
	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("proxy serve failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections. In-flight tunnels are owned by
// their hijacked sockets and die with the process.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires absolute-form requests", http.StatusBadRequest)
		return
	}
	s.handleForward(w, r)
}

// decision is the outcome of the policy pipeline for one connection.
type decision struct {
	allowed   bool
	requestID string
}

func (d decision) denialBody() string {
	if d.requestID == "" {
		return "Denied by sandbox"
	}
	return fmt.Sprintf("Denied by sandbox (request %s)", d.requestID)
}

// decide runs the shared pipeline for a target host. It may block
// indefinitely on the permission queue; the caller is a per-connection
// goroutine, so that is fine.
func (s *Server) decide(host, action, description string) decision {
	if s.store.IsEndpointAllowed(host) {
		s.log.Info("proxy endpoint allowlisted", "host", host)
		return decision{allowed: true}
	}

	switch rules.Evaluate(s.store.Rules(), types.CategoryNetwork, host) {
	case rules.VerdictDeny:
		s.log.Info("proxy denied by rule", "host", host)
		return decision{}
	case rules.VerdictAllow:
		return decision{allowed: true}
	}

	switch s.store.CategoryMode(types.CategoryNetwork) {
	case types.ModeAllowAll:
		return decision{allowed: true}
	case types.ModeDenyAll:
		s.log.Info("proxy denied by mode", "host", host)
		return decision{}
	case types.ModeApproveBulk:
		// Bulk approval is a UI decision, not a per-connection one;
		// connections pass through.
		return decision{allowed: true}
	}

	req, waiter := s.queue.Request(types.CategoryNetwork, action, description, "", nil)
	approved := <-waiter
	return decision{allowed: approved, requestID: req.ID}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, "443"
	}
	target := net.JoinHostPort(host, port)

	d := s.decide(host,
		"CONNECT "+target,
		fmt.Sprintf("Open an encrypted tunnel to %s", target))
	if !d.allowed {
		http.Error(w, d.denialBody(), http.StatusForbidden)
		return
	}

	upstream, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		http.Error(w, fmt.Sprintf("upstream dial failed: %v", err), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "connection cannot be hijacked", http.StatusInternalServerError)
		return
	}
	client, buf, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		s.log.Warn("hijack failed", "error", err)
		return
	}

	fmt.Fprint(buf, "HTTP/1.1 200 Connection Established\r\n\r\n")
	buf.Flush()

	// Pipe both directions; when either side closes, tear down the other.
	go func() {
		defer client.Close()
		defer upstream.Close()
		io.Copy(upstream, client)
	}()
	go func() {
		defer client.Close()
		defer upstream.Close()
		io.Copy(client, upstream)
	}()
}

// hopHeaders are stripped before forwarding; they belong to this hop only.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	d := s.decide(host,
		fmt.Sprintf("%s %s", r.Method, r.URL.String()),
		fmt.Sprintf("Send an HTTP request to %s", host))
	if !d.allowed {
		http.Error(w, d.denialBody(), http.StatusForbidden)
		return
	}

	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("bad proxy request: %v", err), http.StatusBadRequest)
		return
	}
	outbound.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		outbound.Header.Del(h)
	}

	resp, err := s.client.Do(outbound)
	if err != nil {
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
