package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/resinat/tunnelcore/internal/dialer"
	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/forward"
	"github.com/resinat/tunnelcore/internal/metrics"
	"github.com/resinat/tunnelcore/internal/requestlog"
)

// inboundServer accepts raw HTTP CONNECT tunnels (SPEC_FULL.md's only
// inbound protocol) and drives each accepted connection through the
// Request-Context Facade. Grounded on internal/proxy/forward.go's
// handleCONNECT hijack-and-tunnel sequence, adapted to run directly over a
// net.Listener instead of through net/http: the Facade already owns the
// post-CONNECT duplex copy (pump.ForwardConnection), so there is nothing
// left for an http.Server to do once the tunnel response line is written.
type inboundServer struct {
	listener   net.Listener
	facade     *forward.Facade
	resolve    func(endpoint.Endpoint) []dialer.ChainHop
	collector  *metrics.Collector
	requestLog *requestlog.Service
	proxyToken string
}

func newInboundServer(
	ln net.Listener,
	facade *forward.Facade,
	resolve func(endpoint.Endpoint) []dialer.ChainHop,
	collector *metrics.Collector,
	requestLog *requestlog.Service,
	proxyToken string,
) *inboundServer {
	return &inboundServer{
		listener:   ln,
		facade:     facade,
		resolve:    resolve,
		collector:  collector,
		requestLog: requestLog,
		proxyToken: proxyToken,
	}
}

// Serve blocks accepting connections until the listener closes.
func (s *inboundServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *inboundServer) Close() error {
	return s.listener.Close()
}

func (s *inboundServer) handle(conn net.Conn) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		conn.Close()
		return
	}

	if req.Method != http.MethodConnect {
		io.WriteString(conn, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
		conn.Close()
		return
	}

	if !s.authenticate(req) {
		io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"tunnelproxy\"\r\nContent-Length: 0\r\n\r\n")
		conn.Close()
		return
	}

	target, err := parseConnectTarget(req.Host)
	if err != nil {
		io.WriteString(conn, "HTTP/1.1 400 Bad Request\r\n\r\n")
		conn.Close()
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		conn.Close()
		return
	}

	client := bufferedClientConn(conn, br)
	chain := s.resolve(target)

	clientIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	started := time.Now()
	s.collector.ConnectionOpened()

	result, werr := s.facade.Begin(context.Background(), client, forward.BeginRequest{
		Target: target,
		Chain:  chain,
	}, nil)

	s.collector.ConnectionClosed()
	entry := requestlog.Entry{
		StartedAtNs:   started.UnixNano(),
		ClientIP:      clientIP,
		TargetScheme:  "direct-tcp",
		TargetHost:    target.Host,
		TargetPort:    target.Port,
		ChainHopCount: len(chain),
		DurationNs:    time.Since(started).Nanoseconds(),
		NetOK:         werr == nil,
	}
	if werr != nil {
		log.Printf("[inbound] connect %s: %v", target, werr)
		entry.TerminalCode = string(werr.Code)
	} else {
		s.collector.RecordBytes(result.ClientToServerBytes, result.ServerToClientBytes)
		entry.BytesC2S = result.ClientToServerBytes
		entry.BytesS2C = result.ServerToClientBytes
	}
	s.requestLog.EmitConnectionLog(entry)
}

// authenticate checks CONNECT's Proxy-Authorization against the configured
// proxy token, grounded on internal/proxy/forward.go's authenticate/
// parseProxyAuthorization Basic-credential parsing. An empty configured
// token means auth is intentionally disabled (spec's proxy_auth_required
// path is opt-in); the teacher's platform:account identity extraction from
// the password field has no referent here since there is no multi-tenant
// routing, so only the username half is checked.
func (s *inboundServer) authenticate(req *http.Request) bool {
	if s.proxyToken == "" {
		return true
	}
	user, ok := parseProxyAuthorizationUser(req.Header.Get("Proxy-Authorization"))
	return ok && user == s.proxyToken
}

func parseProxyAuthorizationUser(auth string) (string, bool) {
	fields := strings.Fields(auth)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Basic") {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return "", false
	}
	credential := string(decoded)
	colonIdx := strings.IndexByte(credential, ':')
	if colonIdx < 0 {
		return "", false
	}
	return credential[:colonIdx], true
}

// parseConnectTarget turns a CONNECT request's authority ("host:port") into
// an Endpoint. The scheme is always direct-tcp: a CONNECT tunnel forwards
// raw bytes end-to-end, so any TLS the client performs happens inside the
// tunnel, not at this process.
func parseConnectTarget(hostport string) (endpoint.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("parse CONNECT target %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("parse CONNECT target port %q: %w", hostport, err)
	}
	return endpoint.Endpoint{Scheme: endpoint.SchemeDirectTCP, Host: host, Port: uint16(port)}, nil
}

// bufConn serves a bufio.Reader's already-buffered bytes before falling
// back to the underlying conn, preserving byte-transparency for any bytes
// http.ReadRequest pre-read past the CONNECT request line.
type bufConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

func bufferedClientConn(conn net.Conn, br *bufio.Reader) net.Conn {
	if br.Buffered() == 0 {
		return conn
	}
	return &bufConn{Conn: conn, br: br}
}
