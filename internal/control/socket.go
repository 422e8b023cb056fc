// Package control provides a Unix socket server for CLI-to-daemon communication.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/diskwarden/diskwarden/internal/ledger"
	"github.com/diskwarden/diskwarden/pkg/proto"
)

// DefaultSocketPath returns the default control socket path.
func DefaultSocketPath() string {
	return "/var/run/diskwarden.sock"
}

// Request types for control commands.
const (
	CmdPing    = "ping"
	CmdStatus  = "status"
	CmdCheck   = "check"
	CmdRefresh = "refresh"
)

// Timeouts for control socket operations.
const (
	// SocketDialTimeout is the timeout for connecting to the control socket.
	SocketDialTimeout = 5 * time.Second
	// SocketReadWriteTimeout is the timeout for reading/writing on the socket.
	SocketReadWriteTimeout = 5 * time.Second
)

// Request is a control command from the CLI.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a response to a control command.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Backend is the daemon surface the control socket exposes.
type Backend interface {
	// Status reports the daemon's accounting state.
	Status() proto.StatusResponse
	// Check answers the admission question for a principal in a tenant.
	Check(principal ledger.PrincipalID, tenant ledger.TenantID) proto.AdmissionResponse
	// Refresh wakes one tenant's scheduler, or all of them when tenant
	// is nil, returning how many were woken.
	Refresh(tenant *ledger.TenantID) int
}

// Server is a Unix socket control server.
type Server struct {
	socketPath string
	backend    Backend
	listener   net.Listener
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewServer creates a new control server.
func NewServer(socketPath string, backend Backend) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		backend:    backend,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening on the control socket.
func (s *Server) Start() error {
	// Ensure parent directory exists
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Restrict socket permissions
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	log.Info().Str("path", s.socketPath).Msg("control socket listening")

	go s.acceptLoop()
	return nil
}

// Stop closes the control server.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	_ = os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Error().Err(err).Msg("control socket accept error")
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		s.sendError(conn, fmt.Errorf("decode request: %w", err))
		return
	}

	resp := s.handleCommand(req)

	encoder := json.NewEncoder(conn)
	_ = encoder.Encode(resp)
}

func (s *Server) handleCommand(req Request) Response {
	switch req.Command {
	case CmdPing:
		return Response{Success: true}
	case CmdStatus:
		return s.handleStatus()
	case CmdCheck:
		return s.handleCheck(req.Payload)
	case CmdRefresh:
		return s.handleRefresh(req.Payload)
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (s *Server) handleStatus() Response {
	data, _ := json.Marshal(s.backend.Status())
	return Response{Success: true, Data: data}
}

func (s *Server) handleCheck(payload json.RawMessage) Response {
	var req proto.AdmissionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}

	decision := s.backend.Check(ledger.PrincipalID(req.Principal), ledger.TenantID(req.Tenant))
	data, _ := json.Marshal(decision)
	return Response{Success: true, Data: data}
}

func (s *Server) handleRefresh(payload json.RawMessage) Response {
	var req proto.RefreshRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
		}
	}

	var tenant *ledger.TenantID
	if req.Tenant != nil {
		t := ledger.TenantID(*req.Tenant)
		tenant = &t
	}

	woken := s.backend.Refresh(tenant)
	log.Info().Int("woken", woken).Msg("refresh requested via control socket")

	data, _ := json.Marshal(proto.RefreshResponse{Woken: woken})
	return Response{Success: true, Data: data}
}

func (s *Server) sendError(conn net.Conn, err error) {
	resp := Response{Success: false, Error: err.Error()}
	_ = json.NewEncoder(conn).Encode(resp)
}

// Client is a control socket client for CLI commands.
type Client struct {
	socketPath string
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send sends a request and returns the response.
func (c *Client) Send(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, SocketDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &resp, nil
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping() error {
	resp, err := c.Send(Request{Command: CmdPing})
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	return nil
}

// Status retrieves the daemon's accounting status.
func (c *Client) Status() (*proto.StatusResponse, error) {
	resp, err := c.Send(Request{Command: CmdStatus})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}

	var result proto.StatusResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// Check asks the daemon whether a principal is within quota.
func (c *Client) Check(principal, tenant uint32) (*proto.AdmissionResponse, error) {
	payload, _ := json.Marshal(proto.AdmissionRequest{
		Principal: principal,
		Tenant:    tenant,
	})

	resp, err := c.Send(Request{Command: CmdCheck, Payload: payload})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}

	var result proto.AdmissionResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// Refresh wakes refresh workers. Pass nil to wake every tenant.
func (c *Client) Refresh(tenant *uint32) (*proto.RefreshResponse, error) {
	payload, _ := json.Marshal(proto.RefreshRequest{Tenant: tenant})

	resp, err := c.Send(Request{Command: CmdRefresh, Payload: payload})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}

	var result proto.RefreshResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}
