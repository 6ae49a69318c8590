package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"firestige.xyz/dropsock/internal/buffer"
	"firestige.xyz/dropsock/internal/core"
	"firestige.xyz/dropsock/internal/intake"
	"firestige.xyz/dropsock/internal/log"
	"firestige.xyz/dropsock/internal/metrics"
	"firestige.xyz/dropsock/internal/netctx"
)

// idleTimeout bounds the wait for the next chunk of a request.
const idleTimeout = 30 * time.Second

// DropReply is the single line a drop endpoint answers with.
type DropReply struct {
	Session  string     `json:"session,omitempty"`
	Accepted int        `json:"accepted"`
	Attempts int        `json:"attempts"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

// DropServer is the drop endpoint of one context. A client writes request
// text, half-closes its side and reads one JSON reply.
type DropServer struct {
	path        string
	nc          *netctx.Context
	intake      *intake.Intake
	maxSessions int

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	stopped  bool
}

// NewDropServer creates the drop endpoint of c at path.
func NewDropServer(path string, c *netctx.Context, in *intake.Intake, maxSessions int) *DropServer {
	return &DropServer{
		path:        path,
		nc:          c,
		intake:      in,
		maxSessions: maxSessions,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Path returns the socket path.
func (s *DropServer) Path() string { return s.path }

// Listen binds the socket and serves in the background. At most maxSessions
// connections are accepted at once; further clients wait in the backlog.
func (s *DropServer) Listen() error {
	ln, err := listenUnix(s.path)
	if err != nil {
		return err
	}
	if s.maxSessions > 0 {
		ln = netutil.LimitListener(ln, s.maxSessions)
	}
	s.listener = ln

	log.GetLogger().WithFields(map[string]interface{}{
		"context": s.nc.Name,
		"socket":  s.path,
	}).Info("drop endpoint listening")

	go s.acceptLoop()
	return nil
}

func (s *DropServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			log.GetLogger().WithError(err).WithField("context", s.nc.Name).Error("failed to accept drop connection")
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serve(conn)
	}
}

func (s *DropServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	sess := s.intake.Open(context.Background(), s.nc, metrics.IntakeSocket)
	reply := DropReply{Session: sess.ID()}

	if err := s.receive(conn, sess); err != nil {
		sess.Abort()
		reply.Error = dropError(err)
		log.GetLogger().WithError(err).WithFields(map[string]interface{}{
			"context": s.nc.Name,
			"session": sess.ID(),
		}).Debug("drop request rejected")
	} else {
		res := sess.Finish()
		reply.Accepted, reply.Attempts = res.Bytes, res.Attempts
	}

	conn.SetWriteDeadline(time.Now().Add(idleTimeout))
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		log.GetLogger().WithError(err).WithField("context", s.nc.Name).Debug("failed to send drop reply")
	}
}

// receive copies the request into sess until the client half-closes.
func (s *DropServer) receive(conn net.Conn, sess *intake.Session) error {
	buf := make([]byte, buffer.Quantum)
	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := sess.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func dropError(err error) *ErrorInfo {
	code := ErrCodeInternalError
	if errors.Is(err, core.ErrTooLarge) || errors.Is(err, core.ErrOutOfMemory) {
		code = ErrCodeInvalidRequest
	}
	return &ErrorInfo{Code: code, Message: err.Error()}
}

// Close stops accepting, aborts requests still being received and removes
// the socket. Requests already finalized run to completion first.
func (s *DropServer) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for conn := range s.conns {
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	os.RemoveAll(s.path)
	return err
}

// DropEndpoints keeps one DropServer per registered context.
type DropEndpoints struct {
	dir         string
	intake      *intake.Intake
	maxSessions int

	mu      sync.Mutex
	servers map[string]*DropServer
}

// NewDropEndpoints creates the endpoint set; sockets live in dir.
func NewDropEndpoints(dir string, in *intake.Intake, maxSessions int) *DropEndpoints {
	return &DropEndpoints{
		dir:         dir,
		intake:      in,
		maxSessions: maxSessions,
		servers:     make(map[string]*DropServer),
	}
}

// Attach opens and closes endpoints along with the registry's contexts.
func (e *DropEndpoints) Attach(reg *netctx.Registry) {
	reg.OnCreate(e.Open)
	reg.OnDestroy(e.Close)
}

// SocketPath returns the endpoint path of the named context.
func (e *DropEndpoints) SocketPath(name string) string {
	return filepath.Join(e.dir, name+".sock")
}

// Open starts the endpoint of c.
func (e *DropEndpoints) Open(c *netctx.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.servers[c.Name]; ok {
		return fmt.Errorf("drop endpoint for %s already open", c.Name)
	}
	srv := NewDropServer(e.SocketPath(c.Name), c, e.intake, e.maxSessions)
	if err := srv.Listen(); err != nil {
		return err
	}
	e.servers[c.Name] = srv
	return nil
}

// Close stops the endpoint of c, if any.
func (e *DropEndpoints) Close(c *netctx.Context) error {
	e.mu.Lock()
	srv, ok := e.servers[c.Name]
	delete(e.servers, c.Name)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return srv.Close()
}

// CloseAll stops every endpoint.
func (e *DropEndpoints) CloseAll() {
	e.mu.Lock()
	servers := e.servers
	e.servers = make(map[string]*DropServer)
	e.mu.Unlock()
	for _, srv := range servers {
		srv.Close()
	}
}

// SendPairs writes r to the drop endpoint at path, half-closes and waits for
// the reply.
func SendPairs(ctx context.Context, path string, r io.Reader) (DropReply, error) {
	var reply DropReply
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return reply, fmt.Errorf("failed to connect to drop endpoint %s: %w", path, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	uc := conn.(*net.UnixConn)
	if _, err := io.Copy(uc, r); err != nil {
		// the server may have answered early with an error; read it below
		log.GetLogger().WithError(err).Debug("drop request write interrupted")
	}
	if err := uc.CloseWrite(); err != nil {
		log.GetLogger().WithError(err).Debug("drop request half-close failed")
	}

	if err := json.NewDecoder(uc).Decode(&reply); err != nil {
		return reply, fmt.Errorf("failed to read drop reply: %w", err)
	}
	if reply.Error != nil {
		return reply, reply.Error
	}
	return reply, nil
}
