package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxRequestBytes bounds the single read the dispatcher performs per
// connection (spec.md §4.1 step 1 / §6).
const maxRequestBytes = 4096

// Server owns the TCP listener and hands each connection off to a
// short-lived worker: one receive, one process, one send, close
// (spec.md §5).
type Server struct {
	broker *Broker
	logger *slog.Logger

	acceptPoll   time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	ln net.Listener
	wg sync.WaitGroup
}

// NewServer binds addr and returns a Server ready to Serve.
func NewServer(b *Broker, addr string, acceptPoll, readTimeout, writeTimeout time.Duration, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		broker:       b,
		logger:       logger,
		acceptPoll:   acceptPoll,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		ln:           ln,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled. Shutdown is
// cooperative: the accept loop polls with acceptPoll and exits within
// one poll period of cancellation, then waits for in-flight workers.
func (s *Server) Serve(ctx context.Context) {
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if tcpLn, ok := s.ln.(*net.TCPListener); ok {
			_ = tcpLn.SetDeadline(time.Now().Add(s.acceptPoll))
		}

		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn("accept failed", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	correlationID := uuid.NewString()
	log := s.logger.With("conn_id", correlationID, "remote", conn.RemoteAddr().String())

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		log.Warn("read failed", "error", err)
		s.writeResponse(conn, log, errorResponse("Failed to read request"))
		return
	}

	var req Request
	if jsonErr := json.Unmarshal(buf[:n], &req); jsonErr != nil {
		log.Warn("malformed request", "error", jsonErr)
		s.writeResponse(conn, log, errorResponse("Invalid JSON: "+jsonErr.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout+s.writeTimeout+time.Second)
	defer cancel()

	resp := s.broker.Dispatch(ctx, req)
	s.writeResponse(conn, log, resp)
}

func (s *Server) writeResponse(conn net.Conn, log *slog.Logger, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Error("marshal response failed", "error", err)
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if _, err := conn.Write(payload); err != nil {
		log.Warn("write failed", "error", err)
	}
}
