package ctlsock

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/jasonjhjeon/maapd/internal/metrics"
)

// Command is one parsed, authenticated request waiting for the host's event
// loop to execute it against the engine and supply a Response.
type Command struct {
	Req    Request
	RespCh chan<- Response
}

// Server accepts connections on a Unix domain socket and forwards parsed
// commands to Commands() for the host loop to execute. It never touches the
// engine directly.
type Server struct {
	ln        net.Listener
	tokenHash string
	logger    *slog.Logger
	commands  chan Command
}

// Listen creates the control socket at path, removing any stale socket file
// left behind by an unclean shutdown. tokenHash is a bcrypt hash as produced
// by maap-ctlhash; an empty tokenHash disables authentication.
func Listen(path string, tokenHash string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, err
	}

	return &Server{
		ln:        ln,
		tokenHash: tokenHash,
		logger:    logger,
		commands:  make(chan Command),
	}, nil
}

// Commands returns the channel of parsed commands for the host event loop
// to select on alongside packet reads and timer expiry.
func (s *Server) Commands() <-chan Command {
	return s.commands
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	return s.ln.Close()
}

// Serve accepts connections until the listener is closed or Accept fails
// (the failure is logged). Each connection
// is handled on its own goroutine; only the parsing and auth check happen
// there, never engine access.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("control socket accept failed", "error", err)
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(errResponse("invalid JSON request"))
			continue
		}

		if !s.authenticate(req.Token) {
			enc.Encode(errResponse("unauthorized"))
			continue
		}

		resp := s.dispatch(req)
		enc.Encode(resp)

		if req.Command == CmdExit {
			return
		}
	}
}

// authenticate checks the request token against the configured hash. An
// empty tokenHash means the control socket has no auth configured.
func (s *Server) authenticate(token string) bool {
	if s.tokenHash == "" {
		return true
	}
	if bcrypt.CompareHashAndPassword([]byte(s.tokenHash), []byte(token)) == nil {
		return true
	}
	metrics.ControlAuthFailures.Inc()
	return false
}

// dispatch hands the request to the host loop and blocks for its response.
func (s *Server) dispatch(req Request) Response {
	switch req.Command {
	case CmdInit, CmdDeinit, CmdReserve, CmdRelease, CmdStatus, CmdExit:
	default:
		return errResponse("unknown command: " + req.Command)
	}

	respCh := make(chan Response, 1)
	s.commands <- Command{Req: req, RespCh: respCh}
	return <-respCh
}
