package shell

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/wenwu/saas-platform/compute-service/internal/metrics"
)

const (
	maxFrameSize = 64 * 1024
	writeTimeout = 10 * time.Second
)

// Target is the instance a shell connects to
type Target struct {
	InstanceID string
	Address    string
}

// Gateway bridges WebSocket connections to SSH terminals, one session per connection
type Gateway struct {
	dialer   Dialer
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewGateway creates a gateway. An empty origin list accepts any origin.
func NewGateway(dialer Dialer, m *metrics.Metrics, allowedOrigins []string) *Gateway {
	g := &Gateway{
		dialer:  dialer,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = true
		}
		g.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	} else {
		g.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return g
}

// session is the state of one WebSocket connection
type session struct {
	conn   *websocket.Conn
	target Target

	writeMu sync.Mutex

	term       Terminal
	rows, cols int
	pumpDone   chan struct{}
}

func (s *session) send(msg ServerMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

// Serve upgrades the request and relays frames until either side closes.
// The caller has already authorized the target.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, target Target) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Shell] Upgrade failed for instance %s: %v", target.InstanceID, err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &session{conn: conn, target: target, rows: DefaultRows, cols: DefaultCols}
	defer g.closeTerminal(s)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, io.EOF) {
				log.Printf("[Shell] Read from instance %s client ended: %v", target.InstanceID, err)
			}
			return
		}

		msg, ok := ParseClientMessage(raw)
		if !ok {
			continue
		}

		switch m := msg.(type) {
		case AuthMessage:
			if s.term != nil {
				s.send(Error("session already established"))
				continue
			}
			term, err := g.dialer.Dial(ctx, target.Address, m.Username, s.rows, s.cols)
			if err != nil {
				log.Printf("[Shell] SSH to instance %s as %s failed: %v", target.InstanceID, m.Username, err)
				s.send(Error("ssh connection failed: " + err.Error()))
				continue
			}
			s.term = term
			s.pumpDone = make(chan struct{})
			g.metrics.ShellOpened()
			log.Printf("[Shell] Session opened on instance %s as %s", target.InstanceID, m.Username)

			if err := s.send(Connected()); err != nil {
				return
			}
			go g.pump(s)

		case InputMessage:
			if s.term == nil {
				continue
			}
			if _, err := io.WriteString(s.term, m.Data); err != nil {
				log.Printf("[Shell] Write to instance %s failed: %v", target.InstanceID, err)
			}

		case ResizeMessage:
			s.rows, s.cols = m.Rows, m.Cols
			if s.term != nil {
				if err := s.term.Resize(m.Rows, m.Cols); err != nil {
					log.Printf("[Shell] Resize on instance %s failed: %v", target.InstanceID, err)
				}
			}
		}
	}
}

// pump forwards terminal output until the session ends, then says goodbye and
// closes the connection so the read loop returns
func (g *Gateway) pump(s *session) {
	defer close(s.pumpDone)

	buf := make([]byte, 8192)
	var pending []byte
	for {
		n, err := s.term.Output().Read(buf)
		if n > 0 {
			chunk := append(pending, buf[:n]...)
			complete, rest := splitUTF8(chunk)
			pending = append([]byte(nil), rest...)
			if len(complete) > 0 {
				if werr := s.send(Data(string(complete))); werr != nil {
					return
				}
			}
		}
		if err != nil {
			if len(pending) > 0 {
				s.send(Data(string(pending)))
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.send(Error(err.Error()))
			}
			s.send(Disconnect())

			s.writeMu.Lock()
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			s.conn.Close()
			return
		}
	}
}

func (g *Gateway) closeTerminal(s *session) {
	if s.term == nil {
		return
	}
	if err := s.term.Close(); err != nil {
		log.Printf("[Shell] Close session on instance %s: %v", s.target.InstanceID, err)
	}
	<-s.pumpDone
	g.metrics.ShellClosed()
	log.Printf("[Shell] Session closed on instance %s", s.target.InstanceID)
}

// splitUTF8 holds back an incomplete trailing rune so frames stay valid UTF-8
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}
