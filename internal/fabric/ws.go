package fabric

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/meshkv/meshkv/internal/cluster"
	"github.com/meshkv/meshkv/internal/config"
	"github.com/meshkv/meshkv/internal/metrics"
	"github.com/meshkv/meshkv/pkg/proto"
)

// LinkPath is the HTTP path where a node accepts fabric links from its
// peers.
const LinkPath = "/fabric/v1/link"

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	readTimeout      = 90 * time.Second
	pingInterval     = 30 * time.Second
	sendQueueSize    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true // links are node-to-node, authenticated by bearer token
	},
}

// WS is a websocket Fabric. A node sends on links it dials and receives
// on links its peers dial, so a pair of nodes that talk in both
// directions carries two connections. Outbound links are created on
// first use and redial forever with exponential backoff.
type WS struct {
	cfg       config.FabricConfig
	view      cluster.View
	token     string
	m         *metrics.NodeMetrics
	limiter   *rate.Limiter
	threshold int

	mu      sync.RWMutex
	handler Handler
	links   map[cluster.NodeID]*link
	inbound map[*websocket.Conn]cluster.NodeID
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWS creates a websocket fabric. The view supplies peer addresses;
// the token authenticates links in both directions.
func NewWS(cfg config.FabricConfig, view cluster.View, token string, m *metrics.NodeMetrics) *WS {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WS{
		cfg:       cfg,
		view:      view,
		token:     token,
		m:         m,
		limiter:   rate.NewLimiter(limit, cfg.RateBurst),
		threshold: int(cfg.CompressThreshold.Bytes()),
		links:     make(map[cluster.NodeID]*link),
		inbound:   make(map[*websocket.Conn]cluster.NodeID),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterHandler sets the callback for inbound messages.
func (w *WS) RegisterHandler(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

// Send queues a message for the peer's outbound link, dialing the link
// if this is the first message to that peer. A full queue surfaces as
// ErrSendQueueFull rather than blocking the caller.
func (w *WS) Send(ctx context.Context, to cluster.NodeID, msg *proto.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("encode fabric message: %w", err)
	}

	l, err := w.linkTo(to)
	if err != nil {
		return err
	}

	frame := encodeFrame(data, w.threshold)
	select {
	case l.sendq <- frame:
		l.queueGauge.Set(float64(len(l.sendq)))
		return nil
	default:
		return ErrSendQueueFull
	}
}

// linkTo returns the outbound link for a peer, creating it on first
// use.
func (w *WS) linkTo(to cluster.NodeID) (*link, error) {
	w.mu.RLock()
	l, ok := w.links[to]
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return l, nil
	}

	addr, ok := w.view.Address(to)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, to)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if l, ok := w.links[to]; ok {
		return l, nil
	}

	l = &link{
		f:          w,
		peer:       to,
		addr:       addr,
		sendq:      make(chan []byte, sendQueueSize),
		upGauge:    w.m.FabricLinkUp.WithLabelValues(to.String()),
		queueGauge: w.m.FabricSendQueue.WithLabelValues(to.String()),
		redials:    w.m.FabricReconnects.WithLabelValues(to.String()),
	}
	w.links[to] = l
	w.wg.Add(1)
	go l.run()
	return l, nil
}

// LinkHandler returns the HTTP handler peers dial to establish a link.
// Mount it at LinkPath on the fabric listener.
func (w *WS) LinkHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if w.token != "" && r.Header.Get("Authorization") != "Bearer "+w.token {
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}

		id, err := strconv.ParseUint(r.URL.Query().Get("node"), 10, 64)
		if err != nil || id == 0 {
			http.Error(rw, "missing or invalid node id", http.StatusBadRequest)
			return
		}
		from := cluster.NodeID(id)
		if _, ok := w.view.Address(from); !ok {
			http.Error(rw, "node not in roster", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			log.Error().Err(err).Stringer("peer", from).Msg("fabric link upgrade failed")
			return
		}

		if !w.registerInbound(from, conn) {
			_ = conn.Close()
			return
		}
		w.serveInbound(from, conn)
	})
}

// registerInbound tracks an upgraded connection so Close can tear it
// down. It reports false when the fabric is already closed.
func (w *WS) registerInbound(from cluster.NodeID, conn *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.inbound[conn] = from
	w.wg.Add(1)
	return true
}

// serveInbound reads frames off a peer's link and dispatches them
// until the link drops.
func (w *WS) serveInbound(from cluster.NodeID, conn *websocket.Conn) {
	defer func() {
		w.mu.Lock()
		delete(w.inbound, conn)
		w.mu.Unlock()
		_ = conn.Close()
		w.wg.Done()
		log.Info().Stringer("peer", from).Msg("fabric link closed")
	}()

	log.Info().Stringer("peer", from).Msg("fabric link established")

	// Idle links are kept alive by peer pings; answer them and push the
	// read deadline out.
	conn.SetPingHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(writeTimeout))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Stringer("peer", from).Msg("fabric link read error")
			}
			return
		}

		w.m.FabricBytesReceived.Add(float64(len(frame)))
		if !w.limiter.Allow() {
			w.m.FabricRateLimited.Inc()
			continue
		}

		data, err := decodeFrame(frame)
		if err != nil {
			log.Debug().Err(err).Stringer("peer", from).Msg("dropping bad fabric frame")
			continue
		}
		msg, err := proto.Unmarshal(data)
		if err != nil {
			log.Debug().Err(err).Stringer("peer", from).Msg("dropping undecodable fabric message")
			continue
		}

		w.mu.RLock()
		h := w.handler
		w.mu.RUnlock()
		if h == nil {
			continue
		}
		if err := h(from, msg); err != nil {
			log.Debug().Err(err).Stringer("peer", from).Msg("fabric message handler failed")
		}
	}
}

// Close tears down every link and waits for link goroutines to exit.
func (w *WS) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conns := make([]*websocket.Conn, 0, len(w.inbound))
	for conn := range w.inbound {
		conns = append(conns, conn)
	}
	w.mu.Unlock()

	w.cancel()
	for _, conn := range conns {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}

	w.wg.Wait()
	return nil
}

// link is one outbound connection to a peer. Frames queue in sendq;
// the runner drains the queue while connected and redials with backoff
// while not. Frames lost to a mid-flight link failure are not
// recovered here.
type link struct {
	f    *WS
	peer cluster.NodeID
	addr string

	sendq      chan []byte
	upGauge    prometheus.Gauge
	queueGauge prometheus.Gauge
	redials    prometheus.Counter
}

// run dials and serves the link until the fabric closes.
func (l *link) run() {
	defer l.f.wg.Done()

	minBackoff, maxBackoff := l.f.cfg.ReconnectBackoff()
	backoff := minBackoff
	first := true

	for {
		if l.f.ctx.Err() != nil {
			return
		}
		if !first {
			l.redials.Inc()
		}
		first = false

		conn, err := l.dial()
		if err != nil {
			log.Warn().Err(err).Stringer("peer", l.peer).Dur("backoff", backoff).
				Msg("fabric link dial failed")
			select {
			case <-l.f.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = minBackoff
		l.upGauge.Set(1)
		log.Info().Stringer("peer", l.peer).Str("addr", l.addr).Msg("fabric link up")

		l.serve(conn)

		l.upGauge.Set(0)
		log.Warn().Stringer("peer", l.peer).Msg("fabric link down")
	}
}

// dial opens a websocket to the peer's fabric listener, identifying
// this node in the URL so the peer knows who is on the line.
func (l *link) dial() (*websocket.Conn, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     l.addr,
		Path:     LinkPath,
		RawQuery: "node=" + l.f.view.Self().String(),
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	headers := http.Header{}
	if l.f.token != "" {
		headers.Set("Authorization", "Bearer "+l.f.token)
	}

	ctx, cancel := context.WithTimeout(l.f.ctx, handshakeTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("fabric link handshake: %s", resp.Status)
		}
		return nil, fmt.Errorf("fabric link dial: %w", err)
	}
	return conn, nil
}

// serve pumps the send queue onto the connection until the link fails
// or the fabric closes.
func (l *link) serve(conn *websocket.Conn) {
	readDone := make(chan struct{})
	go l.readLoop(conn, readDone)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-l.f.ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
			<-readDone
			return

		case <-readDone:
			_ = conn.Close()
			return

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Debug().Err(err).Stringer("peer", l.peer).Msg("fabric link ping failed")
				_ = conn.Close()
				<-readDone
				return
			}

		case frame := <-l.sendq:
			l.queueGauge.Set(float64(len(l.sendq)))
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Debug().Err(err).Stringer("peer", l.peer).Msg("fabric link write failed")
				_ = conn.Close()
				<-readDone
				return
			}
			l.f.m.FabricBytesSent.Add(float64(len(frame)))
		}
	}
}

// readLoop drains the connection so control frames are processed and
// link failure is noticed. Peers do not send data frames back on links
// they accepted, so anything that arrives here is dropped.
func (l *link) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if l.f.ctx.Err() == nil &&
				websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Stringer("peer", l.peer).Msg("fabric link read error")
			}
			return
		}
		log.Debug().Stringer("peer", l.peer).Msg("unexpected data frame on outbound fabric link")
	}
}
