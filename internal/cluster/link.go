package cluster

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumi-chat/gateway/internal/logging"
)

const (
	linkWriteTimeout = 5 * time.Second
	linkSendCapacity = 256
)

// link is one persistent connection to a peer Gateway node, carrying
// envelopes in both directions. Grounded on gatewaysession.Session's
// buffered-send-channel read/write pump shape, the same idiom reused for
// node-to-node instead of client-to-node traffic.
type link struct {
	peer string // configured address if we dialed out, the remote address (r.RemoteAddr) for an inbound accept
	conn *websocket.Conn

	send      chan *envelope
	closeOnce sync.Once
	closed    chan struct{}
}

func newLink(conn *websocket.Conn, peer string) *link {
	return &link{
		peer:   peer,
		conn:   conn,
		send:   make(chan *envelope, linkSendCapacity),
		closed: make(chan struct{}),
	}
}

func (l *link) sendEnvelope(e *envelope) bool {
	select {
	case l.send <- e:
		return true
	case <-l.closed:
		return false
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
}

func (l *link) writePump() {
	for {
		select {
		case e, ok := <-l.send:
			if !ok {
				return
			}
			b, err := json.Marshal(e)
			if err != nil {
				logging.Errorf("cluster: marshal envelope: %v", err)
				continue
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(linkWriteTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-l.closed:
			return
		}
	}
}

// readPump decodes one envelope per frame and invokes handle for each,
// until the link errors or closes.
func (l *link) readPump(handle func(*envelope)) {
	defer l.close()
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		var e envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			logging.Warnf("cluster: malformed envelope from %s: %v", l.peer, err)
			continue
		}
		handle(&e)
	}
}
