package transport

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/FayzaCH/fog-server/internal/observability"
)

// Listener receives unsolicited protocol datagrams on the orchestrator
// side. When an offer reaches more than one host, the ones the attempt did
// not settle on still answer with HRES or DRES; those land here instead of
// on the attempt's own socket.
type Listener struct {
	port    int
	handler func(ctx context.Context, pkt *Packet, from *net.UDPAddr)

	mu   sync.Mutex
	conn *net.UDPConn
}

func NewListener(port int, handler func(ctx context.Context, pkt *Packet, from *net.UDPAddr)) *Listener {
	if port < 0 {
		port = 7070
	}
	return &Listener{port: port, handler: handler}
}

// Run binds the protocol port and dispatches HRES and DRES datagrams to the
// handler until ctx is done. Other protocol states belong to an attempt's
// own exchange and are dropped here.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: l.port})
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		pkt, err := Unmarshal(buf[:n])
		if err != nil {
			logrus.WithError(err).Debug("dropping malformed datagram")
			continue
		}
		if pkt.State != HRES && pkt.State != DRES {
			continue
		}
		observability.Default.IncCounter("transport_extra_answers_total", nil, 1)
		l.handler(ctx, pkt, from)
	}
}

// Addr reports the bound address once Run has opened the socket.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}
