package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FayzaCH/fog-server/internal/observability"
)

const maxDatagram = 65507

// UDPTransport drives the protocol over UDP, one socket per attempt. The
// exchange is RREQ -> RRES, then DREQ -> DRES, with DWAIT replies extending
// the wait while the host is still computing.
type UDPTransport struct {
	// HostPort is the protocol port hosts listen on.
	HostPort int
}

func NewUDPTransport(hostPort int) *UDPTransport {
	if hostPort <= 0 {
		hostPort = 7070
	}
	return &UDPTransport{HostPort: hostPort}
}

func (t *UDPTransport) dial(ctx context.Context, att Attempt) (*net.UDPConn, error) {
	addr := att.HostAddr
	if addr == "" {
		addr = att.Host
	}
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, t.HostPort))
	if err != nil {
		return nil, fmt.Errorf("resolve host %s: %w", att.Host, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial host %s: %w", att.Host, err)
	}
	return conn, nil
}

// exchange sends req and waits for a packet answering it, discarding
// datagrams that belong to other requests or protocol phases.
func (t *UDPTransport) exchange(ctx context.Context, conn *net.UDPConn, req *Packet) (*Packet, error) {
	payload, err := req.Marshal()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}
	buf := make([]byte, maxDatagram)
	for {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(30 * time.Second)
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, context.DeadlineExceeded
			}
			return nil, err
		}
		resp, err := Unmarshal(buf[:n])
		if err != nil {
			logrus.WithError(err).Debug("dropping malformed datagram")
			continue
		}
		if !resp.Answers(req) {
			continue
		}
		return resp, nil
	}
}

func (t *UDPTransport) Send(ctx context.Context, att Attempt) (Delivery, error) {
	conn, err := t.dial(ctx, att)
	if err != nil {
		return Delivery{}, err
	}
	defer conn.Close()

	rreq := &Packet{
		State:     RREQ,
		ReqID:     att.ReqID,
		AttemptNo: uint32(att.AttemptNo),
		CosID:     uint32(att.CosID),
		SrcMAC:    att.Src,
	}
	rres, err := t.exchange(ctx, conn, rreq)
	if err != nil {
		return Delivery{}, err
	}
	if rres.State == RCAN {
		return Delivery{}, fmt.Errorf("host %s cancelled reservation", att.Host)
	}
	reservedAt := time.Now().UTC()
	observability.Default.IncCounter("transport_reservations_total", map[string]string{"host": att.Host}, 1)

	dreq := &Packet{
		State:     DREQ,
		ReqID:     att.ReqID,
		AttemptNo: uint32(att.AttemptNo),
		Data:      att.Data,
	}
	for {
		dres, err := t.exchange(ctx, conn, dreq)
		if err != nil {
			return Delivery{}, err
		}
		switch dres.State {
		case DWAIT:
			// host is still computing, keep waiting on the same attempt
			continue
		case DCAN:
			return Delivery{}, fmt.Errorf("host %s cancelled exchange", att.Host)
		case DRES:
			ack := &Packet{State: DACK, ReqID: att.ReqID, AttemptNo: uint32(att.AttemptNo), SrcMAC: att.Src}
			if payload, err := ack.Marshal(); err == nil {
				_, _ = conn.Write(payload)
			}
			return Delivery{Host: att.Host, Result: dres.Data, ReservedAt: reservedAt, RespondedAt: time.Now().UTC()}, nil
		}
	}
}

func (t *UDPTransport) Cancel(ctx context.Context, att Attempt) error {
	conn, err := t.dial(ctx, att)
	if err != nil {
		return err
	}
	defer conn.Close()
	rcan := &Packet{State: RCAN, ReqID: att.ReqID, AttemptNo: uint32(att.AttemptNo), SrcMAC: att.Src}
	payload, err := rcan.Marshal()
	if err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}
