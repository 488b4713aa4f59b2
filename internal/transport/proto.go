package transport

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Protocol states. A request walks HREQ through DRES; cancellations and
// acknowledgements share the same packet layout.
const (
	HREQ  byte = 1  // host request
	HRES  byte = 2  // host response
	RREQ  byte = 3  // resource reservation request
	RRES  byte = 4  // resource reservation response
	RACK  byte = 5  // resource reservation acknowledgement
	RCAN  byte = 6  // resource reservation cancellation
	DREQ  byte = 7  // data exchange request
	DRES  byte = 8  // data exchange response
	DACK  byte = 9  // data exchange acknowledgement
	DCAN  byte = 10 // data exchange cancellation
	DWAIT byte = 11 // data exchange wait
)

const (
	ReqIDLen = 10
	macLen   = 17
	ipLen    = 15
)

// Packet is one protocol datagram. Which fields are on the wire depends on
// State; absent fields stay zero after Unmarshal.
type Packet struct {
	State     byte
	ReqID     string
	AttemptNo uint32
	CosID     uint32
	Data      []byte
	SrcMAC    string
	SrcIP     string
	HostMAC   string
	HostIP    string
}

func hasCosID(state byte) bool { return state == HREQ || state == RREQ }
func hasData(state byte) bool  { return state == DREQ || state == DRES }

func hasSrcAddr(state byte) bool {
	switch state {
	case RREQ, RRES, RACK, RCAN, DACK, DCAN:
		return true
	}
	return false
}

func hasHostAddr(state byte) bool {
	switch state {
	case HRES, DACK, DCAN:
		return true
	}
	return false
}

func padded(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	for i := len(s); i < n; i++ {
		b[i] = ' '
	}
	return b
}

func (p *Packet) Marshal() ([]byte, error) {
	if p.State < HREQ || p.State > DWAIT {
		return nil, fmt.Errorf("invalid protocol state %d", p.State)
	}
	if len(p.ReqID) > ReqIDLen {
		return nil, fmt.Errorf("req_id %q exceeds %d bytes", p.ReqID, ReqIDLen)
	}
	buf := make([]byte, 0, 64+len(p.Data))
	buf = append(buf, p.State)
	buf = append(buf, padded(p.ReqID, ReqIDLen)...)
	buf = binary.BigEndian.AppendUint32(buf, p.AttemptNo)
	if hasCosID(p.State) {
		buf = binary.BigEndian.AppendUint32(buf, p.CosID)
	}
	if hasData(p.State) {
		buf = append(buf, p.Data...)
	}
	if hasSrcAddr(p.State) {
		buf = append(buf, padded(p.SrcMAC, macLen)...)
		buf = append(buf, padded(p.SrcIP, ipLen)...)
	}
	if hasHostAddr(p.State) {
		buf = append(buf, padded(p.HostMAC, macLen)...)
		buf = append(buf, padded(p.HostIP, ipLen)...)
	}
	return buf, nil
}

func Unmarshal(b []byte) (*Packet, error) {
	if len(b) < 1+ReqIDLen+4 {
		return nil, fmt.Errorf("packet too short: %d bytes", len(b))
	}
	p := &Packet{State: b[0]}
	if p.State < HREQ || p.State > DWAIT {
		return nil, fmt.Errorf("invalid protocol state %d", p.State)
	}
	p.ReqID = strings.TrimRight(string(b[1:1+ReqIDLen]), " ")
	off := 1 + ReqIDLen
	p.AttemptNo = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if hasCosID(p.State) {
		if len(b) < off+4 {
			return nil, fmt.Errorf("packet truncated at cos_id")
		}
		p.CosID = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
	}
	if hasData(p.State) {
		p.Data = append([]byte(nil), b[off:]...)
		return p, nil
	}
	if hasSrcAddr(p.State) {
		if len(b) < off+macLen+ipLen {
			return nil, fmt.Errorf("packet truncated at src address")
		}
		p.SrcMAC = strings.TrimRight(string(b[off:off+macLen]), " ")
		off += macLen
		p.SrcIP = strings.TrimRight(string(b[off:off+ipLen]), " ")
		off += ipLen
	}
	if hasHostAddr(p.State) {
		if len(b) < off+macLen+ipLen {
			return nil, fmt.Errorf("packet truncated at host address")
		}
		p.HostMAC = strings.TrimRight(string(b[off:off+macLen]), " ")
		off += macLen
		p.HostIP = strings.TrimRight(string(b[off:off+ipLen]), " ")
	}
	return p, nil
}

// Answers reports whether p is a valid reply to other under the protocol
// state machine.
func (p *Packet) Answers(other *Packet) bool {
	if p.ReqID != other.ReqID {
		return false
	}
	switch other.State {
	case HREQ:
		return p.State == HRES
	case RREQ:
		return p.State == RRES || p.State == RCAN
	case RRES:
		return p.State == RACK || p.State == RCAN
	case DREQ:
		return p.State == DRES || p.State == DWAIT || p.State == DCAN
	case DRES:
		return p.State == DACK || p.State == DCAN
	}
	return false
}
