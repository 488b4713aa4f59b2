package transport

import (
	"bytes"
	"testing"
)

func TestPacketRoundTripHREQ(t *testing.T) {
	in := &Packet{State: HREQ, ReqID: "abc1234567", AttemptNo: 3, CosID: 2}
	raw, err := in.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.State != HREQ || out.ReqID != "abc1234567" || out.AttemptNo != 3 || out.CosID != 2 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestPacketDataConsumesTail(t *testing.T) {
	in := &Packet{State: DRES, ReqID: "r1", AttemptNo: 1, Data: []byte("some result bytes")}
	raw, err := in.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(out.Data, in.Data) {
		t.Fatalf("data mismatch: %q", out.Data)
	}
	if out.ReqID != "r1" {
		t.Fatalf("short req_id should be padded then trimmed, got %q", out.ReqID)
	}
}

func TestPacketAddressFields(t *testing.T) {
	in := &Packet{
		State:     RRES,
		ReqID:     "r1",
		AttemptNo: 2,
		SrcMAC:    "00:11:22:33:44:55",
		SrcIP:     "10.0.0.1",
	}
	raw, err := in.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.SrcMAC != in.SrcMAC || out.SrcIP != in.SrcIP {
		t.Fatalf("address mismatch: %+v", out)
	}

	hres := &Packet{State: HRES, ReqID: "r1", AttemptNo: 1, HostMAC: "aa:bb:cc:dd:ee:ff", HostIP: "10.0.0.9"}
	raw, err = hres.Marshal()
	if err != nil {
		t.Fatalf("marshal hres: %v", err)
	}
	out, err = Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal hres: %v", err)
	}
	if out.HostMAC != hres.HostMAC || out.HostIP != hres.HostIP {
		t.Fatalf("host address mismatch: %+v", out)
	}
}

func TestMarshalRejectsBadInput(t *testing.T) {
	if _, err := (&Packet{State: 0}).Marshal(); err == nil {
		t.Fatal("state 0 should be rejected")
	}
	if _, err := (&Packet{State: DWAIT + 1}).Marshal(); err == nil {
		t.Fatal("state 12 should be rejected")
	}
	if _, err := (&Packet{State: HREQ, ReqID: "this-is-far-too-long"}).Marshal(); err == nil {
		t.Fatal("oversized req_id should be rejected")
	}
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	if _, err := Unmarshal([]byte{1, 2, 3}); err == nil {
		t.Fatal("short packet should be rejected")
	}
	in := &Packet{State: RREQ, ReqID: "r1", AttemptNo: 1, CosID: 1, SrcMAC: "m", SrcIP: "i"}
	raw, err := in.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Unmarshal(raw[:len(raw)-5]); err == nil {
		t.Fatal("truncated src address should be rejected")
	}
}

func TestAnswersPairing(t *testing.T) {
	id := "r1"
	cases := []struct {
		req, resp byte
		want      bool
	}{
		{HREQ, HRES, true},
		{HREQ, RRES, false},
		{RREQ, RRES, true},
		{RREQ, RCAN, true},
		{RRES, RACK, true},
		{RRES, RCAN, true},
		{DREQ, DRES, true},
		{DREQ, DWAIT, true},
		{DREQ, DCAN, true},
		{DREQ, DACK, false},
		{DRES, DACK, true},
		{DRES, DCAN, true},
		{DRES, DRES, false},
	}
	for _, c := range cases {
		req := &Packet{State: c.req, ReqID: id}
		resp := &Packet{State: c.resp, ReqID: id}
		if got := resp.Answers(req); got != c.want {
			t.Fatalf("state %d answering %d = %v, want %v", c.resp, c.req, got, c.want)
		}
	}
	other := &Packet{State: HRES, ReqID: "different"}
	if other.Answers(&Packet{State: HREQ, ReqID: id}) {
		t.Fatal("different req_id must not pair")
	}
}
