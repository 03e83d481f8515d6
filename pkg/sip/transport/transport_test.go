package transport

import (
	"errors"
	"testing"

	"github.com/emiago/sipgo/sip"
)

func newTestRequest() *sip.Request {
	return sip.NewRequest(sip.OPTIONS, sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"})
}

func TestMockPairDelivery(t *testing.T) {
	a, b := NewMockPair("10.0.0.1:5060", "10.0.0.2:5060", false)

	var gotMsg sip.Message
	var gotAddr string
	b.OnMessage(func(msg sip.Message, addr string) {
		gotMsg = msg
		gotAddr = addr
	})

	req := newTestRequest()
	if err := a.Send(req, b.LocalAddr()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotMsg != sip.Message(req) {
		t.Error("peer must receive the sent message")
	}
	if gotAddr != "10.0.0.1:5060" {
		t.Errorf("source addr = %q, want sender's local addr", gotAddr)
	}
	if a.SentCount() != 1 {
		t.Errorf("sent = %d, want 1", a.SentCount())
	}
}

func TestMockPortSendErrInjection(t *testing.T) {
	a, b := NewMockPair("10.0.0.1:5060", "10.0.0.2:5060", false)

	injected := errors.New("socket write failed")
	a.SendErr = injected

	var delivered bool
	b.OnMessage(func(sip.Message, string) { delivered = true })

	err := a.Send(newTestRequest(), b.LocalAddr())
	if !errors.Is(err, injected) {
		t.Fatalf("err = %v, want injected error", err)
	}
	if delivered {
		t.Error("failed send must not reach the peer")
	}
	if a.SentCount() != 0 {
		t.Errorf("sent = %d, want 0", a.SentCount())
	}
}

func TestMockPortClose(t *testing.T) {
	a, _ := NewMockPair("10.0.0.1:5060", "10.0.0.2:5060", false)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Send(newTestRequest(), "10.0.0.2:5060"); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}

	var delivered bool
	a.OnMessage(func(sip.Message, string) { delivered = true })
	a.Deliver(newTestRequest(), "10.0.0.2:5060")
	if delivered {
		t.Error("closed port must drop inbound messages")
	}
}

func TestMockPortReliability(t *testing.T) {
	udp := NewMockPort("10.0.0.1:5060", false)
	tcp := NewMockPort("10.0.0.1:5061", true)

	if udp.IsReliable() {
		t.Error("unreliable port must report IsReliable() == false")
	}
	if !tcp.IsReliable() {
		t.Error("reliable port must report IsReliable() == true")
	}
}
