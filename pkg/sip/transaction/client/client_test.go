package client

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

const remoteAddr = "10.0.0.2:5060"

func testTimers() transaction.Timers {
	return transaction.ScaledTimers(10 * time.Millisecond)
}

func buildRequest(method sip.RequestMethod, branch string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "a.example.com",
		Params:          sip.HeaderParams{"branch": branch},
	})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com"},
		Params:  sip.HeaderParams{"tag": "alice-tag"},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"},
		Params:  sip.HeaderParams{},
	})
	callID := sip.CallIDHeader("call-" + branch)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	return req
}

func newInviteTx(t *testing.T, port transport.Port) (*InviteTransaction, *sip.Request) {
	t.Helper()
	branch := transaction.GenerateBranch()
	req := buildRequest(sip.INVITE, branch)
	key := transaction.Key{Branch: branch, Method: sip.INVITE, IsClient: true}
	tx := NewInvite("tx-test", key, req, remoteAddr, port, testTimers(), zerolog.Nop())
	t.Cleanup(tx.Terminate)
	return tx, req
}

func newNonInviteTx(t *testing.T, port transport.Port, method sip.RequestMethod) (*NonInviteTransaction, *sip.Request) {
	t.Helper()
	branch := transaction.GenerateBranch()
	req := buildRequest(method, branch)
	key := transaction.Key{Branch: branch, Method: method, IsClient: true}
	tx := NewNonInvite("tx-test", key, req, remoteAddr, port, testTimers(), zerolog.Nop())
	t.Cleanup(tx.Terminate)
	return tx, req
}

func waitState(t *testing.T, tx transaction.Transaction, want transaction.State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if tx.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v within %v", tx.State(), want, within)
}

func TestInviteStartsInCalling(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	tx, _ := newInviteTx(t, port)

	if tx.State() != transaction.StateCalling {
		t.Errorf("state = %v, want Calling", tx.State())
	}
	if port.SentCount() != 0 {
		t.Error("request must not be sent before SendRequest")
	}
}

func TestInviteRetransmitsUntilProvisional(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	tx, req := newInviteTx(t, port)

	if err := tx.SendRequest(); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	// Таймер A: ретрансмиссии на 10, 30, 70мс
	time.Sleep(80 * time.Millisecond)
	retransmitted := port.SentCount()
	if retransmitted < 3 {
		t.Fatalf("sent = %d, want at least 3 (initial + retransmissions)", retransmitted)
	}

	resp := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.HandleResponse(resp); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if tx.State() != transaction.StateProceeding {
		t.Errorf("state = %v, want Proceeding", tx.State())
	}

	afterProvisional := port.SentCount()
	time.Sleep(60 * time.Millisecond)
	if port.SentCount() != afterProvisional {
		t.Error("provisional response must stop INVITE retransmissions")
	}
}

func TestInviteTimerBTimeout(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	tx, _ := newInviteTx(t, port)

	var timedOut atomic.Bool
	tx.OnTimeout(func(_ transaction.Transaction, timer transaction.TimerID) {
		if timer == transaction.TimerB {
			timedOut.Store(true)
		}
	})

	if err := tx.SendRequest(); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	// Таймер B = 64*T1 = 640мс
	waitState(t, tx, transaction.StateTerminated, 2*time.Second)
	if !timedOut.Load() {
		t.Error("Timer B timeout must be reported")
	}
}

func TestInviteTimerBIgnoredAfterProvisional(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	tx, req := newInviteTx(t, port)

	var timedOut atomic.Bool
	tx.OnTimeout(func(transaction.Transaction, transaction.TimerID) { timedOut.Store(true) })

	if err := tx.SendRequest(); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	resp := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.HandleResponse(resp); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}

	// Таймер B = 64*T1 = 640мс: звонящий вызов он не обрывает
	time.Sleep(800 * time.Millisecond)
	if tx.State() != transaction.StateProceeding {
		t.Errorf("state = %v, want Proceeding after Timer B elapsed", tx.State())
	}
	if timedOut.Load() {
		t.Error("Timer B must not fire outside Calling")
	}
}

func TestInviteFailureResponseAckAndAbsorb(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	tx, req := newInviteTx(t, port)

	var responses atomic.Int32
	tx.OnResponse(func(transaction.Transaction, *sip.Response) { responses.Add(1) })

	if err := tx.SendRequest(); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	resp := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	resp.To().Params.Add("tag", "bob-tag")
	if err := tx.HandleResponse(resp); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if tx.State() != transaction.StateCompleted {
		t.Fatalf("state = %v, want Completed", tx.State())
	}

	ackCount := func() int {
		n := 0
		for _, msg := range port.SentMessages() {
			if r, ok := msg.(*sip.Request); ok && r.Method == sip.ACK {
				n++
			}
		}
		return n
	}
	if ackCount() != 1 {
		t.Fatalf("acks = %d, want 1", ackCount())
	}

	// Ретрансмиссия финального ответа: ACK повторяется, TU не уведомляется
	if err := tx.HandleResponse(resp); err != nil {
		t.Fatalf("HandleResponse(retransmit): %v", err)
	}
	if ackCount() != 2 {
		t.Errorf("acks = %d, want 2 after response retransmission", ackCount())
	}
	if responses.Load() != 1 {
		t.Errorf("TU notified %d times, want 1", responses.Load())
	}

	// Таймер D терминирует транзакцию
	waitState(t, tx, transaction.StateTerminated, 2*time.Second)
}

func TestInviteSuccessResponseTerminates(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	tx, req := newInviteTx(t, port)

	if err := tx.SendRequest(); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	resp.To().Params.Add("tag", "bob-tag")
	if err := tx.HandleResponse(resp); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if tx.State() != transaction.StateTerminated {
		t.Errorf("state = %v, want Terminated after 2xx", tx.State())
	}

	// ACK на 2xx генерирует TU, не транзакция
	for _, msg := range port.SentMessages() {
		if r, ok := msg.(*sip.Request); ok && r.Method == sip.ACK {
			t.Error("transaction must not acknowledge a 2xx")
		}
	}
}

func TestInviteSendRequestTwiceRejected(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	tx, _ := newInviteTx(t, port)

	if err := tx.SendRequest(); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if err := tx.SendRequest(); !errors.Is(err, transaction.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestClientRejectsServerOperations(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	tx, req := newInviteTx(t, port)

	resp := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.SendResponse(resp); !errors.Is(err, transaction.ErrNotServerTransaction) {
		t.Errorf("SendResponse err = %v, want ErrNotServerTransaction", err)
	}
	if err := tx.HandleRequest(req); !errors.Is(err, transaction.ErrNotServerTransaction) {
		t.Errorf("HandleRequest err = %v, want ErrNotServerTransaction", err)
	}
}

func TestNonInviteLifecycle(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	tx, req := newNonInviteTx(t, port, sip.REGISTER)

	if tx.State() != transaction.StateTrying {
		t.Fatalf("state = %v, want Trying", tx.State())
	}
	if err := tx.SendRequest(); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	provisional := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.HandleResponse(provisional); err != nil {
		t.Fatalf("HandleResponse(1xx): %v", err)
	}
	if tx.State() != transaction.StateProceeding {
		t.Fatalf("state = %v, want Proceeding", tx.State())
	}

	final := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.HandleResponse(final); err != nil {
		t.Fatalf("HandleResponse(2xx): %v", err)
	}
	if tx.State() != transaction.StateCompleted {
		t.Fatalf("state = %v, want Completed", tx.State())
	}

	// Таймер K = T4 терминирует транзакцию
	waitState(t, tx, transaction.StateTerminated, time.Second)
}

func TestNonInviteRetransmitsWithBackoff(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	tx, _ := newNonInviteTx(t, port, sip.OPTIONS)

	if err := tx.SendRequest(); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if port.SentCount() < 3 {
		t.Errorf("sent = %d, want at least 3", port.SentCount())
	}
}

func TestNonInviteTimerFTimeout(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	tx, _ := newNonInviteTx(t, port, sip.REGISTER)

	var timedOut atomic.Bool
	tx.OnTimeout(func(_ transaction.Transaction, timer transaction.TimerID) {
		if timer == transaction.TimerF {
			timedOut.Store(true)
		}
	})

	if err := tx.SendRequest(); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	waitState(t, tx, transaction.StateTerminated, 2*time.Second)
	if !timedOut.Load() {
		t.Error("Timer F timeout must be reported")
	}
}

func TestNonInviteAbsorbsResponseRetransmission(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	tx, req := newNonInviteTx(t, port, sip.BYE)

	var responses atomic.Int32
	tx.OnResponse(func(transaction.Transaction, *sip.Response) { responses.Add(1) })

	if err := tx.SendRequest(); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	final := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
	if err := tx.HandleResponse(final); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if err := tx.HandleResponse(final); err != nil {
		t.Fatalf("HandleResponse(retransmit): %v", err)
	}
	if responses.Load() != 1 {
		t.Errorf("TU notified %d times, want 1", responses.Load())
	}
}

func TestTransportFailureTerminates(t *testing.T) {
	port := transport.NewMockPort("10.0.0.1:5060", false)
	port.SendErr = errors.New("socket closed")
	tx, _ := newInviteTx(t, port)

	var gotErr atomic.Bool
	tx.OnTransportError(func(transaction.Transaction, error) { gotErr.Store(true) })

	if err := tx.SendRequest(); !errors.Is(err, transaction.ErrTransportFailure) {
		t.Fatalf("err = %v, want ErrTransportFailure", err)
	}
	if tx.State() != transaction.StateTerminated {
		t.Errorf("state = %v, want Terminated", tx.State())
	}
	if !gotErr.Load() {
		t.Error("transport error handler must be invoked")
	}
}
