package transaction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/creator"
	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

const (
	localAddr  = "10.0.0.1:5060"
	remoteAddr = "10.0.0.2:5060"
)

func newTestManager(t *testing.T) (*transaction.Manager, *transport.MockPort) {
	t.Helper()
	port, _ := transport.NewMockPair(localAddr, remoteAddr, false)
	cfg := transaction.Config{
		Timers:          transaction.ScaledTimers(5 * time.Millisecond),
		EventBufferSize: 64,
		Logger:          zerolog.Nop(),
	}
	m := transaction.NewManager(port, creator.New(), cfg)
	t.Cleanup(m.Close)
	return m, port
}

func buildRequest(method sip.RequestMethod, branch string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "a.example.com",
		Port:            5060,
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
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	return req
}

func TestCreateClientTransactionDoesNotSend(t *testing.T) {
	m, port := newTestManager(t)
	req := buildRequest(sip.INVITE, transaction.GenerateBranch())

	key, err := m.CreateClientTransaction(req, remoteAddr)
	if err != nil {
		t.Fatalf("CreateClientTransaction: %v", err)
	}
	if port.SentCount() != 0 {
		t.Fatal("creation must not send the request")
	}

	if err := m.SendRequest(key); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if port.SentCount() == 0 {
		t.Fatal("SendRequest must transmit the request")
	}
}

func TestCreateClientTransactionValidatesHeaders(t *testing.T) {
	m, _ := newTestManager(t)

	noVia := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", Host: "b.example.com"})
	callID := sip.CallIDHeader("x")
	noVia.AppendHeader(&callID)
	noVia.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	if _, err := m.CreateClientTransaction(noVia, remoteAddr); !errors.Is(err, transaction.ErrInvalidMessage) {
		t.Errorf("err = %v, want ErrInvalidMessage", err)
	}
}

func TestClientInviteTerminatedBySuccessResponse(t *testing.T) {
	m, port := newTestManager(t)
	req := buildRequest(sip.INVITE, transaction.GenerateBranch())

	key, err := m.CreateClientTransaction(req, remoteAddr)
	if err != nil {
		t.Fatalf("CreateClientTransaction: %v", err)
	}
	if err := m.SendRequest(key); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	resp.To().Params.Add("tag", "bob-tag")
	port.Deliver(resp, remoteAddr)

	if !m.WaitForTransactionState(context.Background(), key, transaction.StateTerminated, time.Second) {
		t.Fatal("2xx must terminate the client INVITE transaction")
	}
	last, err := m.LastResponse(key)
	if err != nil {
		t.Fatalf("LastResponse: %v", err)
	}
	if last.StatusCode != 200 {
		t.Errorf("status = %d, want 200", last.StatusCode)
	}
}

func TestClientInviteAutoAckOnFailure(t *testing.T) {
	m, port := newTestManager(t)
	req := buildRequest(sip.INVITE, transaction.GenerateBranch())

	key, _ := m.CreateClientTransaction(req, remoteAddr)
	if err := m.SendRequest(key); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	resp := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	resp.To().Params.Add("tag", "bob-tag")
	port.Deliver(resp, remoteAddr)

	if !m.WaitForTransactionState(context.Background(), key, transaction.StateCompleted, time.Second) {
		t.Fatal("failure response must move the transaction to Completed")
	}

	var ackSent bool
	for _, msg := range port.SentMessages() {
		if r, ok := msg.(*sip.Request); ok && r.Method == sip.ACK {
			ackSent = true
		}
	}
	if !ackSent {
		t.Fatal("3xx-6xx response must be acknowledged automatically")
	}

	// Таймер D поглощает ретрансмиссии и терминирует транзакцию
	if !m.WaitForTransactionState(context.Background(), key, transaction.StateTerminated, 2*time.Second) {
		t.Fatal("Timer D must terminate the transaction")
	}
}

func TestServerTransactionCreatedOnInboundRequest(t *testing.T) {
	m, port := newTestManager(t)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	branch := transaction.GenerateBranch()
	port.Deliver(buildRequest(sip.INVITE, branch), remoteAddr)

	select {
	case ev := <-events:
		if ev.Kind != transaction.EventRequestReceived {
			t.Fatalf("kind = %v, want RequestReceived", ev.Kind)
		}
		if ev.Key.IsClient {
			t.Error("inbound request must create a server transaction")
		}
		state, err := m.TransactionState(ev.Key)
		if err != nil {
			t.Fatalf("TransactionState: %v", err)
		}
		if state != transaction.StateProceeding {
			t.Errorf("state = %v, want Proceeding for server INVITE", state)
		}
	case <-time.After(time.Second):
		t.Fatal("RequestReceived event not published")
	}
}

func TestDuplicateRequestAbsorbedWithResponseRetransmit(t *testing.T) {
	m, port := newTestManager(t)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	branch := transaction.GenerateBranch()
	invite := buildRequest(sip.INVITE, branch)
	port.Deliver(invite, remoteAddr)

	var key transaction.Key
	select {
	case ev := <-events:
		key = ev.Key
	case <-time.After(time.Second):
		t.Fatal("no RequestReceived event")
	}

	resp := sip.NewResponseFromRequest(invite, 180, "Ringing", nil)
	resp.To().Params.Add("tag", "bob-tag")
	if err := m.SendResponse(key, resp); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
	sentBefore := port.SentCount()

	// Ретрансмиссия того же INVITE: ответ повторяется, новое событие
	// не публикуется
	port.Deliver(invite, remoteAddr)

	if port.SentCount() != sentBefore+1 {
		t.Errorf("sent = %d, want %d (one retransmitted response)", port.SentCount(), sentBefore+1)
	}
	select {
	case ev := <-events:
		if ev.Kind == transaction.EventRequestReceived {
			t.Error("duplicate request must not surface to the TU")
		}
	case <-time.After(50 * time.Millisecond):
	}

	if m.Stats().DuplicateRequests == 0 {
		t.Error("duplicate requests must be counted")
	}
}

func TestWaitForTransactionStateTimeout(t *testing.T) {
	m, _ := newTestManager(t)

	missing := transaction.Key{Branch: transaction.MagicCookie + "none", Method: sip.INVITE, IsClient: true}
	start := time.Now()
	if m.WaitForTransactionState(context.Background(), missing, transaction.StateCompleted, 300*time.Millisecond) {
		t.Fatal("missing transaction must not be waited into a state")
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("missing transaction must return immediately, not after the timeout")
	}

	req := buildRequest(sip.REGISTER, transaction.GenerateBranch())
	key, _ := m.CreateClientTransaction(req, remoteAddr)
	if m.WaitForTransactionState(context.Background(), key, transaction.StateCompleted, 100*time.Millisecond) {
		t.Fatal("wait must time out when the state is never reached")
	}
}

func TestWaitForFinalResponse(t *testing.T) {
	m, port := newTestManager(t)
	req := buildRequest(sip.REGISTER, transaction.GenerateBranch())

	key, _ := m.CreateClientTransaction(req, remoteAddr)
	if err := m.SendRequest(key); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
		resp.To().Params.Add("tag", "bob-tag")
		port.Deliver(resp, remoteAddr)
	}()

	resp := m.WaitForFinalResponse(context.Background(), key, time.Second)
	if resp == nil {
		t.Fatal("final response not observed")
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWaitForFinalResponseTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	req := buildRequest(sip.REGISTER, transaction.GenerateBranch())
	key, _ := m.CreateClientTransaction(req, remoteAddr)

	if resp := m.WaitForFinalResponse(context.Background(), key, 100*time.Millisecond); resp != nil {
		t.Fatal("timeout must return nil, not a response")
	}
}

func TestCleanupTerminatedTransactions(t *testing.T) {
	m, _ := newTestManager(t)
	req := buildRequest(sip.REGISTER, transaction.GenerateBranch())

	key, _ := m.CreateClientTransaction(req, remoteAddr)
	if err := m.TerminateTransaction(key); err != nil {
		t.Fatalf("TerminateTransaction: %v", err)
	}
	if !m.HasTransaction(key) {
		t.Fatal("terminated transaction must stay queryable until cleanup")
	}

	if removed := m.CleanupTerminatedTransactions(); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if m.HasTransaction(key) {
		t.Error("transaction must be gone after cleanup")
	}
	if err := m.SendRequest(key); !errors.Is(err, transaction.ErrTransactionNotFound) {
		t.Errorf("err = %v, want ErrTransactionNotFound for a stale key", err)
	}
}

func TestTransportErrorTerminatesTransaction(t *testing.T) {
	m, port := newTestManager(t)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	req := buildRequest(sip.INVITE, transaction.GenerateBranch())
	key, _ := m.CreateClientTransaction(req, remoteAddr)

	port.SendErr = errors.New("network down")
	if err := m.SendRequest(key); !errors.Is(err, transaction.ErrTransportFailure) {
		t.Fatalf("err = %v, want ErrTransportFailure", err)
	}

	state, err := m.TransactionState(key)
	if err != nil {
		t.Fatalf("TransactionState: %v", err)
	}
	if state != transaction.StateTerminated {
		t.Errorf("state = %v, want Terminated after transport failure", state)
	}

	sawTransportError := false
	deadline := time.After(time.Second)
	for !sawTransportError {
		select {
		case ev := <-events:
			if ev.Kind == transaction.EventTransportError {
				sawTransportError = true
			}
		case <-deadline:
			t.Fatal("TransportError event not published")
		}
	}
}

func TestCancelInviteTransaction(t *testing.T) {
	m, port := newTestManager(t)
	req := buildRequest(sip.INVITE, transaction.GenerateBranch())

	key, _ := m.CreateClientTransaction(req, remoteAddr)
	if err := m.SendRequest(key); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	// CANCEL до предварительного ответа отклоняется
	if _, err := m.CancelInviteTransaction(key); !errors.Is(err, transaction.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState in Calling", err)
	}

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	ringing.To().Params.Add("tag", "bob-tag")
	port.Deliver(ringing, remoteAddr)

	if !m.WaitForTransactionState(context.Background(), key, transaction.StateProceeding, time.Second) {
		t.Fatal("provisional response must move the transaction to Proceeding")
	}

	cancelKey, err := m.CancelInviteTransaction(key)
	if err != nil {
		t.Fatalf("CancelInviteTransaction: %v", err)
	}
	if cancelKey.Method != sip.CANCEL {
		t.Errorf("method = %s, want CANCEL", cancelKey.Method)
	}
	if cancelKey.Branch != key.Branch {
		t.Error("CANCEL must reuse the INVITE branch")
	}

	var cancelSent bool
	for _, msg := range port.SentMessages() {
		if r, ok := msg.(*sip.Request); ok && r.Method == sip.CANCEL {
			cancelSent = true
		}
	}
	if !cancelSent {
		t.Error("CANCEL request must be transmitted")
	}
}

func TestRetryRequest(t *testing.T) {
	m, port := newTestManager(t)
	req := buildRequest(sip.REGISTER, transaction.GenerateBranch())

	key, _ := m.CreateClientTransaction(req, remoteAddr)
	if err := m.SendRequest(key); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	sentBefore := port.SentCount()

	if err := m.RetryRequest(key); err != nil {
		t.Fatalf("RetryRequest: %v", err)
	}
	if port.SentCount() <= sentBefore {
		t.Error("retry must transmit the request again")
	}
}

func TestFindRelatedTransactions(t *testing.T) {
	m, _ := newTestManager(t)

	first := buildRequest(sip.INVITE, transaction.GenerateBranch())
	second := buildRequest(sip.BYE, transaction.GenerateBranch())
	// Второй запрос получает Call-ID первого
	second.RemoveHeader("Call-ID")
	callID := *first.CallID()
	second.AppendHeader(&callID)

	k1, _ := m.CreateClientTransaction(first, remoteAddr)
	k2, _ := m.CreateClientTransaction(second, remoteAddr)

	related := m.FindRelatedTransactions(first.CallID().Value())
	if len(related) != 2 {
		t.Fatalf("related = %d, want 2", len(related))
	}
	found := map[transaction.Key]bool{}
	for _, k := range related {
		found[k] = true
	}
	if !found[k1] || !found[k2] {
		t.Error("both transactions with the shared Call-ID must be reported")
	}
}

func TestOrphanResponseDropped(t *testing.T) {
	m, port := newTestManager(t)

	req := buildRequest(sip.INVITE, transaction.GenerateBranch())
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	port.Deliver(resp, remoteAddr)

	if m.Stats().OrphanResponses != 1 {
		t.Errorf("orphan responses = %d, want 1", m.Stats().OrphanResponses)
	}
}

func TestAckWithoutInviteSurfacesToTU(t *testing.T) {
	m, port := newTestManager(t)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ack := buildRequest(sip.ACK, transaction.GenerateBranch())
	port.Deliver(ack, remoteAddr)

	select {
	case ev := <-events:
		if ev.Kind != transaction.EventAckReceived {
			t.Fatalf("kind = %v, want AckReceived", ev.Kind)
		}
		if ev.Request == nil || ev.Request.Method != sip.ACK {
			t.Error("event must carry the ACK request")
		}
	case <-time.After(time.Second):
		t.Fatal("ACK for a 2xx must be surfaced to the TU")
	}
}
