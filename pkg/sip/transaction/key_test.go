package transaction

import (
	"errors"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
)

func TestKeyFromRequest(t *testing.T) {
	branch := MagicCookie + "abc123"
	req := newTestInvite(branch)

	key, err := KeyFromMessage(req, false)
	if err != nil {
		t.Fatalf("KeyFromMessage: %v", err)
	}
	if key.Branch != branch {
		t.Errorf("branch = %q, want %q", key.Branch, branch)
	}
	if key.Method != sip.INVITE {
		t.Errorf("method = %s, want INVITE", key.Method)
	}
	if key.IsClient {
		t.Error("key must be server-side")
	}
}

func TestKeyFromResponseUsesCSeqMethod(t *testing.T) {
	branch := MagicCookie + "resp1"
	req := newTestInvite(branch)
	resp := sip.NewResponseFromRequest(req, 180, "Ringing", nil)

	key, err := KeyFromMessage(resp, true)
	if err != nil {
		t.Fatalf("KeyFromMessage: %v", err)
	}
	if key.Method != sip.INVITE {
		t.Errorf("method = %s, want INVITE from CSeq", key.Method)
	}
	if !key.IsClient {
		t.Error("key must be client-side")
	}
}

func TestKeyRejectsMissingBranch(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", Host: "b.example.com"})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "a.example.com",
		Params:          sip.HeaderParams{},
	})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	if _, err := KeyFromMessage(req, false); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("err = %v, want ErrInvalidMessage", err)
	}
}

func TestKeyRejectsPreRFC3261Branch(t *testing.T) {
	req := newTestInvite("oldstyle-branch")
	if _, err := KeyFromMessage(req, false); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("err = %v, want ErrInvalidMessage for branch without magic cookie", err)
	}
}

func TestMatchingKeyRoles(t *testing.T) {
	branch := MagicCookie + "roles"
	req := newTestInvite(branch)

	reqKey, err := MatchingKey(req)
	if err != nil {
		t.Fatalf("MatchingKey(request): %v", err)
	}
	if reqKey.IsClient {
		t.Error("request must match a server transaction")
	}

	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	respKey, err := MatchingKey(resp)
	if err != nil {
		t.Fatalf("MatchingKey(response): %v", err)
	}
	if !respKey.IsClient {
		t.Error("response must match a client transaction")
	}
}

func TestInviteKeyFor(t *testing.T) {
	ackKey := Key{Branch: MagicCookie + "x", Method: sip.ACK, IsClient: false}
	invKey := InviteKeyFor(ackKey)
	if invKey.Method != sip.INVITE {
		t.Errorf("method = %s, want INVITE", invKey.Method)
	}
	if invKey.Branch != ackKey.Branch || invKey.IsClient != ackKey.IsClient {
		t.Error("branch and role must be preserved")
	}
}

func TestGenerateBranch(t *testing.T) {
	a := GenerateBranch()
	b := GenerateBranch()
	if !strings.HasPrefix(a, MagicCookie) {
		t.Errorf("branch %q must start with magic cookie", a)
	}
	if a == b {
		t.Error("branches must be unique")
	}
}

func TestKeyString(t *testing.T) {
	key := Key{Branch: MagicCookie + "s", Method: sip.BYE, IsClient: true}
	s := key.String()
	if !strings.Contains(s, "BYE") || !strings.Contains(s, "client") {
		t.Errorf("key string %q must name method and role", s)
	}
}
