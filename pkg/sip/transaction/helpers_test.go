package transaction

import (
	"github.com/emiago/sipgo/sip"
)

// newTestRequest собирает минимальный корректный запрос с заданным
// методом и branch
func newTestRequest(method sip.RequestMethod, branch string) *sip.Request {
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
	callID := sip.CallIDHeader("test-call-id@a.example.com")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	return req
}

func newTestInvite(branch string) *sip.Request {
	return newTestRequest(sip.INVITE, branch)
}
