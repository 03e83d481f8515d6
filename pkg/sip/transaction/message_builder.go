package transaction

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// MessageBuilder строит протокольные запросы, которые транзакционный
// уровень генерирует сам: ACK на не-2xx ответ и CANCEL.
type MessageBuilder struct{}

// NewMessageBuilder создает построитель сообщений
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{}
}

// BuildACKForNon2xx строит ACK для не-2xx финального ответа на INVITE.
//
// RFC 3261 Section 17.1.1.3: Request-URI, Call-ID, From, Via и номер
// CSeq берутся из исходного INVITE, To берется из ответа (вместе с
// тегом). Такой ACK принадлежит той же транзакции, что и INVITE.
func (b *MessageBuilder) BuildACKForNon2xx(invite *sip.Request, resp *sip.Response) (*sip.Request, error) {
	if invite.Method != sip.INVITE {
		return nil, fmt.Errorf("%w: ACK requires INVITE request, got %s", ErrInvalidMessage, invite.Method)
	}
	if resp.StatusCode < 300 {
		return nil, fmt.Errorf("%w: non-2xx ACK requires final status >= 300, got %d", ErrInvalidMessage, resp.StatusCode)
	}

	ack := sip.NewRequest(sip.ACK, invite.Recipient)

	if via := invite.Via(); via != nil {
		ack.AppendHeader(sip.HeaderClone(via))
	}
	if from := invite.From(); from != nil {
		ack.AppendHeader(sip.HeaderClone(from))
	}
	if to := resp.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	} else if to := invite.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	}
	if callID := invite.CallID(); callID != nil {
		cid := *callID
		ack.AppendHeader(&cid)
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	ack.SetTransport(invite.Transport())
	ack.SetDestination(invite.Destination())
	return ack, nil
}

// BuildCANCEL строит CANCEL для незавершенной INVITE транзакции.
//
// RFC 3261 Section 9.1: CANCEL копирует Request-URI, Call-ID, From, To,
// номер CSeq и верхний Via исходного запроса. CANCEL образует отдельную
// non-INVITE транзакцию с тем же branch.
func (b *MessageBuilder) BuildCANCEL(invite *sip.Request) (*sip.Request, error) {
	if invite.Method != sip.INVITE {
		return nil, fmt.Errorf("%w: CANCEL requires INVITE request, got %s", ErrInvalidMessage, invite.Method)
	}

	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)

	if via := invite.Via(); via != nil {
		cancel.AppendHeader(sip.HeaderClone(via))
	}
	if from := invite.From(); from != nil {
		cancel.AppendHeader(sip.HeaderClone(from))
	}
	if to := invite.To(); to != nil {
		cancel.AppendHeader(sip.HeaderClone(to))
	}
	if callID := invite.CallID(); callID != nil {
		cid := *callID
		cancel.AppendHeader(&cid)
	}
	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetTransport(invite.Transport())
	cancel.SetDestination(invite.Destination())
	return cancel, nil
}
