package dialog

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

// BuildRequest строит внутридиалоговый запрос (RFC 3261 12.2.1.1):
// Request-URI из remote target, Route заголовки из route set, From и To
// с тегами диалога, следующий локальный CSeq и новый branch в Via.
func (m *Manager) BuildRequest(id string, method sip.RequestMethod) (*sip.Request, error) {
	d, ok := m.dialogs.get(id)
	if !ok {
		return nil, ErrDialogNotFound
	}
	if d.State() == StateTerminated {
		return nil, &TransitionError{From: StateTerminated, To: d.State()}
	}

	cseq := d.NextLocalCSeq()
	snap := d.Snapshot()

	req := sip.NewRequest(method, snap.RemoteTarget)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            m.domain,
		Params:          sip.HeaderParams{"branch": transaction.GenerateBranch()},
	}
	req.AppendHeader(via)

	req.AppendHeader(&sip.FromHeader{
		Address: snap.LocalURI,
		Params:  sip.HeaderParams{"tag": snap.LocalTag},
	})
	to := &sip.ToHeader{Address: snap.RemoteURI, Params: sip.HeaderParams{}}
	if snap.RemoteTag != "" {
		to.Params.Add("tag", snap.RemoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(snap.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	for _, route := range snap.RouteSet {
		r := route
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}
	return req, nil
}

// ApplyResponse применяет ответ удаленной стороны к диалогу:
// фиксирует удаленный тег, remote target из Contact и route set из
// Record-Route, затем переводит состояние. Route set фиксируется один
// раз при установлении диалога (RFC 3261 12.1.2), для инициатора
// порядок Record-Route обращается.
func (m *Manager) ApplyResponse(id string, resp *sip.Response) error {
	d, ok := m.dialogs.get(id)
	if !ok {
		return ErrDialogNotFound
	}

	if to := resp.To(); to != nil {
		if tag, exists := to.Params.Get("tag"); exists && tag != "" && d.RemoteTag() == "" {
			d.SetRemoteTag(tag)
		}
	}
	if contact := resp.Contact(); contact != nil {
		d.SetRemoteTarget(contact.Address)
	}
	if len(d.RouteSet()) == 0 {
		if routes := recordRouteSet(resp, d.IsInitiator()); len(routes) > 0 {
			d.SetRouteSet(routes)
		}
	}

	var err error
	switch {
	case resp.StatusCode > 100 && resp.StatusCode < 200:
		err = m.UpdateDialogState(id, StateEarly)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		err = m.UpdateDialogState(id, StateConfirmed)
	case resp.StatusCode >= 300:
		err = m.UpdateDialogState(id, StateTerminated)
	}
	if err != nil {
		return err
	}
	m.reindex(d)
	return nil
}

// EnterRecovery переводит диалог в состояние Recovering
func (m *Manager) EnterRecovery(id string) error {
	return m.UpdateDialogState(id, StateRecovering)
}

// CompleteRecovery завершает восстановление переходом в целевое состояние
func (m *Manager) CompleteRecovery(id string, target State) error {
	return m.UpdateDialogState(id, target)
}

// recordRouteSet извлекает route set из Record-Route заголовков ответа
func recordRouteSet(resp *sip.Response, reverse bool) []sip.Uri {
	headers := resp.GetHeaders("Record-Route")
	var routes []sip.Uri
	for _, h := range headers {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			routes = append(routes, rr.Address)
		}
	}
	if reverse {
		for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
			routes[i], routes[j] = routes[j], routes[i]
		}
	}
	return routes
}
