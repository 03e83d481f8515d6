// Демонстрация транзакционного и диалогового уровней: два движка,
// связанных in-memory транспортом, проходят полный цикл
// INVITE -> 180 -> 200 -> BYE -> 200 без сетевых сокетов.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sip_engine/pkg/sip/dialog"
	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/creator"
	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

const (
	uacAddr = "10.0.0.1:5060"
	uasAddr = "10.0.0.2:5060"
)

func main() {
	var debug = flag.Bool("debug", false, "Включить debug логирование")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	portA, portB := transport.NewMockPair(uacAddr, uasAddr, false)

	cfg := transaction.DefaultConfig()
	cfg.Logger = log

	uac := transaction.NewManager(portA, creator.New(), cfg)
	defer uac.Close()
	uas := transaction.NewManager(portB, creator.New(), cfg)
	defer uas.Close()

	uacDialogs := dialog.NewManager(dialog.Config{Domain: "a.example.com", Logger: log})
	defer uacDialogs.Close()
	uasDialogs := dialog.NewManager(dialog.Config{Domain: "b.example.com", Logger: log})
	defer uasDialogs.Close()

	// UAS отвечает на входящие запросы
	events, unsubscribe := uas.Subscribe()
	defer unsubscribe()
	go answerCalls(log, uas, uasDialogs, events)

	ctx := context.Background()

	invite := buildInvite()
	call, err := uacDialogs.CreateOutgoingDialog(invite)
	if err != nil {
		log.Fatal().Err(err).Msg("создание диалога")
	}
	log.Info().Str("dialog", call.ID()).Msg("исходящий вызов")

	inviteKey, err := uac.CreateClientTransaction(invite, uasAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("создание INVITE транзакции")
	}
	if err := uac.SendRequest(inviteKey); err != nil {
		log.Fatal().Err(err).Msg("отправка INVITE")
	}

	final := uac.WaitForFinalResponse(ctx, inviteKey, 5*time.Second)
	if final == nil {
		log.Fatal().Msg("финальный ответ не получен")
	}
	log.Info().Int("status", final.StatusCode).Msg("финальный ответ на INVITE")

	if err := uacDialogs.ApplyResponse(call.ID(), final); err != nil {
		log.Fatal().Err(err).Msg("применение ответа к диалогу")
	}
	state, _ := uacDialogs.GetDialogState(call.ID())
	log.Info().Str("state", state.String()).Msg("состояние диалога")

	// Завершение вызова внутридиалоговым BYE
	bye, err := uacDialogs.BuildRequest(call.ID(), sip.BYE)
	if err != nil {
		log.Fatal().Err(err).Msg("построение BYE")
	}
	byeKey, err := uac.CreateClientTransaction(bye, uasAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("создание BYE транзакции")
	}
	if err := uac.SendRequest(byeKey); err != nil {
		log.Fatal().Err(err).Msg("отправка BYE")
	}
	if resp := uac.WaitForFinalResponse(ctx, byeKey, 5*time.Second); resp != nil {
		log.Info().Int("status", resp.StatusCode).Msg("финальный ответ на BYE")
	}

	if err := uacDialogs.TerminateDialog(call.ID()); err != nil {
		log.Fatal().Err(err).Msg("завершение диалога")
	}

	stats := uac.Stats()
	log.Info().
		Uint64("client_tx", stats.ClientTransactions).
		Uint64("requests_sent", stats.RequestsSent).
		Uint64("responses_received", stats.ResponsesReceived).
		Msg("статистика UAC")
}

// answerCalls обрабатывает входящие запросы на стороне UAS: INVITE
// получает 180 и 200, BYE получает 200.
func answerCalls(log zerolog.Logger, uas *transaction.Manager, dialogs *dialog.Manager, events <-chan transaction.Event) {
	for ev := range events {
		if ev.Kind != transaction.EventRequestReceived || ev.Request == nil {
			continue
		}
		req := ev.Request
		log.Info().Str("method", string(req.Method)).Msg("входящий запрос")

		switch req.Method {
		case sip.INVITE:
			d, err := dialogs.CreateDialog(req)
			if err != nil {
				log.Error().Err(err).Msg("создание UAS диалога")
				continue
			}

			// Локальный тег выбирается первым ответом и фиксируется
			// в диалоге при подтверждении
			localTag := dialog.GenerateTag()

			ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
			ringing.To().Params.Add("tag", localTag)
			if err := uas.SendResponse(ev.Key, ringing); err != nil {
				log.Error().Err(err).Msg("отправка 180")
				continue
			}

			ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
			ok.To().Params.Add("tag", localTag)
			ok.AppendHeader(&sip.ContactHeader{
				Address: sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2", Port: 5060},
			})
			if err := uas.SendResponse(ev.Key, ok); err != nil {
				log.Error().Err(err).Msg("отправка 200")
				continue
			}
			_ = dialogs.ConfirmDialog(d.ID(), localTag)

		case sip.BYE:
			if d, err := dialogs.FindDialogForRequest(req); err == nil {
				_ = dialogs.TerminateDialog(d.ID())
			}
			ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
			if err := uas.SendResponse(ev.Key, ok); err != nil {
				log.Error().Err(err).Msg("отправка 200 на BYE")
			}
		}
	}
}

// buildInvite строит первоначальный INVITE вне диалога
func buildInvite() *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "a.example.com",
		Params:          sip.HeaderParams{"branch": transaction.GenerateBranch()},
	})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com"},
		Params:  sip.HeaderParams{"tag": dialog.GenerateTag()},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"},
		Params:  sip.HeaderParams{},
	})
	callID := sip.CallIDHeader(dialog.GenerateCallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.1", Port: 5060},
	})
	return req
}
