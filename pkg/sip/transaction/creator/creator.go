// Package creator предоставляет фабрику конкретных транзакций.
//
// Пакет transaction определяет интерфейс Creator, пакеты client и server
// реализуют конечные автоматы. Фабрика собирает их вместе, не создавая
// циклической зависимости между менеджером и реализациями.
package creator

import (
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/client"
	"github.com/arzzra/sip_engine/pkg/sip/transaction/server"
	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

// Creator фабрика клиентских и серверных транзакций
type Creator struct{}

// New создает фабрику транзакций
func New() *Creator {
	return &Creator{}
}

var _ transaction.Creator = (*Creator)(nil)

func (c *Creator) ClientInvite(id string, key transaction.Key, req *sip.Request, dest string, port transport.Port, timers transaction.Timers, log zerolog.Logger) transaction.Transaction {
	return client.NewInvite(id, key, req, dest, port, timers, log)
}

func (c *Creator) ClientNonInvite(id string, key transaction.Key, req *sip.Request, dest string, port transport.Port, timers transaction.Timers, log zerolog.Logger) transaction.Transaction {
	return client.NewNonInvite(id, key, req, dest, port, timers, log)
}

func (c *Creator) ServerInvite(id string, key transaction.Key, req *sip.Request, source string, port transport.Port, timers transaction.Timers, log zerolog.Logger) transaction.Transaction {
	return server.NewInvite(id, key, req, source, port, timers, log)
}

func (c *Creator) ServerNonInvite(id string, key transaction.Key, req *sip.Request, source string, port transport.Port, timers transaction.Timers, log zerolog.Logger) transaction.Transaction {
	return server.NewNonInvite(id, key, req, source, port, timers, log)
}
