package transaction

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// MagicCookie префикс branch параметра для RFC 3261 совместимых транзакций
const MagicCookie = "z9hG4bK"

// KeyFromMessage строит ключ транзакции из сообщения.
//
// Для запроса метод берется из стартовой строки, для ответа из CSeq.
// Branch извлекается из верхнего Via. Сообщения без branch или с branch
// без магической куки отвергаются: pre-RFC3261 матчинг не поддерживается.
func KeyFromMessage(msg sip.Message, isClient bool) (Key, error) {
	via, cseq, err := topViaAndCSeq(msg)
	if err != nil {
		return Key{}, err
	}

	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return Key{}, fmt.Errorf("%w: missing branch parameter in Via header", ErrInvalidMessage)
	}
	if !strings.HasPrefix(branch, MagicCookie) {
		return Key{}, fmt.Errorf("%w: branch parameter must start with %s", ErrInvalidMessage, MagicCookie)
	}

	var method sip.RequestMethod
	if req, isReq := msg.(*sip.Request); isReq {
		method = req.Method
	} else {
		if cseq == nil {
			return Key{}, fmt.Errorf("%w: missing CSeq header", ErrInvalidMessage)
		}
		method = cseq.MethodName
	}

	return Key{Branch: branch, Method: method, IsClient: isClient}, nil
}

// MatchingKey строит ключ для поиска транзакции, которой адресовано
// входящее сообщение: запрос ищет серверную транзакцию, ответ клиентскую.
func MatchingKey(msg sip.Message) (Key, error) {
	_, isRequest := msg.(*sip.Request)
	return KeyFromMessage(msg, !isRequest)
}

// InviteKeyFor строит ключ INVITE транзакции, к которой привязан ACK или
// CANCEL: тот же branch, та же роль, но метод INVITE (RFC 3261 17.2.3).
func InviteKeyFor(key Key) Key {
	return Key{Branch: key.Branch, Method: sip.INVITE, IsClient: key.IsClient}
}

// ValidateKey проверяет валидность ключа транзакции
func ValidateKey(key Key) error {
	if key.Branch == "" {
		return fmt.Errorf("%w: empty branch", ErrInvalidMessage)
	}
	if !strings.HasPrefix(key.Branch, MagicCookie) {
		return fmt.Errorf("%w: branch must start with %s", ErrInvalidMessage, MagicCookie)
	}
	if key.Method == "" {
		return fmt.Errorf("%w: empty method", ErrInvalidMessage)
	}
	return nil
}

// GenerateBranch генерирует новый уникальный branch параметр
func GenerateBranch() string {
	b := make([]byte, 16)
	rand.Read(b)
	return MagicCookie + hex.EncodeToString(b)
}

// GenerateTransactionID генерирует внутренний идентификатор транзакции
func GenerateTransactionID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "tx-" + hex.EncodeToString(b)
}

// topViaAndCSeq извлекает верхний Via и CSeq из запроса или ответа
func topViaAndCSeq(msg sip.Message) (*sip.ViaHeader, *sip.CSeqHeader, error) {
	switch m := msg.(type) {
	case *sip.Request:
		via := m.Via()
		if via == nil {
			return nil, nil, fmt.Errorf("%w: missing Via header", ErrInvalidMessage)
		}
		return via, m.CSeq(), nil
	case *sip.Response:
		via := m.Via()
		if via == nil {
			return nil, nil, fmt.Errorf("%w: missing Via header", ErrInvalidMessage)
		}
		return via, m.CSeq(), nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported message type", ErrInvalidMessage)
	}
}
