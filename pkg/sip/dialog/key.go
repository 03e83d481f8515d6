package dialog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// LookupKey ключ вторичного индекса диалогов: Call-ID и оба тега,
// разделенные символом '|'. Индексируются только диалоги с обоими
// тегами: до появления удаленного тега диалог ищется сканированием.
func LookupKey(callID, localTag, remoteTag string) string {
	return callID + "|" + localTag + "|" + remoteTag
}

// RequestDialogID извлекает из запроса Call-ID и теги для поиска
// диалога. Возвращает Call-ID, тег From и тег To (возможно пустой).
func RequestDialogID(req *sip.Request) (callID, fromTag, toTag string, err error) {
	cid := req.CallID()
	if cid == nil || cid.Value() == "" {
		return "", "", "", ErrMissingCallID
	}
	callID = cid.Value()

	if from := req.From(); from != nil {
		fromTag, _ = from.Params.Get("tag")
	}
	if to := req.To(); to != nil {
		toTag, _ = to.Params.Get("tag")
	}
	if fromTag == "" {
		return "", "", "", fmt.Errorf("%w: missing From tag", ErrDialogNotFound)
	}
	return callID, fromTag, toTag, nil
}

// GenerateTag генерирует новый локальный тег
func GenerateTag() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// GenerateCallID генерирует новый Call-ID
func GenerateCallID() string {
	b := make([]byte, 12)
	rand.Read(b)
	return hex.EncodeToString(b)
}
