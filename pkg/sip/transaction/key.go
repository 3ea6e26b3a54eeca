package transaction

import (
	"fmt"
	"strings"

	"github.com/arzzra/vphone/pkg/sip/message"
)

// Key идентифицирует транзакцию: branch верхнего Via плюс метод.
// ACK сопоставляется с INVITE, CANCEL образует отдельную транзакцию.
type Key struct {
	Branch string
	Method string
}

func (k Key) String() string {
	return k.Branch + "|" + k.Method
}

// KeyOf вычисляет ключ для запроса или ответа
func KeyOf(msg message.Message) (Key, error) {
	h := msg.AllHeaders()
	via, err := h.TopVia()
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var method string
	if req, ok := msg.(*message.Request); ok {
		method = req.Method
	} else {
		cseq, err := h.CSeq()
		if err != nil {
			return Key{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		method = cseq.Method
	}
	if method == message.MethodAck {
		method = message.MethodInvite
	}

	branch := via.Branch()
	if !strings.HasPrefix(branch, message.BranchMagicCookie) {
		// RFC 2543 клиент без magic cookie: используем Call-ID и номер CSeq
		cseq, _ := h.CSeq()
		branch = fmt.Sprintf("%s|%s|%d", branch, h.CallID(), cseq.Seq)
	}
	return Key{Branch: branch, Method: method}, nil
}

// ackKey ищет INVITE серверную транзакцию для ACK на 2xx (у такого ACK свой branch)
type ackKey struct {
	callID string
	seq    uint32
}
