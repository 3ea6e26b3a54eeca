package dialog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arzzra/vphone/pkg/sip/message"
)

// SipfragContentType тип тела NOTIFY неявной подписки refer (RFC 3515)
const SipfragContentType = "message/sipfrag;version=2.0"

// ParseReferTo извлекает цель перевода из заголовка Refer-To
func ParseReferTo(req *message.Request) (*message.URI, error) {
	v := req.GetHeader("Refer-To")
	if v == "" {
		return nil, fmt.Errorf("missing Refer-To header")
	}
	na, err := message.ParseNameAddr(v)
	if err != nil {
		return nil, err
	}
	// заголовки URI (например Replaces) в новый INVITE не переносим
	target := na.URI.Clone()
	target.Headers = nil
	return target, nil
}

// NewSipfrag строит тело NOTIFY: строку статуса нового вызова
func NewSipfrag(code int, reason string) []byte {
	if reason == "" {
		reason = message.ReasonPhrase(code)
	}
	return []byte(fmt.Sprintf("SIP/2.0 %d %s\r\n", code, reason))
}

// ParseSipfrag возвращает код и причину из тела sipfrag
func ParseSipfrag(body []byte) (int, string, error) {
	line, _, _ := strings.Cut(string(body), "\n")
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, "SIP/2.0 ")
	if !ok {
		return 0, "", fmt.Errorf("invalid sipfrag %q", line)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 699 {
		return 0, "", fmt.Errorf("invalid sipfrag status %q", codeStr)
	}
	return code, reason, nil
}

// SubscriptionState формирует заголовок Subscription-State для NOTIFY refer:
// active, пока новый вызов не завершился финальным ответом
func SubscriptionState(code int) string {
	if code < 200 {
		return "active;expires=60"
	}
	return "terminated;reason=noresource"
}
