package presence

import (
	"strconv"
	"time"

	"github.com/arzzra/vphone/pkg/sip/message"
)

// Publication состояние PUBLISH (RFC 3903) для собственного статуса
type Publication struct {
	ETag      string
	Expires   time.Duration
	Status    Status
	GrantedAt time.Time
	ExpiresAt time.Time
}

// Prepare добавляет к PUBLISH SIP-If-Match для обновления уже опубликованного
// состояния и Expires.
func (p *Publication) Prepare(req *message.Request) {
	if p.ETag != "" {
		req.SetHeader("SIP-If-Match", p.ETag)
	}
	if p.Expires > 0 {
		req.SetHeader("Expires", strconv.Itoa(int(p.Expires/time.Second)))
	}
}

// Accept применяет 2xx на PUBLISH: новый SIP-ETag и выданный Expires
func (p *Publication) Accept(now time.Time, res *message.Response) {
	if etag := res.GetHeader("SIP-ETag"); etag != "" {
		p.ETag = etag
	}
	granted := p.Expires
	if secs, ok := res.Headers.Expires(); ok {
		granted = time.Duration(secs) * time.Second
	}
	if granted <= 0 {
		granted = DefaultExpires
	}
	p.GrantedAt = now
	p.ExpiresAt = now.Add(granted)
}

// Reset забывает entity tag, следующий PUBLISH создаст состояние заново
// (после 412 Conditional Request Failed).
func (p *Publication) Reset() {
	p.ETag = ""
	p.GrantedAt, p.ExpiresAt = time.Time{}, time.Time{}
}

// NeedsRefresh сообщает, пора ли обновлять публикацию
func (p *Publication) NeedsRefresh(now time.Time) bool {
	if p.ETag == "" || p.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(RenewAt(p.GrantedAt, p.ExpiresAt))
}
