package dialog

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/looplab/fsm"

	"github.com/arzzra/vphone/pkg/sip/message"
)

// Dialog одна ветвь вызова или подписки.
// Как и менеджер транзакций, используется только с run loop своего endpoint'а.
type Dialog struct {
	id           ID
	role         Role
	local        *message.NameAddr // From для UAC, To для UAS, с локальным тегом
	remote       *message.NameAddr
	remoteTarget *message.URI
	routes       []string
	contact      *message.NameAddr
	via          message.Via // шаблон Via для новых запросов
	localSeq     uint32
	remoteSeq    uint32
	inviteSeq    uint32
	secure       bool

	stateMachine  *fsm.FSM
	onStateChange func(from, to State)
}

func newDialog(id ID, role Role) *Dialog {
	d := &Dialog{id: id, role: role}
	d.stateMachine = fsm.NewFSM(
		string(StateNone),
		fsm.Events{
			{Name: "early", Src: []string{string(StateNone)}, Dst: string(StateEarly)},
			{Name: "confirm", Src: []string{string(StateNone), string(StateEarly)}, Dst: string(StateConfirmed)},
			{Name: "terminate", Src: []string{string(StateNone), string(StateEarly), string(StateConfirmed)}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if d.onStateChange != nil {
					d.onStateChange(State(e.Src), State(e.Dst))
				}
			},
		},
	)
	return d
}

// NewUAC создает диалог на стороне UAC из запроса и ответа с To-tag.
// 1xx дает ранний диалог, 2xx подтвержденный.
func NewUAC(req *message.Request, res *message.Response) (*Dialog, error) {
	to, err := res.Headers.To()
	if err != nil {
		return nil, err
	}
	if to.Tag() == "" {
		return nil, ErrNoRemoteTag
	}
	from, err := req.Headers.From()
	if err != nil {
		return nil, err
	}
	cseq, err := req.Headers.CSeq()
	if err != nil {
		return nil, err
	}
	via, err := req.Headers.TopVia()
	if err != nil {
		return nil, err
	}

	d := newDialog(ID{CallID: req.Headers.CallID(), LocalTag: from.Tag(), RemoteTag: to.Tag()}, RoleUAC)
	d.local, d.remote = from, to
	d.localSeq, d.inviteSeq = cseq.Seq, cseq.Seq
	d.secure = req.RequestURI.Scheme == "sips"
	d.via = message.Via{Transport: via.Transport, Host: via.Host, Port: via.Port}
	d.remoteTarget = req.RequestURI.Clone()
	if contacts, err := req.Headers.Contacts(); err == nil && len(contacts) > 0 && contacts[0].URI != nil {
		d.contact = contacts[0]
	}
	d.updateTarget(res.Headers)
	// маршрут UAC: Record-Route ответа в обратном порядке
	d.routes = reverse(recordRoutes(res.Headers))

	if res.IsSuccess() {
		err = d.stateMachine.Event(context.Background(), "confirm")
	} else {
		err = d.stateMachine.Event(context.Background(), "early")
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// NewFromNotify создает подтвержденный диалог подписки по NOTIFY, пришедшему
// раньше 2xx на subscribe (RFC 6665 4.1.2.4). Route set берется из
// Record-Route NOTIFY в том же порядке.
func NewFromNotify(subscribe, notify *message.Request) (*Dialog, error) {
	local, err := subscribe.Headers.From()
	if err != nil {
		return nil, err
	}
	remote, err := notify.Headers.From()
	if err != nil {
		return nil, err
	}
	if remote.Tag() == "" {
		return nil, ErrNoRemoteTag
	}
	cseq, err := subscribe.Headers.CSeq()
	if err != nil {
		return nil, err
	}
	notifySeq, err := notify.Headers.CSeq()
	if err != nil {
		return nil, err
	}
	via, err := subscribe.Headers.TopVia()
	if err != nil {
		return nil, err
	}

	d := newDialog(ID{CallID: subscribe.Headers.CallID(), LocalTag: local.Tag(), RemoteTag: remote.Tag()}, RoleUAC)
	d.local, d.remote = local, remote
	d.localSeq, d.remoteSeq = cseq.Seq, notifySeq.Seq
	d.secure = subscribe.RequestURI.Scheme == "sips"
	d.via = message.Via{Transport: via.Transport, Host: via.Host, Port: via.Port}
	d.remoteTarget = subscribe.RequestURI.Clone()
	if contacts, err := subscribe.Headers.Contacts(); err == nil && len(contacts) > 0 && contacts[0].URI != nil {
		d.contact = contacts[0]
	}
	d.updateTarget(notify.Headers)
	d.routes = recordRoutes(notify.Headers)

	if err := d.stateMachine.Event(context.Background(), "confirm"); err != nil {
		return nil, err
	}
	return d, nil
}

// NewUAS создает ранний диалог на стороне UAS для входящего INVITE или SUBSCRIBE.
// Диалог подтверждается вызовом Confirm после отправки 2xx.
func NewUAS(req *message.Request, localTag string, contact *message.NameAddr) (*Dialog, error) {
	from, err := req.Headers.From()
	if err != nil {
		return nil, err
	}
	to, err := req.Headers.To()
	if err != nil {
		return nil, err
	}
	cseq, err := req.Headers.CSeq()
	if err != nil {
		return nil, err
	}
	via, err := req.Headers.TopVia()
	if err != nil {
		return nil, err
	}
	to.Params.Set("tag", localTag)

	d := newDialog(ID{CallID: req.Headers.CallID(), LocalTag: localTag, RemoteTag: from.Tag()}, RoleUAS)
	d.local, d.remote = to, from
	d.remoteSeq, d.inviteSeq = cseq.Seq, cseq.Seq
	d.secure = req.RequestURI.Scheme == "sips"
	d.contact = contact
	d.via = message.Via{Transport: via.Transport}
	if contact != nil && contact.URI != nil {
		d.via.Host, d.via.Port = contact.URI.Host, contact.URI.Port
	}
	d.updateTarget(req.Headers)
	// маршрут UAS: Record-Route запроса в том же порядке
	d.routes = recordRoutes(req.Headers)

	if err := d.stateMachine.Event(context.Background(), "early"); err != nil {
		return nil, err
	}
	return d, nil
}

// ID возвращает идентификатор диалога
func (d *Dialog) ID() ID { return d.id }

// Role возвращает роль
func (d *Dialog) Role() Role { return d.role }

// State возвращает текущее состояние
func (d *Dialog) State() State { return State(d.stateMachine.Current()) }

// LocalURI возвращает локальный адрес с тегом
func (d *Dialog) LocalURI() *message.NameAddr { return d.local }

// RemoteURI возвращает удаленный адрес с тегом
func (d *Dialog) RemoteURI() *message.NameAddr { return d.remote }

// RemoteTarget возвращает текущий remote target
func (d *Dialog) RemoteTarget() *message.URI { return d.remoteTarget }

// RouteSet возвращает копию route set
func (d *Dialog) RouteSet() []string { return slices.Clone(d.routes) }

// LocalSeq возвращает последний использованный локальный CSeq
func (d *Dialog) LocalSeq() uint32 { return d.localSeq }

// RemoteSeq возвращает последний принятый удаленный CSeq
func (d *Dialog) RemoteSeq() uint32 { return d.remoteSeq }

// InviteSeq возвращает CSeq последнего INVITE в диалоге
func (d *Dialog) InviteSeq() uint32 { return d.inviteSeq }

// Secure сообщает, создан ли диалог по sips URI
func (d *Dialog) Secure() bool { return d.secure }

// OnStateChange регистрирует обработчик смены состояния
func (d *Dialog) OnStateChange(fn func(from, to State)) { d.onStateChange = fn }

// Confirm переводит диалог в confirmed
func (d *Dialog) Confirm() error {
	if d.State() == StateConfirmed {
		return nil
	}
	return d.stateMachine.Event(context.Background(), "confirm")
}

// Terminate переводит диалог в terminated; повторный вызов ничего не делает
func (d *Dialog) Terminate() {
	if d.State() == StateTerminated {
		return
	}
	_ = d.stateMachine.Event(context.Background(), "terminate")
}

// NextRequestTarget возвращает адрес, куда отправлять запросы внутри диалога:
// первый Route или remote target.
func (d *Dialog) NextRequestTarget() *message.URI {
	if len(d.routes) > 0 {
		if na, err := message.ParseNameAddr(d.routes[0]); err == nil {
			return na.URI
		}
	}
	return d.remoteTarget
}

// NewRequest строит запрос внутри диалога. Локальный CSeq строго возрастает.
func (d *Dialog) NewRequest(method string) (*message.Request, error) {
	if d.State() == StateTerminated {
		return nil, ErrTerminated
	}
	d.localSeq++
	if method == message.MethodInvite {
		d.inviteSeq = d.localSeq
	}
	return d.build(method, d.localSeq)
}

// NextSeq резервирует следующий локальный CSeq, например для повтора запроса
// с авторизацией
func (d *Dialog) NextSeq() uint32 {
	d.localSeq++
	return d.localSeq
}

// NewAck строит ACK на 2xx для INVITE с номером cseq (новый branch, тот же номер CSeq)
func (d *Dialog) NewAck(cseq uint32) (*message.Request, error) {
	return d.build(message.MethodAck, cseq)
}

func (d *Dialog) build(method string, seq uint32) (*message.Request, error) {
	via := d.via
	via.Params = message.Params{{Name: "branch", Value: message.NewBranch()}}
	b := message.NewRequest(method, d.remoteTarget.Clone()).
		Via(&via).
		From(d.local).
		To(d.remote).
		CallID(d.id.CallID).
		CSeq(seq)
	if d.contact != nil && method != message.MethodAck {
		b.Contact(d.contact)
	}
	for _, r := range d.routes {
		b.Route(r)
	}
	return b.Build()
}

// ReceiveRequest проверяет порядок удаленного CSeq и обновляет remote target.
// ACK и CANCEL не проверяются: они повторяют номер INVITE.
func (d *Dialog) ReceiveRequest(req *message.Request) error {
	if req.Method == message.MethodAck || req.Method == message.MethodCancel {
		return nil
	}
	cseq, err := req.Headers.CSeq()
	if err != nil {
		return err
	}
	if d.remoteSeq != 0 && cseq.Seq < d.remoteSeq {
		return fmt.Errorf("%w: got %d, last %d", ErrCSeqOutOfOrder, cseq.Seq, d.remoteSeq)
	}
	d.remoteSeq = cseq.Seq
	if isTargetRefresh(req.Method) {
		d.updateTarget(req.Headers)
	}
	return nil
}

// ReceiveResponse обновляет диалог UAC по ответу на запрос внутри него
func (d *Dialog) ReceiveResponse(res *message.Response) error {
	cseq, err := res.Headers.CSeq()
	if err != nil {
		return err
	}
	if res.IsSuccess() && isTargetRefresh(cseq.Method) {
		d.updateTarget(res.Headers)
	}
	if cseq.Method == message.MethodInvite && res.IsSuccess() && d.State() == StateEarly {
		// route set пересчитывается по 2xx
		if d.role == RoleUAC {
			d.routes = reverse(recordRoutes(res.Headers))
		}
		return d.Confirm()
	}
	return nil
}

func (d *Dialog) updateTarget(h *message.Headers) {
	contacts, err := h.Contacts()
	if err != nil || len(contacts) == 0 || contacts[0].URI == nil {
		return
	}
	d.remoteTarget = contacts[0].URI.Clone()
}

func isTargetRefresh(method string) bool {
	switch method {
	case message.MethodInvite, message.MethodUpdate, message.MethodSubscribe,
		message.MethodNotify, message.MethodRefer:
		return true
	}
	return false
}

func recordRoutes(h *message.Headers) []string {
	var out []string
	for _, v := range h.GetAll("Record-Route") {
		for _, elem := range message.SplitList(v) {
			out = append(out, strings.TrimSpace(elem))
		}
	}
	return out
}

func reverse(s []string) []string {
	slices.Reverse(s)
	return s
}
