package dialog

import (
	"log/slog"

	"github.com/arzzra/vphone/pkg/sip/message"
)

// Manager реестр диалогов endpoint'а по трем полям ID
type Manager struct {
	dialogs map[ID]*Dialog
	log     *slog.Logger
}

// NewManager создает пустой реестр
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialogs: make(map[ID]*Dialog),
		log:     logger.With(slog.String("component", "dialog")),
	}
}

// Add регистрирует диалог; диалог удаляется из реестра при переходе в terminated
func (m *Manager) Add(d *Dialog) {
	m.dialogs[d.id] = d
	prev := d.onStateChange
	d.OnStateChange(func(from, to State) {
		m.log.Debug("dialog state changed",
			slog.String("dialog", d.id.String()),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		if to == StateTerminated {
			m.Remove(d.id)
		}
		if prev != nil {
			prev(from, to)
		}
	})
}

// Get ищет диалог по ID
func (m *Manager) Get(id ID) (*Dialog, bool) {
	d, ok := m.dialogs[id]
	return d, ok
}

// Remove удаляет диалог из реестра
func (m *Manager) Remove(id ID) {
	delete(m.dialogs, id)
}

// Len возвращает число диалогов
func (m *Manager) Len() int { return len(m.dialogs) }

// All возвращает все диалоги
func (m *Manager) All() []*Dialog {
	out := make([]*Dialog, 0, len(m.dialogs))
	for _, d := range m.dialogs {
		out = append(out, d)
	}
	return out
}

// MatchRequest ищет диалог для входящего запроса: локальный тег в To,
// удаленный в From. Запрос без To-tag не относится к диалогу, для него
// возвращается nil без ошибки.
func (m *Manager) MatchRequest(req *message.Request) (*Dialog, error) {
	toTag := req.Headers.ToTag()
	if toTag == "" {
		return nil, nil
	}
	id := ID{CallID: req.Headers.CallID(), LocalTag: toTag, RemoteTag: req.Headers.FromTag()}
	if d, ok := m.dialogs[id]; ok {
		return d, nil
	}
	return nil, ErrDialogNotFound
}

// MatchResponse ищет диалог UAC для ответа: локальный тег в From, удаленный в To
func (m *Manager) MatchResponse(res *message.Response) (*Dialog, bool) {
	id := ID{CallID: res.Headers.CallID(), LocalTag: res.Headers.FromTag(), RemoteTag: res.Headers.ToTag()}
	d, ok := m.dialogs[id]
	return d, ok
}
