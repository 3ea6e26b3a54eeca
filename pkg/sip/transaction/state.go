package transaction

// State состояние транзакции
type State int

const (
	// Состояния клиентских транзакций
	StateCalling State = iota
	StateTrying
	StateProceeding
	StateCompleted
	// Только для серверной INVITE транзакции
	StateConfirmed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "Calling"
	case StateTrying:
		return "Trying"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}
