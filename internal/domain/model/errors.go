package model

// TransitionError — ошибка недопустимого перехода состояния
// записи или транзакции.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, TRANSACTION_CLOSED)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return e.Message
}
