package websocket

// События, которые сервер отправляет в комнату попытки
const (
	// TIME_WARNING сообщает, что до конца лимита осталось мало времени
	TIME_WARNING = "attempt:time_warning"

	// ATTEMPT_FINALIZED сообщает о финализации попытки (любой путь)
	ATTEMPT_FINALIZED = "attempt:finalized"

	// ATTEMPT_REGRADED сообщает о пересчете итога после ручной оценки
	ATTEMPT_REGRADED = "attempt:regraded"
)

// Сообщения, которые присылает клиент
const (
	// HEARTBEAT: клиент жив, ответом служит attempt:state
	HEARTBEAT = "attempt:heartbeat"

	// TAB_SWITCH: сигнал анти-чита о переключении вкладки
	TAB_SWITCH = "attempt:tab_switch"

	// ATTEMPT_STATE: ответ сервера на heartbeat: оставшееся время и статус
	ATTEMPT_STATE = "attempt:state"

	// SERVER_ERROR: ошибка обработки сообщения клиента
	SERVER_ERROR = "server:error"
)
