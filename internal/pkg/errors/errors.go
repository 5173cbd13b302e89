package errors

import (
	"errors"
	"fmt"
)

// Общие ошибки приложения
var (
	// ErrNotFound используется, когда запись или ресурс не найдены.
	ErrNotFound = errors.New("record not found")

	// ErrUnauthorized используется для ошибок авторизации (неверный токен, нет прав).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden используется, когда у пользователя недостаточно прав для действия.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation используется для ошибок валидации входных данных.
	ErrValidation = errors.New("validation failed")

	// ErrConflict используется для конфликтов состояния (например, изменение опубликованной оценки).
	ErrConflict = errors.New("resource state conflict")

	// ErrUnavailable используется, когда внешний сервис недоступен.
	ErrUnavailable = errors.New("service unavailable")
)

// Ошибки движка оценивания. Каждая оборачивает общий класс,
// чтобы errors.Is(err, ErrConflict) работал при маппинге в HTTP-статусы.
var (
	// ErrAttemptClosed: попытка изменить уже отправленную попытку. Никогда не ретраится.
	ErrAttemptClosed = fmt.Errorf("attempt is already submitted: %w", ErrConflict)

	// ErrTimeExpired: лимит времени истек, попытка финализирована автоматически.
	ErrTimeExpired = fmt.Errorf("attempt time limit expired: %w", ErrConflict)

	// ErrAlreadyStarted: у кандидата уже есть активная попытка, а пересдачи запрещены.
	ErrAlreadyStarted = fmt.Errorf("attempt already started for this candidate: %w", ErrConflict)

	// ErrInvalidManualGrade: баллы вне диапазона [0, question.points].
	ErrInvalidManualGrade = fmt.Errorf("manual grade is out of range: %w", ErrValidation)

	// ErrSandboxUnavailable: ни один из бэкендов песочницы не ответил.
	ErrSandboxUnavailable = fmt.Errorf("sandbox unavailable: %w", ErrUnavailable)

	// ErrNotStarted: действие требует начатой попытки.
	ErrNotStarted = fmt.Errorf("attempt is not started: %w", ErrConflict)
)
