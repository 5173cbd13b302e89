package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// ReviewNotifier сообщает ревьюерам, что попытка ждет ручной оценки
type ReviewNotifier interface {
	NotifyPendingReview(ctx context.Context, attempt *entity.Attempt, def *entity.AssessmentDefinition) error
}

// NoopReviewNotifier используется, когда почта не настроена
type NoopReviewNotifier struct{}

// NotifyPendingReview только пишет в лог
func (s *NoopReviewNotifier) NotifyPendingReview(ctx context.Context, attempt *entity.Attempt, def *entity.AssessmentDefinition) error {
	logger.Debug(ctx, "[EmailService] noop pending review notification",
		zap.String("attempt_id", attempt.ID.String()), zap.Uint("assessment_id", def.ID))
	return nil
}

// ResendReviewNotifier отправляет письма через Resend REST API
type ResendReviewNotifier struct {
	from          string
	to            string
	reviewBaseURL string
	client        *resend.Client
}

// NewResendReviewNotifier создает отправителя уведомлений
func NewResendReviewNotifier(apiKey, from, to, reviewBaseURL string) (*ResendReviewNotifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("resend api key is required")
	}
	if from == "" || to == "" {
		return nil, fmt.Errorf("email from and reviewer address are required")
	}
	return &ResendReviewNotifier{
		from:          from,
		to:            to,
		reviewBaseURL: strings.TrimRight(reviewBaseURL, "/"),
		client:        resend.NewClient(apiKey),
	}, nil
}

// NotifyPendingReview отправляет письмо ревьюеру. Ключ идемпотентности, id попытки,
// поэтому повтор события не дублирует письмо.
func (s *ResendReviewNotifier) NotifyPendingReview(ctx context.Context, attempt *entity.Attempt, def *entity.AssessmentDefinition) error {
	link := attempt.ID.String()
	if s.reviewBaseURL != "" {
		link = fmt.Sprintf("%s/attempts/%s", s.reviewBaseURL, attempt.ID)
	}
	title := html.EscapeString(def.Title)

	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{s.to},
		Subject: fmt.Sprintf("Manual grading required: %s", def.Title),
		Text: fmt.Sprintf("Candidate %s submitted \"%s\". Some answers need manual grading: %s",
			attempt.CandidateRef, def.Title, link),
		Html: fmt.Sprintf("<p>Candidate <strong>%s</strong> submitted <strong>%s</strong>.</p><p>Some answers need manual grading: <a href=\"%s\">open attempt</a></p>",
			html.EscapeString(attempt.CandidateRef), title, html.EscapeString(link)),
	}
	options := &resend.SendEmailOptions{IdempotencyKey: "pending-review-" + attempt.ID.String()}

	var lastErr error
	for try := 0; try < 3; try++ {
		_, err := s.client.Emails.SendWithOptions(ctx, params, options)
		if err == nil {
			return nil
		}
		lastErr = err

		if wait, ok := resendRetryDelay(err, try); ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}

		return fmt.Errorf("resend send failed: %w", err)
	}

	return fmt.Errorf("resend send failed after retries: %w", lastErr)
}

func resendRetryDelay(err error, try int) (time.Duration, bool) {
	var rateLimitErr *resend.RateLimitError
	if errors.As(err, &rateLimitErr) {
		if seconds, convErr := strconv.Atoi(strings.TrimSpace(rateLimitErr.RetryAfter)); convErr == nil && seconds > 0 {
			if seconds > 30 {
				seconds = 30
			}
			return time.Duration(seconds) * time.Second, true
		}
		return time.Duration(try+1) * time.Second, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return time.Duration(try+1) * 500 * time.Millisecond, true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "temporar") {
		return time.Duration(try+1) * 500 * time.Millisecond, true
	}

	return 0, false
}
