package grading

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
	"github.com/hireflux/assessment-engine/internal/sandbox"
)

// maxSourceBytes: предел размера кода кандидата
const maxSourceBytes = 64 << 10

// ValidatePayload проверяет, что ответ по форме подходит к вопросу.
// Ошибки оборачивают ErrValidation.
func ValidatePayload(q *entity.Question, p entity.ResponsePayload) error {
	switch q.Kind {
	case entity.QuestionMCQSingle, entity.QuestionMCQMultiple:
		if p.Code != nil || p.File != nil || p.Text != "" {
			return invalid("multiple-choice response accepts only selected_option_ids")
		}
		if q.Kind == entity.QuestionMCQSingle && len(p.SelectedOptionIDs) > 1 {
			return invalid("single-choice question accepts one option")
		}
		seen := make(map[string]struct{}, len(p.SelectedOptionIDs))
		for _, id := range p.SelectedOptionIDs {
			if !q.HasOption(id) {
				return invalid(fmt.Sprintf("unknown option %q", id))
			}
			if _, dup := seen[id]; dup {
				return invalid(fmt.Sprintf("option %q selected twice", id))
			}
			seen[id] = struct{}{}
		}
	case entity.QuestionCoding:
		if p.Code == nil {
			return invalid("coding response requires code")
		}
		if len(p.Code.Source) > maxSourceBytes {
			return invalid("source code is too large")
		}
		if p.Code.Language != "" && q.Payload.Coding != nil &&
			sandbox.NormalizeLanguage(p.Code.Language) != sandbox.NormalizeLanguage(q.Payload.Coding.Language) {
			return invalid(fmt.Sprintf("question expects %s code", q.Payload.Coding.Language))
		}
	case entity.QuestionText:
		if p.File != nil || p.Code != nil || len(p.SelectedOptionIDs) > 0 {
			return invalid("text response accepts only text")
		}
		if m := q.Payload.Manual; m != nil && m.MaxLength > 0 && utf8.RuneCountInString(p.Text) > m.MaxLength {
			return invalid(fmt.Sprintf("text exceeds %d characters", m.MaxLength))
		}
	case entity.QuestionFileUpload:
		if p.File == nil || p.File.Key == "" {
			return invalid("file response requires a file reference")
		}
		if m := q.Payload.Manual; m != nil {
			if m.MaxFileSizeMB > 0 && p.File.SizeBytes > int64(m.MaxFileSizeMB)<<20 {
				return invalid(fmt.Sprintf("file exceeds %d MB", m.MaxFileSizeMB))
			}
			if len(m.AllowedFileTypes) > 0 && !allowedType(p.File, m.AllowedFileTypes) {
				return invalid("file type is not allowed")
			}
		}
	default:
		return invalid(fmt.Sprintf("unknown question kind %q", q.Kind))
	}
	return nil
}

func allowedType(f *entity.FileRef, allowed []string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(f.Name)), ".")
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimPrefix(a, "."))
		if a == ext || (f.ContentType != "" && a == strings.ToLower(f.ContentType)) {
			return true
		}
	}
	return false
}

func invalid(msg string) error {
	return fmt.Errorf("%s: %w", msg, apperrors.ErrValidation)
}
