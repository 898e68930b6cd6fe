package logger

import (
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/jobs"
)

const (
	// FieldProvider is the structured log field key for the AI provider name.
	FieldProvider = "ai_provider"
	// FieldModel is the structured log field key for the AI model identifier.
	FieldModel = "ai_model"
)

// WithCommonFields tags every entry of the returned logger with the AI provider
// and model. Blank values are left out. A nil logger becomes a no-op one.
func WithCommonFields(logger *zap.Logger, provider, model string) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	var fields []zap.Field
	if provider = strings.TrimSpace(provider); provider != "" {
		fields = append(fields, zap.String(FieldProvider, provider))
	}
	if model = strings.TrimSpace(model); model != "" {
		fields = append(fields, zap.String(FieldModel, model))
	}
	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// StageField renders the attempted/succeeded/failed tally of one pipeline stage
// as a nested object under the stage name.
func StageField(stage string, count jobs.StageCount) zap.Field {
	return zap.Dict(stage,
		zap.Int("attempted", count.Attempted),
		zap.Int("succeeded", count.Succeeded),
		zap.Int("failed", count.Failed),
	)
}
