package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/upwork-harvester/internal/ai"
	"github.com/spigell/upwork-harvester/internal/jobs"
	"github.com/spigell/upwork-harvester/internal/logger"
	"github.com/spigell/upwork-harvester/internal/utils"
)

const defaultMaxLogLength = 200

const responseSchema = `{
  "type": "object",
  "required": ["score", "rationale"],
  "properties": {
    "score": {"type": "number"},
    "rationale": {"type": "string"},
    "matched_keywords": {"type": "array", "items": {"type": "string"}}
  }
}`

type contentGenerator interface {
	GenerateContent(ctx context.Context, system, message string) (string, error)
	Model() string
}

// Scorer rates jobs with Gemini.
type Scorer struct {
	generator contentGenerator
	schema    *jsonschema.Schema
	logger    *zap.Logger
	maxLogLen int
}

func NewScorer(generator contentGenerator, log *zap.Logger, maxLogLength int) (*Scorer, error) {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("score.json", strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("score.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Scorer{
		generator: generator,
		schema:    schema,
		logger:    logger.WithCommonFields(log, "gemini", generator.Model()),
		maxLogLen: maxLogLength,
	}, nil
}

func (s *Scorer) Enabled() bool { return true }

func (s *Scorer) Score(ctx context.Context, job jobs.Record, profile jobs.ProfileSummary, prompt *ai.PromptConfig) (jobs.ScoreResult, error) {
	if prompt == nil {
		prompt = ai.DefaultPromptConfig()
	}

	system, message, err := prompt.Render(job, profile)
	if err != nil {
		return jobs.ScoreResult{}, err
	}

	s.logger.Debug("gemini generate content request",
		zap.String("job_id", job.ID),
		zap.Int("prompt_length", utf8.RuneCountInString(message)),
		zap.String("prompt_preview", utils.Preview(message, s.maxLogLen)),
	)

	raw, err := s.generator.GenerateContent(ctx, system, message)
	if err != nil {
		return jobs.ScoreResult{}, wrapAPIError(err)
	}

	s.logger.Debug("gemini generate content response",
		zap.String("job_id", job.ID),
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.Preview(raw, s.maxLogLen)),
	)

	result, err := s.parseResponse(raw)
	if err != nil {
		return jobs.ScoreResult{}, fmt.Errorf("%w: %v", ai.ErrInvalidResponse, err)
	}
	result.JobID = job.ID

	return result, nil
}

type scoreResponse struct {
	Score           float64  `json:"score"`
	Rationale       string   `json:"rationale"`
	MatchedKeywords []string `json:"matched_keywords"`
}

func (s *Scorer) parseResponse(raw string) (jobs.ScoreResult, error) {
	cleaned := extractJSON(raw)

	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return jobs.ScoreResult{}, fmt.Errorf("parse gemini response: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return jobs.ScoreResult{}, fmt.Errorf("gemini response does not match schema: %w", err)
	}

	var resp scoreResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return jobs.ScoreResult{}, fmt.Errorf("decode gemini response: %w", err)
	}
	if math.IsNaN(resp.Score) || math.IsInf(resp.Score, 0) {
		return jobs.ScoreResult{}, errors.New("score is not a finite number")
	}

	// Keep huge answers inside int range so clamping sees the right sign.
	bounded := math.Max(math.MinInt32, math.Min(math.MaxInt32, resp.Score))

	keywords := make([]string, 0, len(resp.MatchedKeywords))
	for _, k := range resp.MatchedKeywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}

	return jobs.ScoreResult{
		Score:           int(math.Round(bounded)),
		Rationale:       strings.TrimSpace(resp.Rationale),
		MatchedKeywords: keywords,
	}, nil
}

// wrapAPIError tags quota rejections so the batch reports them as such.
func wrapAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) &&
		(apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED") {
		return fmt.Errorf("%w: %w", ai.ErrQuotaExceeded, err)
	}
	return err
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}
