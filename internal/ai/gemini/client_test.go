package gemini

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const testModel = "gemini-2.5-flash"

type scriptedReply struct {
	resp *genai.GenerateContentResponse
	err  error
}

// scriptedChats hands out one chat per attempt, each answering with the next
// scripted reply.
type scriptedChats struct {
	mu      sync.Mutex
	replies []scriptedReply
	configs []*genai.GenerateContentConfig
	sent    [][]string
}

type scriptedChat struct {
	owner *scriptedChats
	index int
	reply scriptedReply
}

func (c *scriptedChat) SendMessage(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	for _, p := range parts {
		c.owner.sent[c.index] = append(c.owner.sent[c.index], p.Text)
	}
	return c.reply.resp, c.reply.err
}

func (s *scriptedChats) Create(_ context.Context, model string, config *genai.GenerateContentConfig, _ []*genai.Content) (chatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model != testModel {
		return nil, errors.New("unexpected model " + model)
	}
	if len(s.replies) == 0 {
		return nil, errors.New("no scripted reply left")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	s.configs = append(s.configs, config)
	s.sent = append(s.sent, nil)
	return &scriptedChat{owner: s, index: len(s.sent) - 1, reply: reply}, nil
}

func (s *scriptedChats) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.configs)
}

func reply(text string) scriptedReply {
	return scriptedReply{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}}
}

func failure(code int, status, message string) scriptedReply {
	return scriptedReply{err: genai.APIError{Code: code, Status: status, Message: message}}
}

func newTestGenerator(t *testing.T, retries int, replies ...scriptedReply) (*Generator, *scriptedChats, *[]time.Duration) {
	t.Helper()

	var delays []time.Duration
	original := sleep
	sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	t.Cleanup(func() { sleep = original })

	chats := &scriptedChats{replies: replies}
	return &Generator{chats: chats, model: testModel, maxRetries: retries, logger: zap.NewNop()}, chats, &delays
}

func TestGeneratorRequestsJSON(t *testing.T) {
	g, chats, _ := newTestGenerator(t, 3, reply(`{"score": 81, "rationale": "fits"}`))

	out, err := g.GenerateContent(context.Background(), "You rate jobs.", "Job: Go backend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"score": 81, "rationale": "fits"}` {
		t.Fatalf("unexpected output: %q", out)
	}

	cfg := chats.configs[0]
	if cfg.ResponseMIMEType != "application/json" {
		t.Fatalf("expected json responses, got %q", cfg.ResponseMIMEType)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "You rate jobs." {
		t.Fatalf("unexpected system instruction: %+v", cfg.SystemInstruction)
	}
	if len(chats.sent[0]) != 1 || chats.sent[0][0] != "Job: Go backend" {
		t.Fatalf("unexpected message: %v", chats.sent[0])
	}
}

func TestGeneratorRetriesServerErrors(t *testing.T) {
	g, chats, delays := newTestGenerator(t, 3,
		failure(http.StatusInternalServerError, "INTERNAL", ""),
		failure(http.StatusServiceUnavailable, "UNAVAILABLE", ""),
		reply(`{"score": 50}`),
	)

	if _, err := g.GenerateContent(context.Background(), "", "Job: retry me"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chats.attempts() != 3 || len(*delays) != 2 {
		t.Fatalf("expected 3 attempts and 2 waits, got %d and %v", chats.attempts(), *delays)
	}
}

func TestGeneratorGivesUpAfterMaxRetries(t *testing.T) {
	g, chats, _ := newTestGenerator(t, 2,
		failure(http.StatusInternalServerError, "INTERNAL", ""),
		failure(http.StatusInternalServerError, "INTERNAL", ""),
		reply("never reached"),
	)

	_, err := g.GenerateContent(context.Background(), "", "Job: flaky")
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected the last api error, got %v", err)
	}
	if chats.attempts() != 2 {
		t.Fatalf("expected 2 attempts, got %d", chats.attempts())
	}
}

func TestGeneratorQuotaDelays(t *testing.T) {
	t.Run("short server delay is honoured", func(t *testing.T) {
		quota := scriptedReply{err: genai.APIError{
			Code:    http.StatusTooManyRequests,
			Status:  "RESOURCE_EXHAUSTED",
			Details: []map[string]any{{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "7s"}},
		}}
		g, chats, delays := newTestGenerator(t, 3, quota, reply("{}"))

		if _, err := g.GenerateContent(context.Background(), "", "Job: quota"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(*delays) != 1 || (*delays)[0] != 7*time.Second {
			t.Fatalf("expected a 7s wait, got %v", *delays)
		}
		if chats.configs[0].SystemInstruction != nil {
			t.Fatalf("empty system prompt must not be sent")
		}
	})

	t.Run("long delay fails fast", func(t *testing.T) {
		g, chats, delays := newTestGenerator(t, 3,
			failure(http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "quota exhausted, retry after 60 seconds"),
			reply("never reached"),
		)

		if _, err := g.GenerateContent(context.Background(), "", "Job: quota"); err == nil {
			t.Fatal("expected error when quota delay too long")
		}
		if chats.attempts() != 1 || len(*delays) != 0 {
			t.Fatalf("expected a single attempt without waiting, got %d and %v", chats.attempts(), *delays)
		}
	})
}

func TestGeneratorDoesNotRetryClientErrors(t *testing.T) {
	g, chats, _ := newTestGenerator(t, 3, failure(http.StatusBadRequest, "INVALID_ARGUMENT", "bad prompt"), reply("{}"))

	if _, err := g.GenerateContent(context.Background(), "", "Job: invalid"); err == nil {
		t.Fatal("expected error")
	}
	if chats.attempts() != 1 {
		t.Fatalf("expected single attempt, got %d", chats.attempts())
	}
}

func TestGeneratorRejectsEmptyPrompt(t *testing.T) {
	g, chats, _ := newTestGenerator(t, 3, reply("{}"))

	if _, err := g.GenerateContent(context.Background(), "system", "   "); err == nil {
		t.Fatal("expected error for empty prompt")
	}
	if chats.attempts() != 0 {
		t.Fatalf("empty prompts must not reach the api")
	}
}

func TestQuotaDelayFromMessage(t *testing.T) {
	d := quotaDelay(genai.APIError{Message: "Resource exhausted. Please retry in 12.5s."})
	if d != 12500*time.Millisecond {
		t.Fatalf("unexpected delay %v", d)
	}
}
