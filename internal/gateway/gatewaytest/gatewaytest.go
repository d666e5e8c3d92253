// Package gatewaytest provides a scripted chat-completion endpoint for tests.
package gatewaytest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"planforge/internal/prompts"
)

// Fragments are valid model answers for each step of "Learn guitar basics".
var Fragments = map[string]string{
	prompts.AnalyzeComplexity: `{"summary":"Learn to play basic guitar chords and songs.","category":"learning","complexity":"moderate"}`,
	prompts.GenerateSteps: "```json\n" + `{"actionSteps":[
		{"stepNumber":1,"title":"Get a guitar","description":"Buy or borrow an acoustic guitar and a tuner.","estimatedTime":"2 days","dependencies":[]},
		{"stepNumber":2,"title":"Learn open chords","description":"Practice C, G, D, E minor and A minor daily.","estimatedTime":"1 week","dependencies":["Get a guitar"]},
		{"stepNumber":3,"title":"Practice strumming","description":"Work through common strumming patterns with a metronome.","estimatedTime":"1 week","dependencies":["Learn open chords"]},
		{"stepNumber":4,"title":"Play a full song","description":"Pick a four-chord song and play it start to finish.","estimatedTime":"1 week","dependencies":["Practice strumming"]}
	],"totalEstimatedTime":"3-4 weeks"}` + "\n```",
	prompts.IdentifyRisks: `{"risks":[
		{"id":"r1","title":"Sore fingertips","severity":"low","mitigation":"Keep sessions short until calluses form."},
		{"id":"r2","title":"Losing motivation","severity":"medium","mitigation":"Schedule practice and track progress weekly."}
	]}`,
	prompts.DetermineNextAction: `{"action":"Borrow or buy a guitar and tune it","reasoning":"Every later step needs an instrument.","timeframe":"Within 24 hours"}`,
}

// StepOf identifies the pipeline step from its system prompt, using the
// fragment schema embedded in it.
func StepOf(system string) string {
	switch {
	case strings.Contains(system, `"actionSteps"`):
		return prompts.GenerateSteps
	case strings.Contains(system, `"risks"`):
		return prompts.IdentifyRisks
	case strings.Contains(system, `"timeframe"`):
		return prompts.DetermineNextAction
	case strings.Contains(system, `"complexity"`):
		return prompts.AnalyzeComplexity
	default:
		return ""
	}
}

// Reply is one scripted answer. A zero Status means 200.
type Reply struct {
	Status  int
	Content string
}

// Script decides the reply for the attempt-th call (1-based) of step.
type Script func(step string, attempt int) Reply

// Valid answers every step with its fragment.
func Valid() Script {
	return func(step string, _ int) Reply {
		return Reply{Content: Fragments[step]}
	}
}

// FailStep answers status on every call for step and valid fragments elsewhere.
func FailStep(failing string, status int) Script {
	return func(step string, attempt int) Reply {
		if step == failing {
			return Reply{Status: status}
		}
		return Valid()(step, attempt)
	}
}

// Server is an httptest server speaking the chat-completion wire format.
type Server struct {
	*httptest.Server
	mu     sync.Mutex
	script Script
	calls  map[string]int
	order  []string
}

// New starts a server that is closed when t finishes.
func New(t testing.TB, script Script) *Server {
	s := &Server{script: script, calls: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	data, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(data, &req); err != nil || len(req.Messages) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	step := StepOf(req.Messages[0].Content)

	s.mu.Lock()
	s.calls[step]++
	attempt := s.calls[step]
	s.order = append(s.order, step)
	s.mu.Unlock()

	reply := s.script(step, attempt)
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status != http.StatusOK {
		_, _ = w.Write([]byte(`{"error":{"message":"scripted failure"}}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": reply.Content},
			"finish_reason": "stop",
		}},
	})
}

// Calls returns how many requests step received.
func (s *Server) Calls(step string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[step]
}

// Total returns the number of requests received.
func (s *Server) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Order returns the step of every request in arrival order.
func (s *Server) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
