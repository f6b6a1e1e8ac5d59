package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"github.com/lumenchat/relay/internal/contextwindow"
	log "github.com/lumenchat/relay/internal/logging"
	"github.com/lumenchat/relay/internal/router"
	"github.com/lumenchat/relay/internal/upstream"
	"github.com/lumenchat/relay/internal/usage"
)

// chatRequest is the public chat payload.
type chatRequest struct {
	System   string        `json:"system"`
	Messages []chatMessage `json:"messages"`
	Stream   *bool         `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamFrame is one SSE data payload.
type streamFrame struct {
	Delta     string          `json:"delta,omitempty"`
	Done      bool            `json:"done,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Model     string          `json:"model,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Usage     *upstream.Usage `json:"usage,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request", "message": err.Error()}})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request", "message": "messages must not be empty"}})
		return
	}

	routeReq := router.ChatRequest{System: req.System}
	for _, m := range req.Messages {
		routeReq.History = append(routeReq.History, &contextwindow.Message{Role: m.Role, Content: m.Content})
	}

	if req.Stream != nil && !*req.Stream {
		s.chatOnce(c, routeReq)
		return
	}
	s.chatStream(c, routeReq)
}

// chatStream serves the request over SSE. Headers are committed lazily on
// the first chunk so routing failures that precede any output can still use
// proper HTTP status codes.
func (s *Server) chatStream(c *gin.Context, req router.ChatRequest) {
	started := false
	flusher, _ := c.Writer.(http.Flusher)

	writeFrame := func(f streamFrame) {
		if !started {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Status(http.StatusOK)
			started = true
		}
		payload, err := sonic.Marshal(f)
		if err != nil {
			return
		}
		_, _ = c.Writer.Write([]byte("data: "))
		_, _ = c.Writer.Write(payload)
		_, _ = c.Writer.Write([]byte("\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}

	res, err := s.router.Route(c.Request.Context(), req, func(text string) {
		writeFrame(streamFrame{Delta: text})
	})
	if err != nil {
		if started {
			writeFrame(streamFrame{Done: true, Error: errorType(err)})
			return
		}
		s.writeRoutingError(c, err)
		return
	}

	s.record(res)
	final := streamFrame{
		Done:      true,
		Provider:  res.Provider,
		Model:     res.Model,
		Truncated: res.Truncated,
		Usage:     res.Usage,
	}
	if res.Err != nil {
		final.Error = errorType(res.Err)
	}
	writeFrame(final)
}

// chatOnce serves the non-streamed variant: route to completion, answer with
// one JSON document.
func (s *Server) chatOnce(c *gin.Context, req router.ChatRequest) {
	res, err := s.router.Route(c.Request.Context(), req, nil)
	if err != nil {
		s.writeRoutingError(c, err)
		return
	}
	s.record(res)

	body := gin.H{
		"text":      res.Text,
		"provider":  res.Provider,
		"model":     res.Model,
		"truncated": res.Truncated,
	}
	if res.Usage != nil {
		body["usage"] = res.Usage
	}
	if res.Err != nil {
		body["error"] = gin.H{"type": errorType(res.Err), "message": res.Err.Error()}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) writeRoutingError(c *gin.Context, err error) {
	var terminal *router.NoProviderAvailableError
	switch {
	case errors.As(err, &terminal):
		if terminal.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(terminal.RetryAfter.Seconds()+0.5)))
		}
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{"type": "no_provider_available", "message": err.Error()},
		})
	case errors.Is(err, contextwindow.ErrContextTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": gin.H{"type": "context_too_large", "message": "message exceeds every provider's context budget"},
		})
	case errors.Is(err, c.Request.Context().Err()):
		// Client went away; nothing useful to write.
	default:
		log.Errorf("api: routing failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"type": "internal_error", "message": "routing failed"},
		})
	}
}

func errorType(err error) string {
	switch upstream.Classify(err) {
	case upstream.OutcomeRateLimited:
		return "rate_limited"
	case upstream.OutcomeAuthError:
		return "auth_error"
	case upstream.OutcomeTimeout:
		return "timeout"
	default:
		return "upstream_error"
	}
}

// record feeds counters and the persistence backend from a routed result.
func (s *Server) record(res *router.Result) {
	var tokens int64
	rec := usage.DispatchRecord{
		Provider:     res.Provider,
		CredentialID: res.CredentialID,
		Model:        res.Model,
		RequestedAt:  time.Now().UTC(),
		Outcome:      string(upstream.OutcomeSuccess),
		Failed:       res.Err != nil,
		Attempts:     len(res.Attempts),
		InputTokens:  0,
		OutputTokens: 0,
	}
	if len(res.Attempts) > 0 {
		last := res.Attempts[len(res.Attempts)-1]
		rec.Outcome = string(last.Outcome)
		rec.RequestedAt = last.StartedAt
		rec.LatencyMs = last.LatencyMs
	}
	if res.Usage != nil {
		rec.InputTokens = int64(res.Usage.InputTokens)
		rec.OutputTokens = int64(res.Usage.OutputTokens)
		rec.TotalTokens = int64(res.Usage.TotalTokens)
		tokens = rec.TotalTokens
	}
	s.counters.Record(res.Err != nil, tokens)
	if s.backend != nil {
		s.backend.Enqueue(rec)
	}
}
