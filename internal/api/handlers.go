package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/command"
	"github.com/quantpilot/quantpilot/internal/store"
)

const maxCommandLength = 5000

type commandBody struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id"`
	ConfirmationID string `json:"confirmation_id"`
	NewsEnabled    *bool  `json:"news_enabled"`
}

type commandReply struct {
	RequestID string `json:"request_id"`
	*command.Response
}

// handleCommand is the chat entry point. The dispatcher owns all business
// outcomes; this handler only validates the envelope.
func (s *Server) handleCommand(c *gin.Context) {
	var body commandBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body", "request_id": c.GetString("request_id")})
		return
	}

	text := stripControl(body.Text)
	if strings.TrimSpace(text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required", "request_id": c.GetString("request_id")})
		return
	}
	if len(text) > maxCommandLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "text exceeds the 5000 character limit",
			"request_id": c.GetString("request_id"),
		})
		return
	}
	if body.TenantID == "" {
		body.TenantID = "default"
	}
	if body.ConversationID == "" {
		body.ConversationID = body.TenantID
	}

	resp := s.dispatcher.Handle(c.Request.Context(), command.Request{
		TenantID:       body.TenantID,
		ConversationID: body.ConversationID,
		Text:           text,
		ConfirmationID: body.ConfirmationID,
		NewsEnabled:    body.NewsEnabled,
		RequestID:      c.GetString("request_id"),
	})

	status := resp.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	c.JSON(status, commandReply{RequestID: c.GetString("request_id"), Response: resp})
}

// stripControl drops control bytes the venue rejects, keeping newlines and
// tabs.
func stripControl(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "quantpilot",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     "quantpilot",
		"version":     s.cfg.Version,
		"environment": s.cfg.Environment,
		"uptime_sec":  int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleRuns(c *gin.Context) {
	tenantID := c.DefaultQuery("tenant_id", "default")
	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	runs, err := s.store.ListRuns(c.Request.Context(), tenantID, limit, offset)
	if err != nil {
		serverError(c, err, "run listing failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "limit": limit, "offset": offset})
}

func (s *Server) handleRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		serverError(c, err, "run load failed")
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handlePendingTickets(c *gin.Context) {
	tickets, err := s.store.ListPendingTickets(c.Request.Context())
	if err != nil {
		serverError(c, err, "ticket listing failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

func (s *Server) handleTicket(c *gin.Context) {
	ticket, err := s.store.GetTicket(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrTicketNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
		return
	}
	if err != nil {
		serverError(c, err, "ticket load failed")
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (s *Server) handleTicketByRun(c *gin.Context) {
	ticket, err := s.store.GetTicketByRun(c.Request.Context(), c.Param("run_id"))
	if errors.Is(err, store.ErrTicketNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
		return
	}
	if err != nil {
		serverError(c, err, "ticket load failed")
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// handleTicketReceipt attaches the broker's execution receipt to an open
// ticket and settles it.
func (s *Server) handleTicketReceipt(c *gin.Context) {
	receipt, err := io.ReadAll(io.LimitReader(c.Request.Body, 64*1024))
	if err != nil || len(receipt) == 0 || !json.Valid(receipt) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receipt must be a JSON body"})
		return
	}

	applied, err := s.store.ApplyTicketReceipt(c.Request.Context(), c.Param("id"), receipt)
	if err != nil {
		serverError(c, err, "receipt apply failed")
		return
	}
	if !applied {
		c.JSON(http.StatusConflict, gin.H{"error": "ticket is not open"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "FILLED"})
}

func (s *Server) handleTicketCancel(c *gin.Context) {
	cancelled, err := s.store.CancelTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		serverError(c, err, "ticket cancel failed")
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "ticket is not open"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "CANCELLED"})
}

func (s *Server) handleEvalRun(c *gin.Context) {
	summary, err := s.evals.SummarizeRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		serverError(c, err, "eval summary failed")
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleEvalRunDetails(c *gin.Context) {
	rows, err := s.store.ListEvalResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		serverError(c, err, "eval rows load failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("id"), "results": rows})
}

func (s *Server) handleEvalExplain(c *gin.Context) {
	explained, err := s.evals.ExplainRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		serverError(c, err, "eval explanation failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("id"), "explained": explained})
}

func (s *Server) handleEvalSummary(c *gin.Context) {
	window := c.DefaultQuery("window", "24h")
	dash, err := s.evals.BuildDashboard(c.Request.Context(), window)
	if err != nil {
		if strings.Contains(err.Error(), "unsupported window") {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		serverError(c, err, "dashboard build failed")
		return
	}
	c.JSON(http.StatusOK, dash)
}

// handleEvalConversation grades every run a conversation's confirmations
// spawned, newest first.
func (s *Server) handleEvalConversation(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	runIDs, err := s.store.RunIDsForConversation(c.Request.Context(), conversationID)
	if err != nil {
		serverError(c, err, "conversation run lookup failed")
		return
	}
	summaries := make([]any, 0, len(runIDs))
	for _, runID := range runIDs {
		summary, err := s.evals.SummarizeRun(c.Request.Context(), runID)
		if err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("Run summary failed")
			continue
		}
		summaries = append(summaries, summary)
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID, "runs": summaries})
}

func (s *Server) handleEvalDefinitions(c *gin.Context) {
	defs := s.evals.Definitions()
	out := make([]gin.H, 0, len(defs))
	for _, def := range defs {
		out = append(out, gin.H{
			"name":           def.Name,
			"category":       def.Category,
			"evaluator_type": def.EvaluatorType,
			"description":    def.Description,
		})
	}
	c.JSON(http.StatusOK, gin.H{"definitions": out, "count": len(out)})
}

func (s *Server) handleEvalDefinition(c *gin.Context) {
	def, ok := s.evals.Definition(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown eval"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":           def.Name,
		"category":       def.Category,
		"evaluator_type": def.EvaluatorType,
		"description":    def.Description,
	})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.DefaultQuery(name, strconv.Itoa(fallback)))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func serverError(c *gin.Context, err error, context string) {
	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(strings.ToUpper(context[:1]) + context[1:])
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "request_id": c.GetString("request_id")})
}
