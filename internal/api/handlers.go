package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/config"
	appctx "github.com/lucasnoah/leadflow/internal/context"
	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/orchestrator"
	"github.com/lucasnoah/leadflow/internal/payment"
)

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.Conn().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebhook verifies the provider signature over the raw body before
// anything is decoded.
func (s *Server) handleWebhook(c *gin.Context) {
	const op = "receive webhook"
	body, err := c.GetRawData()
	if err != nil {
		respondErr(c, apperr.Wrap(apperr.KindValidation, op, err))
		return
	}
	tolerance := config.Duration(s.cfg.WebhookTolerance, payment.DefaultTolerance)
	if err := payment.Verify(s.cfg.WebhookSecret, body, c.GetHeader(payment.SignatureHeader), tolerance, s.now()); err != nil {
		s.log.Warn().Err(err).Str("request_id", c.GetString(ctxRequestID)).Msg("webhook rejected")
		respondErr(c, err)
		return
	}
	var env payment.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		respondErr(c, apperr.E(apperr.KindValidation, op, "decoding envelope: %v", err))
		return
	}
	res, err := s.recon.Process(c.Request.Context(), env)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleMessage(c *gin.Context) {
	var msg orchestrator.InboundMessage
	if err := bind(c, "handle message", &msg); err != nil {
		respondErr(c, err)
		return
	}
	res, err := s.orch.HandleInboundMessage(c.Request.Context(), msg)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

type createRunRequest struct {
	BusinessID string        `json:"business_id"`
	AccountID  string        `json:"account_id"`
	CustomerID string        `json:"customer_id"`
	JobID      string        `json:"job_id"`
	LeadText   string        `json:"lead_text"`
	Seed       *appctx.Patch `json:"seed"`
	Drive      bool          `json:"drive"`
}

func (s *Server) handleCreateRun(c *gin.Context) {
	var req createRunRequest
	if err := bind(c, "create run", &req); err != nil {
		respondErr(c, err)
		return
	}
	ctx := c.Request.Context()
	run, err := s.orch.Create(ctx, orchestrator.CreateOpts{
		BusinessID: req.BusinessID,
		AccountID:  req.AccountID,
		CustomerID: req.CustomerID,
		JobID:      req.JobID,
		LeadText:   req.LeadText,
		Seed:       req.Seed,
		Actor:      c.GetString(ctxActor),
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	if !req.Drive {
		c.JSON(http.StatusCreated, NewRunView(run, true))
		return
	}
	steps, err := s.orch.Drive(ctx, run.ID, 0)
	if err != nil {
		respondErr(c, err)
		return
	}
	s.respondAdvance(c, http.StatusCreated, run.ID, steps)
}

func (s *Server) respondAdvance(c *gin.Context, status int, runID string, steps []*orchestrator.StepResult) {
	run, err := s.orch.Status(c.Request.Context(), runID)
	if err != nil {
		respondErr(c, err)
		return
	}
	if steps == nil {
		steps = []*orchestrator.StepResult{}
	}
	c.JSON(status, advanceResponse{Run: NewRunView(run, true), Steps: steps})
}

func (s *Server) handleListRuns(c *gin.Context) {
	f := db.RunFilter{
		BusinessID: c.Query("business_id"),
		Status:     c.Query("status"),
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			respondErr(c, apperr.Validation("list runs", "limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	runs, err := s.orch.List(c.Request.Context(), f)
	if err != nil {
		respondErr(c, err)
		return
	}
	views := make([]RunView, len(runs))
	for i := range runs {
		views[i] = NewRunView(&runs[i], false)
	}
	c.JSON(http.StatusOK, gin.H{"runs": views})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.orch.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, NewRunView(run, true))
}

func (s *Server) handleSteps(c *gin.Context) {
	steps, err := s.orch.Steps(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	views := make([]StepView, len(steps))
	for i, st := range steps {
		views[i] = NewStepView(st)
	}
	c.JSON(http.StatusOK, gin.H{"steps": views})
}

type advanceRequest struct {
	Drive    bool `json:"drive"`
	MaxSteps int  `json:"max_steps"`
}

func (s *Server) handleAdvance(c *gin.Context) {
	var req advanceRequest
	if err := bind(c, "advance run", &req); err != nil {
		respondErr(c, err)
		return
	}
	runID := c.Param("id")
	var steps []*orchestrator.StepResult
	if req.Drive {
		var err error
		if steps, err = s.orch.Drive(c.Request.Context(), runID, req.MaxSteps); err != nil {
			respondErr(c, err)
			return
		}
	} else {
		res, err := s.orch.RunNextStep(c.Request.Context(), runID)
		if err != nil {
			respondErr(c, err)
			return
		}
		steps = append(steps, res)
	}
	s.respondAdvance(c, http.StatusOK, runID, steps)
}

type approveRequest struct {
	Stage    string                `json:"stage"`
	Approval orchestrator.Approval `json:"approval"`
}

func (s *Server) handleApprove(c *gin.Context) {
	var req approveRequest
	if err := bind(c, "approve", &req); err != nil {
		respondErr(c, err)
		return
	}
	res, err := s.orch.Approve(c.Request.Context(), orchestrator.ApproveOpts{
		RunID:    c.Param("id"),
		Stage:    req.Stage,
		Actor:    c.GetString(ctxActor),
		Approval: req.Approval,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	s.respondAdvance(c, http.StatusOK, res.RunID, []*orchestrator.StepResult{res})
}

type overrideRequest struct {
	Action      string          `json:"action"`
	TargetStage string          `json:"target_stage"`
	Context     json.RawMessage `json:"context"`
	Reason      string          `json:"reason"`
}

func (s *Server) handleOverride(c *gin.Context) {
	var req overrideRequest
	if err := bind(c, "override", &req); err != nil {
		respondErr(c, err)
		return
	}
	run, err := s.orch.Override(c.Request.Context(), orchestrator.OverrideOpts{
		RunID:       c.Param("id"),
		Action:      req.Action,
		Actor:       c.GetString(ctxActor),
		TargetStage: req.TargetStage,
		Context:     req.Context,
		Reason:      req.Reason,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, NewRunView(run, true))
}

func (s *Server) handleCompleteJob(c *gin.Context) {
	var jc payment.JobCompletion
	if err := bind(c, "complete job", &jc); err != nil {
		respondErr(c, err)
		return
	}
	jc.JobID = c.Param("id")
	res, err := s.saga.CompleteJob(c.Request.Context(), jc)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type compensateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCompensate(c *gin.Context) {
	var req compensateRequest
	if err := bind(c, "compensate", &req); err != nil {
		respondErr(c, err)
		return
	}
	res, err := s.saga.Compensate(c.Request.Context(), c.Param("id"), c.GetString(ctxActor), req.Reason)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
