package main

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reliefchain/engine/internal/auth"
	"github.com/reliefchain/engine/internal/chain"
	"github.com/reliefchain/engine/internal/claims"
	"github.com/reliefchain/engine/internal/contentstore"
	"github.com/reliefchain/engine/internal/disbursement"
	"github.com/reliefchain/engine/internal/donations"
	"github.com/reliefchain/engine/internal/risk"
	"github.com/reliefchain/engine/pkg/messaging"
	"github.com/reliefchain/engine/pkg/money"
)

const maxDocumentBytes = 10 << 20

type serverDeps struct {
	claims        *claims.Service
	disbursements *disbursement.Coordinator
	donations     *donations.Service
	documents     *contentstore.Store
	verifier      *auth.Verifier
	nats          *messaging.Client
	db            *sql.DB
}

type server struct {
	serverDeps
	router *gin.Engine
}

func newServer(deps serverDeps) *server {
	s := &server{serverDeps: deps, router: gin.Default()}

	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	{
		submitter := s.verifier.Middleware(auth.RoleSubmitter)
		reviewer := s.verifier.Middleware(auth.RoleReviewer)
		donor := s.verifier.Middleware(auth.RoleDonor)
		admin := s.verifier.Middleware(auth.RoleAdmin)
		anyAuth := s.verifier.Middleware()

		v1.POST("/documents", submitter, s.uploadDocument)
		v1.GET("/documents/:addr", anyAuth, s.fetchDocument)

		v1.POST("/claims", submitter, s.submitClaim)
		v1.GET("/claims", submitter, s.listOwnClaims)
		v1.GET("/claims/pending", reviewer, s.listPending)
		v1.GET("/claims/:id", anyAuth, s.getClaim)
		v1.GET("/claims/:id/attempts", reviewer, s.listAttempts)
		v1.POST("/claims/:id/review", reviewer, s.beginReview)
		v1.POST("/claims/:id/decision", reviewer, s.decide)
		v1.POST("/claims/:id/disburse", admin, s.disburse)
		v1.POST("/claims/:id/abandon", admin, s.abandon)

		v1.POST("/donations", donor, s.donate)
		v1.GET("/donations", donor, s.listOwnDonations)
		v1.GET("/donations/:id", donor, s.getDonation)
		v1.GET("/donors/me/stats", donor, s.donorStats)

		v1.GET("/reviewers/me/stats", reviewer, s.reviewerStats)
	}

	return s
}

func (s *server) health(c *gin.Context) {
	status := http.StatusOK
	resp := gin.H{"status": "healthy", "nats": s.nats.IsConnected()}
	if err := s.db.PingContext(c.Request.Context()); err != nil {
		status = http.StatusServiceUnavailable
		resp["status"] = "degraded"
		resp["database"] = err.Error()
	}
	c.JSON(status, resp)
}

// Documents

func (s *server) uploadDocument(c *gin.Context) {
	reader := http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentBytes)
	data, err := io.ReadAll(reader)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "document too large"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty document"})
		return
	}

	addr, err := s.documents.Store(c.Request.Context(), data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"address": addr})
}

func (s *server) fetchDocument(c *gin.Context) {
	addr := c.Param("addr")
	if !contentstore.ValidAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid content address"})
		return
	}
	data, err := s.documents.Fetch(c.Request.Context(), addr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// Claims

type submitClaimRequest struct {
	Category        string   `json:"category" binding:"required"`
	Description     string   `json:"description" binding:"required"`
	RequestedAmount string   `json:"requested_amount" binding:"required"`
	Location        string   `json:"location" binding:"required"`
	Coordinates     *coords  `json:"coordinates"`
	Documents       []string `json:"documents"`
	PayoutTarget    string   `json:"payout_target" binding:"required"`
}

type coords struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (s *server) submitClaim(c *gin.Context) {
	var req submitClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := money.ParsePositive(req.RequestedAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, d := range req.Documents {
		if !contentstore.ValidAddress(d) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document address: " + d})
			return
		}
	}

	actor := auth.ActorFrom(c)
	sub := &claims.SubmitRequest{
		Submitter:       actor.ID,
		Category:        claims.Category(req.Category),
		Description:     req.Description,
		RequestedAmount: amount,
		Location:        req.Location,
		Documents:       req.Documents,
		PayoutTarget:    req.PayoutTarget,
	}
	if req.Coordinates != nil {
		sub.Coordinates = &claims.Coordinates{Lat: req.Coordinates.Lat, Lng: req.Coordinates.Lng}
	}

	claim, err := s.claims.Submit(c.Request.Context(), sub)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, claim)
}

func (s *server) getClaim(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid claim ID"})
		return
	}
	claim, err := s.claims.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	// Submitters see only their own claims. Reviewers and admins see all.
	actor := auth.ActorFrom(c)
	if actor.Role == auth.RoleSubmitter && claim.Submitter != actor.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "claim not found"})
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (s *server) listOwnClaims(c *gin.Context) {
	actor := auth.ActorFrom(c)
	list, err := s.claims.ListBySubmitter(c.Request.Context(), actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": list})
}

func (s *server) listPending(c *gin.Context) {
	var f claims.PendingFilter

	if tier := c.Query("tier"); tier != "" {
		f.Tier = risk.Tier(tier)
		if !f.Tier.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown risk tier"})
			return
		}
	}
	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		f.SubmittedFrom = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		f.SubmittedTo = t
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = n
	}

	list, err := s.claims.ListPending(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": list})
}

func (s *server) beginReview(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid claim ID"})
		return
	}
	actor := auth.ActorFrom(c)
	claim, err := s.claims.BeginReview(c.Request.Context(), id, actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

type decisionRequest struct {
	Decision       string `json:"decision" binding:"required"`
	Notes          string `json:"notes"`
	ApprovedAmount string `json:"approved_amount"`
}

func (s *server) decide(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid claim ID"})
		return
	}

	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var approved *decimal.Decimal
	if req.ApprovedAmount != "" {
		amt, err := money.ParsePositive(req.ApprovedAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		approved = &amt
	}

	actor := auth.ActorFrom(c)
	claim, err := s.claims.Decide(c.Request.Context(), id, actor.ID, claims.Decision(req.Decision), req.Notes, approved)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (s *server) disburse(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid claim ID"})
		return
	}
	actor := auth.ActorFrom(c)
	attemptID, err := s.disbursements.Disburse(c.Request.Context(), id, actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"attempt_id": attemptID})
}

func (s *server) abandon(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid claim ID"})
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	_ = c.ShouldBindJSON(&req)

	actor := auth.ActorFrom(c)
	claim, err := s.claims.Abandon(c.Request.Context(), id, actor.ID, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (s *server) listAttempts(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid claim ID"})
		return
	}
	attempts, err := s.disbursements.ListByClaim(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	total, err := s.disbursements.ConfirmedTotal(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "confirmed_total": total})
}

func (s *server) reviewerStats(c *gin.Context) {
	actor := auth.ActorFrom(c)
	stats, err := s.claims.ReviewerStats(c.Request.Context(), actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Donations

type donateRequest struct {
	Category string `json:"category" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	Message  string `json:"message"`
}

func (s *server) donate(c *gin.Context) {
	var req donateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := auth.ActorFrom(c)
	donation, err := s.donations.Donate(c.Request.Context(), &donations.DonateRequest{
		Donor:    actor.ID,
		Category: claims.Category(req.Category),
		Amount:   amount,
		Message:  req.Message,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, donation)
}

func (s *server) getDonation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid donation ID"})
		return
	}
	donation, err := s.donations.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	actor := auth.ActorFrom(c)
	if actor.Role == auth.RoleDonor && donation.Donor != actor.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "donation not found"})
		return
	}
	c.JSON(http.StatusOK, donation)
}

func (s *server) listOwnDonations(c *gin.Context) {
	actor := auth.ActorFrom(c)
	list, err := s.donations.ListByDonor(c.Request.Context(), actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"donations": list})
}

func (s *server) donorStats(c *gin.Context) {
	actor := auth.ActorFrom(c)
	stats, err := s.donations.DonorStats(c.Request.Context(), actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// writeError maps domain sentinels onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, claims.ErrNotFound),
		errors.Is(err, donations.ErrNotFound),
		errors.Is(err, disbursement.ErrAttemptNotFound),
		errors.Is(err, contentstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, claims.ErrInvalidClaim),
		errors.Is(err, claims.ErrInvalidAmount),
		errors.Is(err, donations.ErrInvalidDonation),
		errors.Is(err, money.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, claims.ErrNotAssignedReviewer):
		status = http.StatusForbidden
	case errors.Is(err, claims.ErrAlreadyUnderReview),
		errors.Is(err, claims.ErrInvalidTransition),
		errors.Is(err, claims.ErrConcurrentUpdate),
		errors.Is(err, donations.ErrConcurrentUpdate),
		errors.Is(err, disbursement.ErrAlreadyInFlight),
		errors.Is(err, disbursement.ErrAlreadyDisbursed),
		errors.Is(err, disbursement.ErrNotApproved):
		status = http.StatusConflict
	case errors.Is(err, chain.ErrLedgerUnavailable),
		errors.Is(err, contentstore.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, chain.ErrTransferRejected):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
