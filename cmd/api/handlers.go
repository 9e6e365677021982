package main

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/application"
	"leaseflow/attempt"
	"leaseflow/auth"
	"leaseflow/compensation"
	"leaseflow/contentstore"
	"leaseflow/disclosure"
	"leaseflow/dispute"
	"leaseflow/flow"
	"leaseflow/httpx"
	"leaseflow/lease"
	"leaseflow/ledger"
	"leaseflow/listing"
)

const maxUploadBytes = 10 << 20

var (
	errBadAddress   = apperr.Validation("invalid_address", "path address is not a valid base58 address")
	errBadAction    = apperr.NotFound("unknown_action", "unknown action")
	errBadUpload    = apperr.Validation("invalid_upload", "upload kind must be image or json")
	errEmptyUpload  = apperr.Validation("empty_upload", "upload body is empty")
	errUploadTooBig = apperr.Validation("upload_too_large", "upload exceeds 10 MiB")
)

func pathAddress(r *http.Request) (address.Address, error) {
	addr, err := address.Parse(chi.URLParam(r, "addr"))
	if err != nil {
		return address.Zero, errBadAddress.Wrap(err)
	}
	return addr, nil
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res flow.Result, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type walletResponse struct {
	Address     address.Address `json:"address"`
	Role        auth.Role       `json:"role"`
	CreatedAt   string          `json:"createdAt"`
	LastLoginAt string          `json:"lastLoginAt"`
}

type loginResponse struct {
	Token  string         `json:"token"`
	Wallet walletResponse `json:"wallet"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req auth.ChallengeRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ch, err := s.authService.Challenge(req.Address)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_address", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ch)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		Token: res.Token,
		Wallet: walletResponse{
			Address:     res.Wallet.Address,
			Role:        res.Wallet.Role,
			CreatedAt:   res.Wallet.CreatedAt.Format(time.RFC3339),
			LastLoginAt: res.Wallet.LastLoginAt.Format(time.RFC3339),
		},
	})
}

// handleUpload stores the raw body and stages it so a later cleanup can
// remove it if no transaction ever references it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != attempt.UploadKindImage && kind != attempt.UploadKindJSON {
		s.writeError(w, r, errBadUpload)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		s.writeError(w, r, apperr.Validation("invalid_upload", "could not read upload body").Wrap(err))
		return
	}
	if len(body) == 0 {
		s.writeError(w, r, errEmptyUpload)
		return
	}
	if len(body) > maxUploadBytes {
		s.writeError(w, r, errUploadTooBig)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}

	owner := walletFrom(r.Context())
	res, err := s.content.Put(r.Context(), body, contentType, owner.String())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.attemptService.StageUpload(r.Context(), owner, res.ContentID, kind); err != nil {
		s.content.Unpin(r.Context(), res.ContentID)
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

type cleanupResponse struct {
	Report  compensation.Report      `json:"report"`
	Skipped []contentstore.ContentID `json:"skipped,omitempty"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req compensation.Artifacts
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	report, skipped, err := s.attemptService.CleanupStaged(r.Context(), walletFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cleanupResponse{Report: report, Skipped: skipped})
}

type createListingRequest struct {
	PropertyAttest address.Address          `json:"propertyAttest"`
	CredentialID   string                   `json:"credentialId"`
	Rent           uint64                   `json:"rent"`
	Deposit        uint64                   `json:"deposit"`
	Title          string                   `json:"title"`
	Description    string                   `json:"description"`
	Images         []contentstore.ContentID `json:"images"`
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.listingService.Create(r.Context(), listing.CreateInput{
		Owner:          walletFrom(r.Context()),
		PropertyAttest: req.PropertyAttest,
		CredentialID:   req.CredentialID,
		Rent:           req.Rent,
		Deposit:        req.Deposit,
		Title:          req.Title,
		Description:    req.Description,
		Images:         req.Images,
	})
	s.writeResult(w, r, res, err)
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.listingService.Get(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

type updateListingRequest struct {
	Rent        *uint64                  `json:"rent"`
	Deposit     *uint64                  `json:"deposit"`
	Title       *string                  `json:"title"`
	Description *string                  `json:"description"`
	Images      []contentstore.ContentID `json:"images"`
}

func (s *Server) handleUpdateListing(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateListingRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.listingService.Update(r.Context(), listing.UpdateInput{
		Owner:       walletFrom(r.Context()),
		Listing:     addr,
		Rent:        req.Rent,
		Deposit:     req.Deposit,
		Title:       req.Title,
		Description: req.Description,
		Images:      req.Images,
	})
	s.writeResult(w, r, res, err)
}

func (s *Server) handleToggleListing(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.listingService.Toggle(r.Context(), walletFrom(r.Context()), addr)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleListingApplications(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views, err := s.applicationService.ForListing(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": views, "total": len(views)})
}

type applyRequest struct {
	Listing      address.Address `json:"listing"`
	TenantAttest address.Address `json:"tenantAttest"`
	Message      string          `json:"message"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.applicationService.Apply(r.Context(), application.ApplyInput{
		Applicant:    walletFrom(r.Context()),
		Listing:      req.Listing,
		TenantAttest: req.TenantAttest,
		Message:      req.Message,
	})
	s.writeResult(w, r, res, err)
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.applicationService.Get(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleApplicationAction(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := walletFrom(r.Context())
	var res flow.Result
	switch chi.URLParam(r, "action") {
	case "approve":
		res, err = s.applicationService.Approve(r.Context(), caller, addr)
	case "reject":
		res, err = s.applicationService.Reject(r.Context(), caller, addr)
	case "withdraw":
		res, err = s.applicationService.Withdraw(r.Context(), caller, addr)
	case "cancel":
		res, err = s.applicationService.Cancel(r.Context(), caller, addr)
	default:
		err = errBadAction
	}
	s.writeResult(w, r, res, err)
}

type createLeaseRequest struct {
	Application address.Address `json:"application"`
	StartDate   int64           `json:"startDate"`
	EndDate     int64           `json:"endDate"`
	PaymentDay  uint8           `json:"paymentDay"`
	Terms       string          `json:"terms"`
}

func (s *Server) handleCreateLease(w http.ResponseWriter, r *http.Request) {
	var req createLeaseRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.leaseService.Create(r.Context(), lease.CreateInput{
		Landlord:    walletFrom(r.Context()),
		Application: req.Application,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		PaymentDay:  req.PaymentDay,
		Terms:       req.Terms,
	})
	s.writeResult(w, r, res, err)
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.leaseService.Get(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleLeaseAction(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := walletFrom(r.Context())
	var res flow.Result
	switch chi.URLParam(r, "action") {
	case "sign":
		res, err = s.leaseService.Sign(r.Context(), caller, addr)
	case "pay":
		res, err = s.leaseService.PayRent(r.Context(), caller, addr)
	case "terminate":
		res, err = s.leaseService.Terminate(r.Context(), caller, addr)
	default:
		err = errBadAction
	}
	s.writeResult(w, r, res, err)
}

func (s *Server) handleLeaseDisputes(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views, err := s.disputeService.List(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": views, "total": len(views)})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.escrowService.Get(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

type splitRequest struct {
	LandlordAmount uint64 `json:"landlordAmount"`
	TenantAmount   uint64 `json:"tenantAmount"`
}

func (s *Server) handleInitiateRelease(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req splitRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.escrowService.Initiate(r.Context(), walletFrom(r.Context()), addr, req.LandlordAmount, req.TenantAmount)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleConfirmRelease(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.escrowService.Confirm(r.Context(), walletFrom(r.Context()), addr)
	s.writeResult(w, r, res, err)
}

type raiseDisputeRequest struct {
	Lease  address.Address `json:"lease"`
	Reason string          `json:"reason"`
}

// parseReason maps unknown names to an invalid reason so the dispute
// service rejects them with its own error.
func parseReason(name string) ledger.DisputeReason {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "deposit":
		return ledger.ReasonDeposit
	case "other":
		return ledger.ReasonOther
	default:
		return ledger.DisputeReason(0xff)
	}
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req raiseDisputeRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.disputeService.Raise(r.Context(), dispute.RaiseInput{
		Initiator: walletFrom(r.Context()),
		Lease:     req.Lease,
		Reason:    parseReason(req.Reason),
	})
	s.writeResult(w, r, res, err)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.disputeService.Get(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req splitRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.disputeService.Resolve(r.Context(), dispute.ResolveInput{
		Arbitrator:     walletFrom(r.Context()),
		Dispute:        addr,
		LandlordAmount: req.LandlordAmount,
		TenantAmount:   req.TenantAmount,
	})
	s.writeResult(w, r, res, err)
}

type createDisclosureRequest struct {
	CredentialID   string   `json:"credentialId"`
	CredentialType string   `json:"credentialType"`
	RequiredFields []string `json:"requiredFields"`
	Purpose        string   `json:"purpose"`
}

func (s *Server) handleCreateDisclosure(w http.ResponseWriter, r *http.Request) {
	var req createDisclosureRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.disclosureService.Create(r.Context(), disclosure.CreateInput{
		Party:          walletFrom(r.Context()),
		CredentialID:   req.CredentialID,
		CredentialType: req.CredentialType,
		RequiredFields: req.RequiredFields,
		Purpose:        req.Purpose,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handlePollDisclosure(w http.ResponseWriter, r *http.Request) {
	res, err := s.disclosureService.Poll(r.Context(), chi.URLParam(r, "id"), walletFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type disclosureCallbackRequest struct {
	RequestID     string            `json:"requestId"`
	Status        string            `json:"status"`
	DisclosedData map[string]string `json:"disclosedData"`
}

func (s *Server) handleDisclosureCallback(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Callback-Secret")
	if secret == "" || s.callbackSecretHash == "" || !auth.VerifySecret(s.callbackSecretHash, secret) {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "invalid callback secret", nil)
		return
	}
	var req disclosureCallbackRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.disclosureService.HandleCallback(r.Context(), req.RequestID, req.Status, req.DisclosedData)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type failureRequest struct {
	LedgerCode string `json:"ledgerCode"`
	Reason     string `json:"reason"`
}

func (s *Server) handleAttemptFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	outcome, err := s.attemptService.ReportFailure(r.Context(), attempt.FailureReport{
		AttemptID:      chi.URLParam(r, "id"),
		Party:          walletFrom(r.Context()),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		LedgerCode:     req.LedgerCode,
		Reason:         req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, outcome)
}

type attemptResponse struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Entity    address.Address   `json:"entity"`
	Touched   []address.Address `json:"touched"`
	Status    attempt.Status    `json:"status"`
	Signature *string           `json:"signature,omitempty"`
	UpdatedAt string            `json:"updatedAt"`
}

type confirmRequest struct {
	Signature string `json:"signature"`
}

func (s *Server) handleAttemptConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.attemptService.Confirm(r.Context(), attempt.ConfirmParams{
		AttemptID: chi.URLParam(r, "id"),
		Party:     walletFrom(r.Context()),
		Signature: req.Signature,
	}, s.verifyAttempt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, attemptResponse{
		ID:        rec.ID,
		Kind:      rec.Kind,
		Entity:    rec.Entity,
		Touched:   rec.Touched,
		Status:    rec.Status,
		Signature: rec.Signature,
		UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleAttemptFreshness(w http.ResponseWriter, r *http.Request) {
	if err := s.attemptService.CheckFresh(r.Context(), chi.URLParam(r, "id"), walletFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"fresh": true})
}
