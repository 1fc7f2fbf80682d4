package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stokvel/stokvel-service/internal/app"
	"github.com/stokvel/stokvel-service/internal/domain"
)

type otpSendRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type otpVerifyRequest struct {
	PhoneNumber string `json:"phone_number"`
	Code        string `json:"code"`
}

type otpResponse struct {
	Status app.OTPStatus `json:"status"`
	Token  string        `json:"token,omitempty"`
}

func (h *Handler) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req otpSendRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, "send otp", err)
		return
	}
	status, err := h.otp.Send(r.Context(), req.PhoneNumber)
	if err != nil {
		h.writeServiceError(w, r, "send otp", err)
		return
	}
	respondWithJSON(w, http.StatusOK, otpResponse{Status: status})
}

// handleVerifyOTP returns a session token once the code is valid.
func (h *Handler) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, "verify otp", err)
		return
	}
	status, err := h.otp.Verify(r.Context(), req.PhoneNumber, req.Code)
	if err != nil {
		h.writeServiceError(w, r, "verify otp", err)
		return
	}

	switch status {
	case app.OTPValid:
		phone, err := domain.CanonicalPhone(req.PhoneNumber)
		if err != nil {
			h.writeServiceError(w, r, "verify otp", err)
			return
		}
		token, err := h.tokens.Generate(phone)
		if err != nil {
			h.writeServiceError(w, r, "verify otp", err)
			return
		}
		respondWithJSON(w, http.StatusOK, otpResponse{Status: status, Token: token})
	case app.OTPExpired:
		respondWithJSON(w, http.StatusGone, otpResponse{Status: status})
	default:
		respondWithJSON(w, http.StatusUnauthorized, otpResponse{Status: status})
	}
}

type registerRequest struct {
	Name          string `json:"name"`
	Surname       string `json:"surname"`
	WalletAddress string `json:"wallet_address"`
	MomoWallet    string `json:"momo_wallet,omitempty"`
}

// handleRegisterUser onboards the phone number the session was issued for.
func (h *Handler) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	phone, _ := PhoneFromContext(r.Context())
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, "register user", err)
		return
	}
	user, err := h.users.Register(r.Context(), app.RegisterParams{
		PhoneNumber:   phone,
		Name:          req.Name,
		Surname:       req.Surname,
		WalletAddress: req.WalletAddress,
		MomoWallet:    req.MomoWallet,
	})
	if err != nil {
		h.writeServiceError(w, r, "register user", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, user)
}

// createStokvelRequest carries amounts in major units ("150.00") and ISO-8601 dates.
type createStokvelRequest struct {
	Name                string `json:"name"`
	WalletAddress       string `json:"wallet_address"`
	MinContribution     string `json:"min_contribution"`
	MaxMembers          int    `json:"max_members"`
	StartDate           string `json:"start_date"`
	EndDate             string `json:"end_date"`
	ContributionPeriod  string `json:"contribution_period"`
	PayoutPeriod        string `json:"payout_period"`
	CreatorContribution string `json:"creator_contribution,omitempty"`
}

func (req createStokvelRequest) params() (app.CreateStokvelParams, error) {
	var (
		p   app.CreateStokvelParams
		err error
	)
	p.Name = req.Name
	p.WalletAddress = req.WalletAddress
	p.MaxMembers = req.MaxMembers
	if p.MinContribution, err = domain.ParseAmount(req.MinContribution); err != nil {
		return p, err
	}
	if req.CreatorContribution != "" {
		if p.CreatorContribution, err = domain.ParseAmount(req.CreatorContribution); err != nil {
			return p, err
		}
	}
	if p.StartDate, err = domain.ParseDate(req.StartDate); err != nil {
		return p, err
	}
	if p.EndDate, err = domain.ParseDate(req.EndDate); err != nil {
		return p, err
	}
	if p.ContributionPeriod, err = domain.ParsePeriod(req.ContributionPeriod); err != nil {
		return p, err
	}
	if p.PayoutPeriod, err = domain.ParsePeriod(req.PayoutPeriod); err != nil {
		return p, err
	}
	return p, nil
}

func (h *Handler) handleCreateStokvel(w http.ResponseWriter, r *http.Request) {
	phone, _ := PhoneFromContext(r.Context())
	var req createStokvelRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, "create stokvel", err)
		return
	}
	params, err := req.params()
	if err != nil {
		h.writeServiceError(w, r, "create stokvel", err)
		return
	}
	result, err := h.stokvels.Create(r.Context(), phone, params)
	if err != nil {
		h.writeServiceError(w, r, "create stokvel", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

type applicationRequest struct {
	StokvelName          string `json:"stokvel_name"`
	ProposedContribution string `json:"proposed_contribution"`
}

// handleSubmitApplication applies to join the stokvel named in the body.
func (h *Handler) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	phone, _ := PhoneFromContext(r.Context())
	var req applicationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, "submit application", err)
		return
	}
	amount, err := domain.ParseAmount(req.ProposedContribution)
	if err != nil {
		h.writeServiceError(w, r, "submit application", err)
		return
	}
	application, err := h.membership.SubmitApplication(r.Context(), phone, req.StokvelName, amount)
	if err != nil {
		h.writeServiceError(w, r, "submit application", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, application)
}

func (h *Handler) handleListApplications(w http.ResponseWriter, r *http.Request) {
	phone, _ := PhoneFromContext(r.Context())
	applications, err := h.membership.ListPendingApplications(r.Context(), phone, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "list applications", err)
		return
	}
	if applications == nil {
		applications = []domain.ApplicationView{}
	}
	respondWithJSON(w, http.StatusOK, applications)
}

func (h *Handler) handleApproveApplication(w http.ResponseWriter, r *http.Request) {
	phone, _ := PhoneFromContext(r.Context())
	result, err := h.membership.ApproveApplication(r.Context(), phone, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "approve application", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDeclineApplication(w http.ResponseWriter, r *http.Request) {
	phone, _ := PhoneFromContext(r.Context())
	application, err := h.membership.DeclineApplication(r.Context(), phone, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "decline application", err)
		return
	}
	respondWithJSON(w, http.StatusOK, application)
}

type promoteAdminRequest struct {
	PhoneNumber string `json:"phone_number"`
}

func (h *Handler) handlePromoteAdmin(w http.ResponseWriter, r *http.Request) {
	phone, _ := PhoneFromContext(r.Context())
	var req promoteAdminRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, "promote admin", err)
		return
	}
	if err := h.membership.PromoteAdmin(r.Context(), phone, chi.URLParam(r, "id"), req.PhoneNumber); err != nil {
		h.writeServiceError(w, r, "promote admin", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type contributionRequest struct {
	Amount string `json:"amount"`
}

func (h *Handler) handleUpdateContribution(w http.ResponseWriter, r *http.Request) {
	phone, _ := PhoneFromContext(r.Context())
	var req contributionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, "update contribution", err)
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		h.writeServiceError(w, r, "update contribution", err)
		return
	}
	message, err := h.membership.UpdateContributionAmount(r.Context(), phone, chi.URLParam(r, "id"), amount)
	if err != nil {
		h.writeServiceError(w, r, "update contribution", err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": message})
}

// handleRetryGrants re-requests a member's grants after a failed setup.
func (h *Handler) handleRetryGrants(w http.ResponseWriter, r *http.Request) {
	phone, _ := PhoneFromContext(r.Context())
	links, err := h.membership.RetryGrantSetup(r.Context(), phone, chi.URLParam(r, "id"), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeServiceError(w, r, "retry grants", err)
		return
	}
	respondWithJSON(w, http.StatusOK, links)
}
