package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/vm-image-generator/internal/model"
	"github.com/sakif/vm-image-generator/internal/service"
)

// CreditsHandler serves the Credits & Payments page and the static catalog.
type CreditsHandler struct {
	sessions *service.Manager
	logger   *slog.Logger
}

func NewCreditsHandler(sessions *service.Manager, logger *slog.Logger) *CreditsHandler {
	return &CreditsHandler{sessions: sessions, logger: logger}
}

// CreditsResponse carries a balance, and on GET the plans on sale.
type CreditsResponse struct {
	Success bool               `json:"success"`
	Message string             `json:"message,omitempty"`
	Credits int                `json:"credits"`
	Plans   []model.CreditPlan `json:"plans,omitempty"`
}

// CatalogResponse lists every option the generation form and the credits
// page offer.
type CatalogResponse struct {
	Success        bool                             `json:"success"`
	AppName        string                           `json:"appName"`
	ImageSizes     []model.Option[model.ImageSize]  `json:"imageSizes"`
	ImageStyles    []model.Option[model.ImageStyle] `json:"imageStyles"`
	ModelTypes     []model.Option[model.ModelType]  `json:"modelTypes"`
	NumberOfImages []int                            `json:"numberOfImages"`
	CreditPlans    []model.CreditPlan               `json:"creditPlans"`
}

type purchaseRequest struct {
	PlanID string `json:"planId"`
	UPIID  string `json:"upiId"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

// HandleGet returns the balance and the credit plans.
//
// HTTP: GET /api/credits
func (h *CreditsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	credits, err := sess.Credits(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditsResponse{
		Success: true,
		Credits: credits,
		Plans:   model.CreditPlans,
	})
}

// HandlePurchase buys a plan with a (simulated) UPI payment.
//
// HTTP: POST /api/credits/purchase
// REQUEST BODY: {"planId":"plan-50","upiId":"name@bank"}
func (h *CreditsHandler) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := sess.PurchasePlan(r.Context(), req.PlanID, req.UPIID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditsResponse{Success: true, Message: res.Message, Credits: res.Credits})
}

// HandleRedeem applies a coupon code.
//
// HTTP: POST /api/credits/redeem
// REQUEST BODY: {"code":"WELCOME10"}
func (h *CreditsHandler) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := sess.RedeemCoupon(r.Context(), req.Code)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditsResponse{Success: true, Message: res.Message, Credits: res.Credits})
}

// HandleCatalog returns the static form options. No session needed.
//
// HTTP: GET /api/catalog
func (h *CreditsHandler) HandleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CatalogResponse{
		Success:        true,
		AppName:        model.AppName,
		ImageSizes:     model.ImageSizes,
		ImageStyles:    model.ImageStyles,
		ModelTypes:     model.ModelTypes,
		NumberOfImages: model.NumberOfImagesOptions,
		CreditPlans:    model.CreditPlans,
	})
}
