package httptransport

import (
	"aidstock/internal/core"
	"aidstock/pkg/domain"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// mutation wraps the result of a write with any non-blocking rule warnings.
type mutation struct {
	Data       any                `json:"data"`
	Violations []domain.Violation `json:"violations,omitempty"`
}

// outcome answers removals, which have no entity left to return.
type outcome struct {
	Success    bool               `json:"success"`
	Violations []domain.Violation `json:"violations,omitempty"`
}

func settle(w http.ResponseWriter, res domain.Result, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome{Success: true, Violations: res.Violations})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func respond(w http.ResponseWriter, status int, data any, res domain.Result, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, mutation{Data: data, Violations: res.Violations})
}

func read(w http.ResponseWriter, data any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// --- deposits ---

type depositPatchRequest struct {
	Name            *string               `json:"name"`
	Capacity        *int                  `json:"capacity"`
	IsRefrigerated  *bool                 `json:"is_refrigerated"`
	HumidityLevel   *domain.HumidityLevel `json:"humidity_level"`
	MinTemperatureC *float64              `json:"min_temperature_c"`
	MaxTemperatureC *float64              `json:"max_temperature_c"`
}

func (h *Handler) createDeposit(w http.ResponseWriter, r *http.Request) {
	var in domain.Deposit
	if !decode(w, r, &in) {
		return
	}
	// Identity and stock are owned by the server.
	in.Base = domain.Base{}
	in.CurrentQuantity = 0
	dep, res, err := h.svc.CreateDeposit(r.Context(), in)
	respond(w, http.StatusCreated, dep, res, err)
}

func (h *Handler) updateDeposit(w http.ResponseWriter, r *http.Request) {
	var in depositPatchRequest
	if !decode(w, r, &in) {
		return
	}
	dep, res, err := h.svc.UpdateDeposit(r.Context(), chi.URLParam(r, "depositID"), core.DepositPatch(in))
	respond(w, http.StatusOK, dep, res, err)
}

func (h *Handler) getDeposit(w http.ResponseWriter, r *http.Request) {
	dep, err := h.svc.GetDeposit(r.Context(), chi.URLParam(r, "depositID"))
	read(w, dep, err)
}

func (h *Handler) listDeposits(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.ListDepositUtilization(r.Context())
	read(w, rows, err)
}

func (h *Handler) listDepositAids(w http.ResponseWriter, r *http.Request) {
	aids, err := h.svc.ListDepositAids(r.Context(), chi.URLParam(r, "depositID"))
	read(w, aids, err)
}

func (h *Handler) getUtilization(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.GetDepositUtilization(r.Context(), chi.URLParam(r, "depositID"))
	read(w, u, err)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	rows, err := h.svc.GetDepositHistory(r.Context(), chi.URLParam(r, "depositID"), limit)
	read(w, rows, err)
}

// --- aids ---

type aidPatchRequest struct {
	Name                    *string               `json:"name"`
	Type                    *domain.AidType       `json:"type"`
	Quantity                *int                  `json:"quantity"`
	DepositID               *string               `json:"deposit_id"`
	RequiresRefrigeration   *bool                 `json:"requires_refrigeration"`
	RequiredHumidityLevel   *domain.HumidityLevel `json:"required_humidity_level"`
	RequiredMinTemperatureC *float64              `json:"required_min_temperature_c"`
	RequiredMaxTemperatureC *float64              `json:"required_max_temperature_c"`
}

func (h *Handler) createAid(w http.ResponseWriter, r *http.Request) {
	var in domain.Aid
	if !decode(w, r, &in) {
		return
	}
	in.Base = domain.Base{}
	aid, res, err := h.svc.CreateAid(r.Context(), in)
	respond(w, http.StatusCreated, aid, res, err)
}

func (h *Handler) updateAid(w http.ResponseWriter, r *http.Request) {
	var in aidPatchRequest
	if !decode(w, r, &in) {
		return
	}
	aid, res, err := h.svc.UpdateAid(r.Context(), chi.URLParam(r, "aidID"), core.AidPatch(in))
	respond(w, http.StatusOK, aid, res, err)
}

func (h *Handler) deleteAid(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.DeleteAid(r.Context(), chi.URLParam(r, "aidID"))
	settle(w, res, err)
}

func (h *Handler) getAid(w http.ResponseWriter, r *http.Request) {
	aid, err := h.svc.GetAid(r.Context(), chi.URLParam(r, "aidID"))
	read(w, aid, err)
}

// --- distributions ---

type createDistributionRequest struct {
	VisitID  string  `json:"visit_id"`
	AidID    string  `json:"aid_id"`
	Quantity int     `json:"quantity"`
	Unit     *string `json:"unit"`
	Notes    *string `json:"notes"`
}

type distributionPatchRequest struct {
	Quantity *int    `json:"quantity"`
	AidID    *string `json:"aid_id"`
	Unit     *string `json:"unit"`
	Notes    *string `json:"notes"`
}

func (h *Handler) createDistribution(w http.ResponseWriter, r *http.Request) {
	var in createDistributionRequest
	if !decode(w, r, &in) {
		return
	}
	dist, res, err := h.svc.CreateDistribution(r.Context(), core.CreateDistributionInput(in))
	respond(w, http.StatusCreated, dist, res, err)
}

func (h *Handler) createDistributionForUser(w http.ResponseWriter, r *http.Request) {
	var in createDistributionRequest
	if !decode(w, r, &in) {
		return
	}
	dist, res, err := h.svc.CreateDistributionForUser(r.Context(), chi.URLParam(r, "userID"), core.CreateDistributionInput(in))
	respond(w, http.StatusCreated, dist, res, err)
}

func (h *Handler) updateDistribution(w http.ResponseWriter, r *http.Request) {
	var in distributionPatchRequest
	if !decode(w, r, &in) {
		return
	}
	dist, res, err := h.svc.UpdateDistribution(r.Context(), chi.URLParam(r, "distributionID"), core.DistributionPatch(in))
	respond(w, http.StatusOK, dist, res, err)
}

func (h *Handler) reverseDistribution(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ReverseDistribution(r.Context(), chi.URLParam(r, "distributionID"))
	settle(w, res, err)
}

func (h *Handler) getDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := h.svc.GetDistribution(r.Context(), chi.URLParam(r, "distributionID"))
	read(w, dist, err)
}

// --- visits ---

type visitRequest struct {
	UserID      string `json:"user_id"`
	IsActive    bool   `json:"is_active"`
	IsCompleted bool   `json:"is_completed"`
}

func (h *Handler) upsertVisit(w http.ResponseWriter, r *http.Request) {
	var in visitRequest
	if !decode(w, r, &in) {
		return
	}
	visit, res, err := h.svc.UpsertVisit(r.Context(), domain.Visit{
		Base:        domain.Base{ID: chi.URLParam(r, "visitID")},
		UserID:      in.UserID,
		IsActive:    in.IsActive,
		IsCompleted: in.IsCompleted,
	})
	respond(w, http.StatusOK, visit, res, err)
}

func (h *Handler) getVisit(w http.ResponseWriter, r *http.Request) {
	visit, err := h.svc.GetVisit(r.Context(), chi.URLParam(r, "visitID"))
	read(w, visit, err)
}

func (h *Handler) listVisitDistributions(w http.ResponseWriter, r *http.Request) {
	dists, err := h.svc.ListVisitDistributions(r.Context(), chi.URLParam(r, "visitID"))
	read(w, dists, err)
}

func (h *Handler) getVisitStats(w http.ResponseWriter, r *http.Request) {
	stats, res, err := h.svc.EnsureVisitStats(r.Context(), chi.URLParam(r, "visitID"))
	respond(w, http.StatusOK, stats, res, err)
}

func (h *Handler) recomputeVisitStats(w http.ResponseWriter, r *http.Request) {
	stats, res, err := h.svc.RecomputeVisitStats(r.Context(), chi.URLParam(r, "visitID"))
	respond(w, http.StatusOK, stats, res, err)
}
