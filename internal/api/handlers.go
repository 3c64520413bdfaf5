package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"parkwise/internal/models"
)

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actorOf(r *http.Request) models.Actor {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		return anonymous
	}
	return actor
}

// decode reads a JSON body, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseRole(raw string) (models.Role, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return models.ParseRole(raw)
}

type lotRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

func (s *HTTPServer) handleListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.deps.Lots.ListLots(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lots": lots})
}

func (s *HTTPServer) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	var body lotRequest
	if !decode(w, r, &body) {
		return
	}
	lot, err := s.deps.Lots.CreateLot(r.Context(), actorOf(r), body.Name, body.Location)
	writeResult(w, http.StatusCreated, lot, err)
}

func (s *HTTPServer) handleGetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := s.deps.Lots.GetLot(r.Context(), r.PathValue("lotID"))
	writeResult(w, http.StatusOK, lot, err)
}

func (s *HTTPServer) handleUpdateLot(w http.ResponseWriter, r *http.Request) {
	var body lotRequest
	if !decode(w, r, &body) {
		return
	}
	lot, err := s.deps.Lots.UpdateLotInfo(r.Context(), actorOf(r), r.PathValue("lotID"), body.Name, body.Location)
	writeResult(w, http.StatusOK, lot, err)
}

func (s *HTTPServer) handleDeleteLot(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Lots.DeleteLot(r.Context(), actorOf(r), r.PathValue("lotID"))
	writeResult(w, http.StatusNoContent, nil, err)
}

func (s *HTTPServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	changed, agg, err := s.deps.Lots.Reconcile(r.Context(), actorOf(r), r.PathValue("lotID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "aggregate": agg})
}

func (s *HTTPServer) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Lots.ReconcileAll(r.Context(), actorOf(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": n})
}

func (s *HTTPServer) handleListSpaces(w http.ResponseWriter, r *http.Request) {
	spaces, err := s.deps.Spaces.ListSpaces(r.Context(), r.PathValue("lotID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spaces": spaces})
}

func (s *HTTPServer) handleCreateSpace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Number int `json:"number"`
	}
	if !decode(w, r, &body) {
		return
	}
	space, err := s.deps.Spaces.CreateSpace(r.Context(), actorOf(r), r.PathValue("lotID"), body.Number)
	writeResult(w, http.StatusCreated, space, err)
}

func (s *HTTPServer) handleCreateSpaces(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StartNumber int `json:"start_number"`
		Count       int `json:"count"`
	}
	if !decode(w, r, &body) {
		return
	}
	spaces, err := s.deps.Spaces.CreateMultipleSpaces(r.Context(), actorOf(r), r.PathValue("lotID"), body.StartNumber, body.Count)
	var payload any
	if spaces != nil {
		payload = map[string]any{"spaces": spaces}
	}
	writeResult(w, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleGetSpace(w http.ResponseWriter, r *http.Request) {
	space, err := s.deps.Spaces.GetSpace(r.Context(), r.PathValue("spaceID"))
	writeResult(w, http.StatusOK, space, err)
}

func (s *HTTPServer) handleDeleteSpace(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Spaces.DeleteSpace(r.Context(), actorOf(r), r.PathValue("spaceID"))
	writeResult(w, http.StatusNoContent, nil, err)
}

func (s *HTTPServer) handleRenumber(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Number int `json:"number"`
	}
	if !decode(w, r, &body) {
		return
	}
	space, err := s.deps.Spaces.RenumberSpace(r.Context(), actorOf(r), r.PathValue("spaceID"), body.Number)
	writeResult(w, http.StatusOK, space, err)
}

func (s *HTTPServer) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var change models.StatusChange
	if !decode(w, r, &change) {
		return
	}
	space, err := s.deps.Spaces.SetStatus(r.Context(), actorOf(r), r.PathValue("spaceID"), change)
	writeResult(w, http.StatusOK, space, err)
}

func (s *HTTPServer) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	role, err := parseRole(body.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.deps.Spaces.Checkout(r.Context(), actorOf(r), r.PathValue("spaceID"), role)
	writeResult(w, http.StatusOK, receipt, err)
}

func (s *HTTPServer) handleEstimate(w http.ResponseWriter, r *http.Request) {
	role, err := parseRole(r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.deps.Spaces.Estimate(r.Context(), r.PathValue("spaceID"), role)
	writeResult(w, http.StatusOK, receipt, err)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Report == nil {
		writeError(w, http.StatusNotImplemented, "export disabled")
		return
	}
	lotIDs := r.URL.Query()["lot"]
	name := "occupancy_" + time.Now().UTC().Format("20060102_150405") + ".xlsx"

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if err := s.deps.Report.Write(r.Context(), w, lotIDs...); err != nil {
		w.Header().Del("Content-Disposition")
		writeDomainError(w, err)
	}
}
