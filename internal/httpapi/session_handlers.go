package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/register"
	"kasirinaja/pos/internal/service"
)

const managerPINHeader = "X-Manager-PIN"

var (
	errManagerApproval = errors.New("manager approval required")
	errTooManyPIN      = errors.New("too many manager pin attempts")
)

// terminalSession resolves the register session named in the path and writes
// the error response itself when it cannot.
func (a *API) terminalSession(w http.ResponseWriter, r *http.Request) (*register.Session, bool) {
	session, err := a.service.Session(chi.URLParam(r, "terminalID"))
	if err != nil {
		a.writeDomainError(w, err)
		return nil, false
	}
	return session, true
}

func pathIndex(r *http.Request) (int, error) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		return 0, errors.New("invalid index")
	}
	return index, nil
}

// mutate runs fn against the terminal session and answers with the resulting
// snapshot.
func (a *API) mutate(w http.ResponseWriter, r *http.Request, fn func(*register.Session) error) {
	session, ok := a.terminalSession(w, r)
	if !ok {
		return
	}
	if err := fn(session); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session.Snapshot()})
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	session, ok := a.terminalSession(w, r)
	if !ok {
		return
	}
	snapshot := session.Snapshot()
	if raw := strings.TrimSpace(r.URL.Query().Get("entered")); raw != "" {
		entered, err := decimal.NewFromString(raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, errors.New("invalid entered amount"))
			return
		}
		snapshot.ChangeDue = session.ChangeDue(entered)
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": snapshot})
}

func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, func(s *register.Session) error {
		s.Clear(r.Context())
		return nil
	})
}

func (a *API) handleAddLine(w http.ResponseWriter, r *http.Request) {
	var req domain.AddLineRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	session, ok := a.terminalSession(w, r)
	if !ok {
		return
	}
	index, err := session.AddLine(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"index":   index,
		"session": session.Snapshot(),
	})
}

func (a *API) handleDuplicateLast(w http.ResponseWriter, r *http.Request) {
	session, ok := a.terminalSession(w, r)
	if !ok {
		return
	}
	index, err := session.DuplicateLast()
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"index":   index,
		"session": session.Snapshot(),
	})
}

func (a *API) handleUpdateLine(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req domain.LineUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutate(w, r, func(s *register.Session) error {
		_, err := s.UpdateLine(index, req)
		return err
	})
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutate(w, r, func(s *register.Session) error {
		return s.RemoveLine(index)
	})
}

func (a *API) handleSetDiscount(w http.ResponseWriter, r *http.Request) {
	var req domain.DiscountSelection
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutate(w, r, func(s *register.Session) error {
		return s.SetOrderDiscount(&req)
	})
}

func (a *API) handleClearDiscount(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, func(s *register.Session) error {
		return s.SetOrderDiscount(nil)
	})
}

func (a *API) handleSetTax(w http.ResponseWriter, r *http.Request) {
	var req domain.TaxSelection
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutate(w, r, func(s *register.Session) error {
		return s.SetOrderTax(&req)
	})
}

func (a *API) handleClearTax(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, func(s *register.Session) error {
		return s.SetOrderTax(nil)
	})
}

func (a *API) handleSetAdjustment(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutate(w, r, func(s *register.Session) error {
		return s.SetAdjustment(req.Amount)
	})
}

func (a *API) handleApplySuggestedAdjustment(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, func(s *register.Session) error {
		_, err := s.ApplySuggestedAdjustment()
		return err
	})
}

func (a *API) handleClearAdjustment(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, func(s *register.Session) error {
		return s.ClearAdjustment()
	})
}

func (a *API) handleAttachCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerAttachRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutate(w, r, func(s *register.Session) error {
		_, err := s.AttachCustomer(r.Context(), req)
		return err
	})
}

func (a *API) handleDetachCustomer(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, func(s *register.Session) error {
		return s.DetachCustomer()
	})
}

func (a *API) handleSetNotes(w http.ResponseWriter, r *http.Request) {
	var req domain.NotesRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutate(w, r, func(s *register.Session) error {
		return s.SetNotes(req.Notes)
	})
}

func (a *API) handleAddTender(w http.ResponseWriter, r *http.Request) {
	var req domain.TenderRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	session, ok := a.terminalSession(w, r)
	if !ok {
		return
	}
	tender, err := session.AddTender(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tender":  tender,
		"session": session.Snapshot(),
	})
}

func (a *API) handleRemoveTender(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutate(w, r, func(s *register.Session) error {
		return s.RemoveTender(index)
	})
}

// handleStartReturn lets admins start a refund directly; cashiers need a
// manager PIN in the X-Manager-PIN header.
func (a *API) handleStartReturn(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	if actor.Role != RoleAdmin {
		if !a.pinLimiter.Allow(clientKey(r)) {
			a.writeError(w, http.StatusTooManyRequests, errTooManyPIN)
			return
		}
		if !a.auth.ValidateManagerPIN(r.Header.Get(managerPINHeader)) {
			a.writeError(w, http.StatusForbidden, errManagerApproval)
			return
		}
	}

	session, ok := a.terminalSession(w, r)
	if !ok {
		return
	}
	snapshot, err := session.StartReturn(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": snapshot})
}

func (a *API) handleStartReorder(w http.ResponseWriter, r *http.Request) {
	session, ok := a.terminalSession(w, r)
	if !ok {
		return
	}
	snapshot, err := session.StartReorder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": snapshot})
}

// handleSubmit accepts an empty body as a completed submission.
func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Status == "" {
		req.Status = domain.OrderCompleted
	}

	session, ok := a.terminalSession(w, r)
	if !ok {
		return
	}
	resp, err := session.Submit(r.Context(), req.Status)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}
