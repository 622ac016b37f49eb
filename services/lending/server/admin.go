package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gemfi/gateway/middleware"
	"gemfi/native/ledger"
	"gemfi/native/lending"
	"gemfi/services/lending/export"
)

var pausableActions = map[string]struct{}{
	lending.ActionRequest:   {},
	lending.ActionFund:      {},
	lending.ActionRepay:     {},
	lending.ActionLiquidate: {},
}

var errAdminUnavailable = errors.New("admin store not configured")

type toggleInput struct {
	Enabled *bool `json:"enabled"`
}

type pauseInput struct {
	Paused *bool `json:"paused"`
}

func (s *Server) handleListLenders(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		s.writeError(w, r, errAdminUnavailable)
		return
	}
	lenders, err := s.admin.Lenders(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type lenderView struct {
		Address   string `json:"address"`
		Allowed   bool   `json:"allowed"`
		UpdatedBy string `json:"updatedBy,omitempty"`
		UpdatedAt string `json:"updatedAt"`
	}
	views := make([]lenderView, 0, len(lenders))
	for _, l := range lenders {
		views = append(views, lenderView{
			Address:   l.Address,
			Allowed:   l.Allowed,
			UpdatedBy: l.UpdatedBy,
			UpdatedAt: l.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"lenders": views})
}

func (s *Server) handleSetLender(allowed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.admin == nil {
			s.writeError(w, r, errAdminUnavailable)
			return
		}
		address := strings.TrimSpace(chi.URLParam(r, "address"))
		if address == "" {
			s.writeError(w, r, badRequest("lender address required"))
			return
		}
		actor := middleware.Subject(r.Context())
		if err := s.admin.SetLender(r.Context(), address, allowed, actor); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("lender allowance updated",
			slog.String("lender", address),
			slog.Bool("allowed", allowed),
			slog.String("actor", actor))
		writeJSON(w, http.StatusOK, map[string]any{"address": strings.ToLower(address), "allowed": allowed})
	}
}

func (s *Server) handleSetStablecoin(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		s.writeError(w, r, errAdminUnavailable)
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	if symbol == "" {
		s.writeError(w, r, badRequest("stablecoin symbol required"))
		return
	}
	var in toggleInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.Enabled == nil {
		s.writeError(w, r, badRequest("enabled required"))
		return
	}
	if err := s.admin.SetStablecoin(r.Context(), symbol, *in.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("stablecoin override updated",
		slog.String("stablecoin", symbol),
		slog.Bool("enabled", *in.Enabled))
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "enabled": *in.Enabled})
}

func (s *Server) handleListPauses(w http.ResponseWriter, r *http.Request) {
	snapshot := s.pauses.Snapshot()
	out := make(map[string]bool, len(pausableActions))
	for action := range pausableActions {
		out[action] = snapshot[action]
	}
	writeJSON(w, http.StatusOK, map[string]any{"pauses": out})
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	action := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "action")))
	if _, ok := pausableActions[action]; !ok {
		s.writeError(w, r, badRequest("unknown action %q", action))
		return
	}
	var in pauseInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.Paused == nil {
		s.writeError(w, r, badRequest("paused required"))
		return
	}
	if s.admin != nil {
		if err := s.admin.SetPause(r.Context(), action, *in.Paused); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.pauses.Set(action, *in.Paused)
	s.logger.Warn("lending action pause toggled",
		slog.String("action", action),
		slog.Bool("paused", *in.Paused),
		slog.String("actor", middleware.Subject(r.Context())))
	writeJSON(w, http.StatusOK, map[string]any{"action": action, "paused": *in.Paused})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	expired, err := s.engine.ExpireStale(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	liquidated, err := s.engine.LiquidateMatured(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": expired, "liquidated": liquidated})
}

func (s *Server) handleExportReceipts(w http.ResponseWriter, r *http.Request) {
	if s.exportDir == "" {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: errorBody{Code: "export_disabled", Message: "export directory not configured"}})
		return
	}
	loans, err := s.engine.List(r.Context(), lending.LoanFilter{
		States: []lending.State{lending.StateActive, lending.StateRepaid, lending.StateLiquidated},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := s.engine.Now()
	unit := s.engine.Catalog().Unit()
	receipts := make([]ledger.Receipt, 0, len(loans))
	for _, loan := range loans {
		receipt, err := ledger.ToReceipt(loan, now, unit)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("receipt for loan %d: %w", loan.ID, err))
			return
		}
		receipts = append(receipts, receipt)
	}
	result, err := export.WriteReceipts(s.exportDir, receipts, now)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("receipts exported",
		slog.Int("rows", result.Rows),
		slog.String("parquet", result.ParquetPath))
	writeJSON(w, http.StatusCreated, result)
}
