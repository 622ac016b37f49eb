package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"gemfi/native/catalog"
	"gemfi/native/lending"
)

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	cat := s.engine.Catalog()
	assets := cat.List(r.URL.Query().Get("category"))
	views := make([]assetView, 0, len(assets))
	for _, asset := range assets {
		views = append(views, toAssetView(asset, cat.Unit()))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    cat.Version(),
		"categories": cat.Categories(),
		"assets":     views,
	})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	cat := s.engine.Catalog()
	asset, err := cat.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			err = fmt.Errorf("%w: %v", lending.ErrNotFound, err)
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssetView(asset, cat.Unit()))
}

func (s *Server) handleTerms(w http.ResponseWriter, r *http.Request) {
	quantity := int64(1)
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, badRequest("invalid quantity %q", raw))
			return
		}
		quantity = parsed
	}
	terms, err := s.engine.Terms(chi.URLParam(r, "id"), quantity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unit := s.engine.Catalog().Unit()
	writeJSON(w, http.StatusOK, termsView{
		AssetID:                 terms.Asset.ID,
		Quantity:                terms.Quantity,
		CollateralValue:         unit.Format(terms.CollateralValue),
		MaxLoan:                 unit.Format(terms.MaxLoan),
		LiquidationThreshold:    unit.Format(terms.LiquidationThreshold),
		MaxLTVBps:               terms.MaxLTVBps,
		LiquidationThresholdBps: terms.LiquidationBps,
		BaseRateBps:             terms.Asset.BaseRateBps,
		Unit:                    unit.Symbol,
	})
}

func (s *Server) handleListStablecoins(w http.ResponseWriter, r *http.Request) {
	if s.stablecoins == nil {
		writeJSON(w, http.StatusOK, map[string]any{"stablecoins": []string{}})
		return
	}
	accepted, err := s.stablecoins.Accepted(r.Context())
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: stablecoins: %v", lending.ErrCollaborator, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stablecoins": accepted})
}
