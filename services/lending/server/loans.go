package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gemfi/gateway/middleware"
	"gemfi/native/ledger"
	"gemfi/native/lending"
	"gemfi/services/lending/assistant"
)

var errForbidden = errors.New("forbidden")

type collateralInput struct {
	AssetID  string `json:"assetId"`
	Quantity int64  `json:"quantity"`
}

type requestLoanInput struct {
	Stablecoin           string            `json:"stablecoin"`
	Principal            string            `json:"principal"`
	InterestRateBps      uint64            `json:"interestRateBps"`
	TermSeconds          uint64            `json:"termSeconds"`
	InquiryWindowSeconds uint64            `json:"inquiryWindowSeconds"`
	Collateral           []collateralInput `json:"collateral"`
}

type repayInput struct {
	Amount string `json:"amount"`
}

type askInput struct {
	Question string `json:"question"`
}

func (s *Server) handleRequestLoan(w http.ResponseWriter, r *http.Request) {
	var in requestLoanInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	unit := s.engine.Catalog().Unit()
	principal, err := parseAmount(unit, "principal", in.Principal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	refs := make([]lending.CollateralRef, 0, len(in.Collateral))
	for _, item := range in.Collateral {
		refs = append(refs, lending.CollateralRef{AssetID: strings.TrimSpace(item.AssetID), Quantity: item.Quantity})
	}
	loan, err := s.engine.Request(r.Context(), lending.RequestParams{
		Borrower:             middleware.Subject(r.Context()),
		Stablecoin:           in.Stablecoin,
		Principal:            principal,
		InterestRateBps:      in.InterestRateBps,
		TermSeconds:          in.TermSeconds,
		InquiryWindowSeconds: in.InquiryWindowSeconds,
		Collateral:           refs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/loans/%d", loan.ID))
	writeJSON(w, http.StatusCreated, toLoanView(loan, s.engine.Now(), unit))
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := lending.LoanFilter{
		Borrower: strings.TrimSpace(query.Get("borrower")),
		Lender:   strings.TrimSpace(query.Get("lender")),
		Limit:    limit,
	}
	for _, raw := range query["state"] {
		state := lending.State(strings.ToLower(strings.TrimSpace(raw)))
		if !state.Valid() {
			s.writeError(w, r, badRequest("unknown state %q", raw))
			return
		}
		filter.States = append(filter.States, state)
	}
	// Borrowers only see their own loans; lenders browse the market.
	if !middleware.HasScope(r.Context(), middleware.ScopeLender) {
		filter.Borrower = middleware.Subject(r.Context())
	}
	loans, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := s.engine.Now()
	unit := s.engine.Catalog().Unit()
	views := make([]loanView, 0, len(loans))
	for _, loan := range loans {
		views = append(views, toLoanView(loan, now, unit))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": views})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	loan, ok := s.loadLoan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toLoanView(loan, s.engine.Now(), s.engine.Catalog().Unit()))
}

func (s *Server) handleFundLoan(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.engine.Fund(r.Context(), id, middleware.Subject(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanView(loan, s.engine.Now(), s.engine.Catalog().Unit()))
}

func (s *Server) handleRepayLoan(w http.ResponseWriter, r *http.Request) {
	current, ok := s.loadLoan(w, r)
	if !ok {
		return
	}
	if !s.isParty(r.Context(), current.Borrower) {
		s.forbid(w, r, "only the borrower may repay")
		return
	}
	var in repayInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	unit := s.engine.Catalog().Unit()
	amount, err := parseAmount(unit, "amount", in.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.engine.Repay(r.Context(), current.ID, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanView(loan, s.engine.Now(), unit))
}

func (s *Server) handleCheckLiquidation(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unit := s.engine.Catalog().Unit()
	valuations, err := parseValuations(unit, r.URL.Query()["valuation"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	verdict, err := s.engine.CheckLiquidation(r.Context(), id, valuations)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerdictView(verdict, unit))
}

func (s *Server) handleLiquidateLoan(w http.ResponseWriter, r *http.Request) {
	current, ok := s.loadLoan(w, r)
	if !ok {
		return
	}
	if current.State == lending.StateActive && !s.isParty(r.Context(), current.Lender) {
		s.forbid(w, r, "only the funding lender may liquidate")
		return
	}
	loan, err := s.engine.Liquidate(r.Context(), current.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanView(loan, s.engine.Now(), s.engine.Catalog().Unit()))
}

func (s *Server) handleLoanReceipt(w http.ResponseWriter, r *http.Request) {
	loan, ok := s.loadLoan(w, r)
	if !ok {
		return
	}
	s.writeReceipt(w, r, loan)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, ok := s.receiptFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleAskReceipt(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: errorBody{Code: "assistant_disabled", Message: "assistant not configured"}})
		return
	}
	receipt, ok := s.receiptFor(w, r)
	if !ok {
		return
	}
	var in askInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	answer, err := s.assistant.Ask(r.Context(), receipt, in.Question)
	switch {
	case errors.Is(err, assistant.ErrEmptyQuestion):
		s.writeError(w, r, badRequest("question required"))
		return
	case err != nil:
		s.writeError(w, r, fmt.Errorf("%w: %v", lending.ErrCollaborator, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receiptId": receipt.ReceiptID, "answer": answer})
}

func (s *Server) receiptFor(w http.ResponseWriter, r *http.Request) (ledger.Receipt, bool) {
	id, err := ledger.ParseReceiptID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return ledger.Receipt{}, false
	}
	loan, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return ledger.Receipt{}, false
	}
	if !s.canView(r.Context(), loan) {
		s.forbid(w, r, "receipt belongs to another account")
		return ledger.Receipt{}, false
	}
	receipt, err := ledger.ToReceipt(loan, s.engine.Now(), s.engine.Catalog().Unit())
	if err != nil {
		s.writeError(w, r, err)
		return ledger.Receipt{}, false
	}
	return receipt, true
}

func (s *Server) writeReceipt(w http.ResponseWriter, r *http.Request, loan *lending.Loan) {
	receipt, err := ledger.ToReceipt(loan, s.engine.Now(), s.engine.Catalog().Unit())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// loadLoan fetches the loan named by the {id} parameter and enforces read
// access.
func (s *Server) loadLoan(w http.ResponseWriter, r *http.Request) (*lending.Loan, bool) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	loan, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if !s.canView(r.Context(), loan) {
		s.forbid(w, r, "loan belongs to another account")
		return nil, false
	}
	return loan, true
}

// canView lets borrowers read their own loans. Lenders may read every loan
// so they can evaluate inquiries.
func (s *Server) canView(ctx context.Context, loan *lending.Loan) bool {
	if middleware.HasScope(ctx, middleware.ScopeLender) {
		return true
	}
	return s.isParty(ctx, loan.Borrower)
}

func (s *Server) isParty(ctx context.Context, account string) bool {
	if middleware.HasScope(ctx, middleware.ScopeAdmin) {
		return true
	}
	subject := middleware.Subject(ctx)
	return subject != "" && strings.EqualFold(subject, account)
}

func (s *Server) forbid(w http.ResponseWriter, r *http.Request, reason string) {
	writeJSON(w, http.StatusForbidden, errorResponse{Error: errorBody{Code: "forbidden", Message: fmt.Sprintf("%v: %s", errForbidden, reason)}})
}
