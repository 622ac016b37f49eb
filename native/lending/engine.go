package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"gemfi/native/catalog"
	nativecommon "gemfi/native/common"
)

const moduleName = "lending"

var (
	errNilCatalog    = errors.New("lending engine: catalog not configured")
	errNilStore      = errors.New("lending engine: store not configured")
	errNilTransferer = errors.New("lending engine: collateral transferer not configured")
)

// Engine is the single authority over loan lifecycles. Transitions for one
// loan are serialised; independent loans proceed concurrently.
type Engine struct {
	catalog     *catalog.Catalog
	store       Store
	transferer  CollateralTransferer
	policy      Policy
	clock       func() time.Time
	authorizer  LenderAuthorizer
	prices      PriceFeed
	stablecoins StablecoinRegistry
	sinks       []EventSink
	pauses      nativecommon.PauseView
	escrow      string
	logger      *slog.Logger
	metrics     Metrics

	loanLocks *keyedMutex
	// collateralMu makes availability check, lock and loan creation one
	// step. Acquired after a loan lock, never before.
	collateralMu sync.Mutex
}

// Option customises engine construction.
type Option func(*Engine)

// WithPolicy overrides the default 70% / 85% valuation policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock injects the time source used for every transition.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithAuthorizer wires the lender whitelist check. Without one every lender
// is accepted.
func WithAuthorizer(a LenderAuthorizer) Option {
	return func(e *Engine) { e.authorizer = a }
}

// WithPriceFeed wires current valuations for liquidation checks.
func WithPriceFeed(feed PriceFeed) Option {
	return func(e *Engine) { e.prices = feed }
}

// WithStablecoins restricts the denominations loans may be requested in.
func WithStablecoins(registry StablecoinRegistry) Option {
	return func(e *Engine) { e.stablecoins = registry }
}

// WithEventSink adds a receiver for committed lifecycle events.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sinks = append(e.sinks, sink)
		}
	}
}

func WithPauses(p nativecommon.PauseView) Option {
	return func(e *Engine) { e.pauses = p }
}

// WithEscrowAccount names the custody account holding locked collateral.
func WithEscrowAccount(account string) Option {
	return func(e *Engine) { e.escrow = strings.TrimSpace(account) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// NewEngine constructs an engine over the supplied catalog, store and
// custody adapter.
func NewEngine(cat *catalog.Catalog, store Store, transferer CollateralTransferer, opts ...Option) (*Engine, error) {
	if cat == nil {
		return nil, errNilCatalog
	}
	if store == nil {
		return nil, errNilStore
	}
	if transferer == nil {
		return nil, errNilTransferer
	}
	e := &Engine{
		catalog:    cat,
		store:      store,
		transferer: transferer,
		policy:     DefaultPolicy(),
		clock:      time.Now,
		escrow:     "escrow",
		logger:     slog.Default(),
		metrics:    noopMetrics{},
		loanLocks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if err := e.policy.Params().Validate(); err != nil {
		return nil, err
	}
	e.logger = e.logger.With(slog.String("module", moduleName))
	return e, nil
}

// Catalog exposes the asset registry the engine validates against.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Policy exposes the valuation policy.
func (e *Engine) Policy() Policy { return e.policy }

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time { return e.clock() }

// CollateralRef selects a quantity of one catalog asset for a request.
type CollateralRef struct {
	AssetID  string
	Quantity int64
}

// RequestParams describes a borrower's loan request.
type RequestParams struct {
	Borrower             string
	Stablecoin           string
	Principal            *uint256.Int
	InterestRateBps      uint64
	TermSeconds          uint64
	InquiryWindowSeconds uint64
	Collateral           []CollateralRef
}

// Terms previews the borrowing limits for a quantity of one asset.
type Terms struct {
	Asset                catalog.Asset
	Quantity             int64
	CollateralValue      *uint256.Int
	MaxLoan              *uint256.Int
	LiquidationThreshold *uint256.Int
	MaxLTVBps            uint64
	LiquidationBps       uint64
}

// Terms computes the loan limits offered against quantity units of assetID.
func (e *Engine) Terms(assetID string, quantity int64) (Terms, error) {
	asset, err := e.catalog.Get(assetID)
	if err != nil {
		return Terms{}, catalogError("terms", err)
	}
	maxLoan, err := e.policy.MaxLoanAmount(asset, quantity)
	if err != nil {
		return Terms{}, opError("terms", 0, ErrInvalidQuantity, err)
	}
	threshold, err := e.policy.LiquidationThreshold(asset, quantity)
	if err != nil {
		return Terms{}, opError("terms", 0, ErrInvalidQuantity, err)
	}
	return Terms{
		Asset:                asset,
		Quantity:             quantity,
		CollateralValue:      valueOf(asset.Valuation, uint64(quantity)),
		MaxLoan:              maxLoan,
		LiquidationThreshold: threshold,
		MaxLTVBps:            e.policy.Params().MaxLTVBps,
		LiquidationBps:       e.policy.Params().LiquidationThresholdBps,
	}, nil
}

// Request validates the collateral and terms, locks the collateral and
// commits a loan in the inquiry state.
func (e *Engine) Request(ctx context.Context, params RequestParams) (loan *Loan, err error) {
	const op = "request"
	defer e.observe(op, e.clock(), &err)
	if err := nativecommon.Guard(e.pauses, ActionRequest); err != nil {
		return nil, opError(op, 0, ErrPaused, err)
	}
	borrower := strings.TrimSpace(params.Borrower)
	if borrower == "" {
		return nil, opError(op, 0, ErrInvalidParameter, errors.New("borrower required"))
	}
	if params.Principal == nil || params.Principal.IsZero() {
		return nil, opError(op, 0, ErrInvalidParameter, errors.New("principal must be positive"))
	}
	if params.InterestRateBps > basisPoints {
		return nil, opError(op, 0, ErrInvalidParameter, errors.New("interest rate exceeds 10000 bps"))
	}
	if params.TermSeconds == 0 {
		return nil, opError(op, 0, ErrInvalidParameter, errors.New("term must be positive"))
	}
	if params.TermSeconds > MaxTermSeconds {
		return nil, opError(op, 0, ErrInvalidParameter, fmt.Errorf("term exceeds %d seconds", MaxTermSeconds))
	}
	if params.InquiryWindowSeconds == 0 {
		return nil, opError(op, 0, ErrInvalidParameter, errors.New("inquiry window must be positive"))
	}
	if params.InquiryWindowSeconds > MaxTermSeconds {
		return nil, opError(op, 0, ErrInvalidParameter, fmt.Errorf("inquiry window exceeds %d seconds", MaxTermSeconds))
	}
	if len(params.Collateral) == 0 {
		return nil, opError(op, 0, ErrInvalidParameter, errors.New("collateral required"))
	}
	stablecoin := strings.ToUpper(strings.TrimSpace(params.Stablecoin))
	if stablecoin == "" {
		return nil, opError(op, 0, ErrUnsupportedDenomination, errors.New("stablecoin required"))
	}
	if e.stablecoins != nil {
		accepted, err := e.stablecoins.Accepts(ctx, stablecoin)
		if err != nil {
			e.metrics.ObserveCollaboratorFailure("stablecoins")
			return nil, collaboratorError(op, 0, err)
		}
		if !accepted {
			return nil, opError(op, 0, ErrUnsupportedDenomination, fmt.Errorf("%s", stablecoin))
		}
	}

	items := make([]CollateralItem, 0, len(params.Collateral))
	supply := make(map[string]uint64, len(params.Collateral))
	for _, ref := range params.Collateral {
		if ref.Quantity <= 0 {
			return nil, opError(op, 0, ErrInvalidQuantity, fmt.Errorf("asset %s", ref.AssetID))
		}
		asset, err := e.catalog.Get(ref.AssetID)
		if err != nil {
			return nil, catalogError(op, err)
		}
		if _, dup := supply[asset.ID]; dup {
			return nil, opError(op, 0, ErrInvalidParameter, fmt.Errorf("asset %s referenced twice", asset.ID))
		}
		quantity := uint64(ref.Quantity)
		if asset.Kind == catalog.KindUnique && quantity != 1 {
			return nil, opError(op, 0, ErrInvalidQuantity, fmt.Errorf("unique asset %s locks exactly one unit", asset.ID))
		}
		if quantity > asset.Supply {
			return nil, opError(op, 0, ErrInvalidQuantity, fmt.Errorf("asset %s supply is %d", asset.ID, asset.Supply))
		}
		supply[asset.ID] = asset.Supply
		items = append(items, CollateralItem{
			AssetID:   asset.ID,
			Kind:      asset.Kind,
			Quantity:  quantity,
			Valuation: asset.Valuation,
		})
	}
	maxLoan := e.policy.MaxLoanForCollateral(items)
	if params.Principal.Gt(maxLoan) {
		return nil, opError(op, 0, ErrInsufficientCollateral,
			fmt.Errorf("principal %s exceeds maximum %s", params.Principal.Dec(), maxLoan.Dec()))
	}

	candidate := &Loan{
		Borrower:             borrower,
		Stablecoin:           stablecoin,
		Principal:            new(uint256.Int).Set(params.Principal),
		InterestRateBps:      params.InterestRateBps,
		TermSeconds:          params.TermSeconds,
		InquiryWindowSeconds: params.InquiryWindowSeconds,
		Collateral:           items,
		State:                StateRequested,
	}

	e.collateralMu.Lock()
	created, err := e.createLocked(ctx, candidate, supply)
	e.collateralMu.Unlock()
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveTransition(StateRequested, StateInquiry)
	e.logger.Info("loan requested",
		slog.Uint64("loan_id", created.ID),
		slog.String("borrower", created.Borrower),
		slog.String("principal", created.Principal.Dec()),
		slog.Int("collateral_items", len(created.Collateral)))
	e.publish(ctx, EventRequested, created)
	return created.Clone(), nil
}

func (e *Engine) createLocked(ctx context.Context, candidate *Loan, supply map[string]uint64) (*Loan, error) {
	const op = "request"
	for _, item := range candidate.Collateral {
		locked, err := e.store.LockedQuantity(ctx, item.AssetID)
		if err != nil {
			e.metrics.ObserveCollaboratorFailure("store")
			return nil, collaboratorError(op, 0, err)
		}
		if locked+item.Quantity > supply[item.AssetID] {
			return nil, opError(op, 0, ErrCollateralUnavailable, fmt.Errorf("asset %s", item.AssetID))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	candidate.RequestedAt = e.clock()
	if !StateRequested.CanTransition(StateInquiry) {
		return nil, opError(op, 0, ErrInvalidState, nil)
	}
	candidate.State = StateInquiry
	created, err := e.store.CreateLoan(ctx, candidate, supply)
	if err != nil {
		if errors.Is(err, ErrCollateralUnavailable) {
			return nil, opError(op, 0, ErrCollateralUnavailable, err)
		}
		e.metrics.ObserveCollaboratorFailure("store")
		return nil, collaboratorError(op, 0, err)
	}
	return created, nil
}

// Fund assigns lender to a loan in inquiry and activates it. A request whose
// inquiry window has lapsed is expired, releasing its collateral, and the
// call fails with ErrInquiryExpired.
func (e *Engine) Fund(ctx context.Context, loanID uint64, lender string) (loan *Loan, err error) {
	const op = "fund"
	defer e.observe(op, e.clock(), &err)
	if err := nativecommon.Guard(e.pauses, ActionFund); err != nil {
		return nil, opError(op, loanID, ErrPaused, err)
	}
	lender = strings.TrimSpace(lender)
	if lender == "" {
		return nil, opError(op, loanID, ErrInvalidParameter, errors.New("lender required"))
	}
	unlock := e.loanLocks.Lock(loanID)
	defer unlock()

	current, err := e.load(ctx, op, loanID)
	if err != nil {
		return nil, err
	}
	switch current.State {
	case StateInquiry:
	case StateExpired:
		return nil, opError(op, loanID, ErrInquiryExpired, nil)
	default:
		return nil, opError(op, loanID, ErrInvalidState, fmt.Errorf("loan is %s", current.State))
	}
	if strings.EqualFold(lender, current.Borrower) {
		return nil, opError(op, loanID, ErrInvalidParameter, errors.New("borrower cannot fund own loan"))
	}
	if now := e.clock(); now.After(current.InquiryDeadline()) {
		return nil, e.expire(ctx, op, current, now)
	}
	if e.authorizer != nil {
		allowed, err := e.authorizer.Authorize(ctx, lender)
		if err != nil {
			e.metrics.ObserveCollaboratorFailure("authorizer")
			return nil, collaboratorError(op, loanID, err)
		}
		if !allowed {
			return nil, opError(op, loanID, ErrLenderNotAuthorized, fmt.Errorf("%s", lender))
		}
	}
	now := e.clock()
	if now.After(current.InquiryDeadline()) {
		return nil, e.expire(ctx, op, current, now)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s loan %d: %w", op, loanID, err)
	}

	funded := current.Clone()
	funded.Lender = lender
	funded.FundedAt = now
	funded.State = StateActive
	if err := e.commit(ctx, op, funded, StateInquiry); err != nil {
		return nil, err
	}
	e.logger.Info("loan funded",
		slog.Uint64("loan_id", funded.ID),
		slog.String("lender", lender),
		slog.Time("maturity", funded.Maturity()))
	e.publish(ctx, EventFunded, funded)
	return funded.Clone(), nil
}

func (e *Engine) expire(ctx context.Context, op string, current *Loan, now time.Time) error {
	expired := current.Clone()
	expired.State = StateExpired
	expired.ClosedAt = now
	if err := e.commit(ctx, op, expired, StateInquiry); err != nil {
		return err
	}
	e.logger.Info("loan inquiry expired",
		slog.Uint64("loan_id", expired.ID),
		slog.Time("deadline", expired.InquiryDeadline()))
	e.publish(ctx, EventExpired, expired)
	return opError(op, current.ID, ErrInquiryExpired, nil)
}

// Repay settles an active loan in full and releases the collateral to the
// borrower. Partial repayments are rejected.
func (e *Engine) Repay(ctx context.Context, loanID uint64, amount *uint256.Int) (loan *Loan, err error) {
	const op = "repay"
	defer e.observe(op, e.clock(), &err)
	if err := nativecommon.Guard(e.pauses, ActionRepay); err != nil {
		return nil, opError(op, loanID, ErrPaused, err)
	}
	if amount == nil {
		return nil, opError(op, loanID, ErrInvalidParameter, errors.New("amount required"))
	}
	unlock := e.loanLocks.Lock(loanID)
	defer unlock()

	current, err := e.load(ctx, op, loanID)
	if err != nil {
		return nil, err
	}
	if current.State != StateActive {
		return nil, opError(op, loanID, ErrInvalidState, fmt.Errorf("loan is %s", current.State))
	}
	now := e.clock()
	obligation := current.Obligation(now)
	if amount.Lt(obligation) {
		return nil, opError(op, loanID, ErrInsufficientRepayment,
			fmt.Errorf("amount %s below obligation %s", amount.Dec(), obligation.Dec()))
	}
	if err := e.transferCollateral(ctx, op, current, PurposeRelease, current.Borrower); err != nil {
		return nil, err
	}

	repaid := current.Clone()
	repaid.State = StateRepaid
	repaid.ClosedAt = now
	repaid.RepaidAmount = new(uint256.Int).Set(amount)
	if err := e.commit(ctx, op, repaid, StateActive); err != nil {
		return nil, err
	}
	e.logger.Info("loan repaid",
		slog.Uint64("loan_id", repaid.ID),
		slog.String("amount", amount.Dec()),
		slog.String("obligation", obligation.Dec()))
	e.publish(ctx, EventRepaid, repaid)
	return repaid.Clone(), nil
}

// LiquidationVerdict is the outcome of comparing a loan's obligation with
// its collateral.
type LiquidationVerdict struct {
	LoanID uint64
	// Liquidatable is true when the obligation meets or exceeds the
	// liquidation threshold.
	Liquidatable bool
	// Matured is true once the term has elapsed.
	Matured bool
	// Ratio is obligation / collateral value.
	Ratio           decimal.Decimal
	Obligation      *uint256.Int
	CollateralValue *uint256.Int
	Threshold       *uint256.Int
	AsOf            time.Time
}

// Eligible reports whether Liquidate would proceed.
func (v LiquidationVerdict) Eligible() bool {
	return v.Liquidatable || v.Matured
}

// CheckLiquidation evaluates an active loan against current valuations.
// Explicit valuations win; remaining assets are priced through the feed when
// one is configured and quotes them, otherwise at their request-time
// valuation.
func (e *Engine) CheckLiquidation(ctx context.Context, loanID uint64, valuations map[string]*uint256.Int) (LiquidationVerdict, error) {
	const op = "check_liquidation"
	current, err := e.load(ctx, op, loanID)
	if err != nil {
		return LiquidationVerdict{}, err
	}
	if current.State != StateActive {
		return LiquidationVerdict{}, opError(op, loanID, ErrInvalidState, fmt.Errorf("loan is %s", current.State))
	}
	return e.verdict(ctx, op, current, e.clock(), valuations)
}

func (e *Engine) verdict(ctx context.Context, op string, loan *Loan, now time.Time, valuations map[string]*uint256.Int) (LiquidationVerdict, error) {
	current := make(map[string]*uint256.Int, len(loan.Collateral))
	for _, item := range loan.Collateral {
		if v, ok := valuations[item.AssetID]; ok && v != nil {
			current[item.AssetID] = v
			continue
		}
		if e.prices == nil {
			continue
		}
		v, err := e.prices.Valuation(ctx, item.AssetID)
		if errors.Is(err, ErrNoPrice) {
			continue
		}
		if err != nil {
			e.metrics.ObserveCollaboratorFailure("pricefeed")
			return LiquidationVerdict{}, collaboratorError(op, loan.ID, err)
		}
		current[item.AssetID] = v
	}
	value := collateralValue(loan.Collateral, current)
	threshold := e.policy.ThresholdForValue(value)
	obligation := loan.Obligation(now)
	return LiquidationVerdict{
		LoanID:          loan.ID,
		Liquidatable:    !obligation.Lt(threshold),
		Matured:         now.After(loan.Maturity()),
		Ratio:           ratio(obligation, value),
		Obligation:      obligation,
		CollateralValue: value,
		Threshold:       threshold,
		AsOf:            now,
	}, nil
}

// Liquidate hands the collateral of an eligible active loan to its lender.
// It never silently no-ops: ineligible loans fail with ErrNotLiquidatable.
func (e *Engine) Liquidate(ctx context.Context, loanID uint64) (loan *Loan, err error) {
	const op = "liquidate"
	defer e.observe(op, e.clock(), &err)
	if err := nativecommon.Guard(e.pauses, ActionLiquidate); err != nil {
		return nil, opError(op, loanID, ErrPaused, err)
	}
	unlock := e.loanLocks.Lock(loanID)
	defer unlock()

	current, err := e.load(ctx, op, loanID)
	if err != nil {
		return nil, err
	}
	if current.State != StateActive {
		return nil, opError(op, loanID, ErrInvalidState, fmt.Errorf("loan is %s", current.State))
	}
	now := e.clock()
	matured := now.After(current.Maturity())
	if !matured {
		verdict, err := e.verdict(ctx, op, current, now, nil)
		if err != nil {
			return nil, err
		}
		if !verdict.Eligible() {
			return nil, opError(op, loanID, ErrNotLiquidatable,
				fmt.Errorf("ratio %s below threshold", verdict.Ratio.String()))
		}
	}
	if err := e.transferCollateral(ctx, op, current, PurposeLiquidate, current.Lender); err != nil {
		return nil, err
	}

	liquidated := current.Clone()
	liquidated.State = StateLiquidated
	liquidated.ClosedAt = now
	if err := e.commit(ctx, op, liquidated, StateActive); err != nil {
		return nil, err
	}
	e.logger.Warn("loan liquidated",
		slog.Uint64("loan_id", liquidated.ID),
		slog.String("lender", liquidated.Lender),
		slog.Bool("matured", matured))
	e.publish(ctx, EventLiquidated, liquidated)
	return liquidated.Clone(), nil
}

// Get returns a copy of the loan.
func (e *Engine) Get(ctx context.Context, loanID uint64) (*Loan, error) {
	return e.load(ctx, "get", loanID)
}

// List returns loans matching filter ordered by id.
func (e *Engine) List(ctx context.Context, filter LoanFilter) ([]*Loan, error) {
	loans, err := e.store.ListLoans(ctx, filter)
	if err != nil {
		return nil, collaboratorError("list", 0, err)
	}
	return loans, nil
}

// ExpireStale moves every inquiry whose window has lapsed to expired and
// reports how many were expired.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	const op = "expire"
	loans, err := e.List(ctx, LoanFilter{States: []State{StateInquiry}})
	if err != nil {
		return 0, err
	}
	var (
		expired int
		errs    []error
	)
	for _, candidate := range loans {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !e.clock().After(candidate.InquiryDeadline()) {
			continue
		}
		ok, err := e.expireIfStale(ctx, op, candidate.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (e *Engine) expireIfStale(ctx context.Context, op string, loanID uint64) (bool, error) {
	unlock := e.loanLocks.Lock(loanID)
	defer unlock()
	current, err := e.load(ctx, op, loanID)
	if err != nil {
		return false, err
	}
	now := e.clock()
	if current.State != StateInquiry || !now.After(current.InquiryDeadline()) {
		return false, nil
	}
	if err := e.expire(ctx, op, current, now); !errors.Is(err, ErrInquiryExpired) {
		return false, err
	}
	return true, nil
}

// LiquidateMatured liquidates every active loan past maturity and reports
// how many were liquidated.
func (e *Engine) LiquidateMatured(ctx context.Context) (int, error) {
	loans, err := e.List(ctx, LoanFilter{States: []State{StateActive}})
	if err != nil {
		return 0, err
	}
	var (
		liquidated int
		errs       []error
	)
	for _, candidate := range loans {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !e.clock().After(candidate.Maturity()) {
			continue
		}
		if _, err := e.Liquidate(ctx, candidate.ID); err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		liquidated++
	}
	return liquidated, errors.Join(errs...)
}

func (e *Engine) load(ctx context.Context, op string, loanID uint64) (*Loan, error) {
	loan, err := e.store.GetLoan(ctx, loanID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, opError(op, loanID, ErrNotFound, nil)
		}
		e.metrics.ObserveCollaboratorFailure("store")
		return nil, collaboratorError(op, loanID, err)
	}
	return loan, nil
}

func (e *Engine) commit(ctx context.Context, op string, next *Loan, expected State) error {
	if !expected.CanTransition(next.State) {
		return opError(op, next.ID, ErrInvalidState, fmt.Errorf("%s -> %s", expected, next.State))
	}
	if err := e.store.UpdateLoan(ctx, next, expected); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return opError(op, next.ID, ErrInvalidState, err)
		}
		e.metrics.ObserveCollaboratorFailure("store")
		return collaboratorError(op, next.ID, err)
	}
	e.metrics.ObserveTransition(expected, next.State)
	return nil
}

// transferCollateral moves every collateral item out of escrow. Items whose
// transfer was recorded by an earlier attempt are skipped, so a retry after a
// partial failure never repeats a delivery. Once any item has left escrow the
// loan is pinned to that purpose; only the same operation may finish it.
func (e *Engine) transferCollateral(ctx context.Context, op string, loan *Loan, purpose TransferPurpose, to string) error {
	records, err := e.store.Transfers(ctx, loan.ID)
	if err != nil {
		e.metrics.ObserveCollaboratorFailure("store")
		return collaboratorError(op, loan.ID, err)
	}
	done := make(map[string]struct{}, len(records))
	for _, record := range records {
		if record.Purpose != purpose {
			return opError(op, loan.ID, ErrInvalidState,
				fmt.Errorf("collateral %s already in progress", record.Purpose))
		}
		done[record.ID] = struct{}{}
	}
	for idx, item := range loan.Collateral {
		req := TransferRequest{
			ID:       TransferID(loan.ID, purpose, idx),
			LoanID:   loan.ID,
			Purpose:  purpose,
			AssetID:  item.AssetID,
			Kind:     item.Kind,
			Quantity: item.Quantity,
			From:     e.escrow,
			To:       to,
		}
		if _, ok := done[req.ID]; ok {
			continue
		}
		receipt, err := e.transferer.Transfer(ctx, req)
		if err != nil {
			e.metrics.ObserveCollaboratorFailure("custody")
			e.logger.Error("collateral transfer failed",
				slog.Uint64("loan_id", loan.ID),
				slog.String("transfer_id", req.ID),
				slog.String("asset_id", item.AssetID),
				slog.Any("error", err))
			return collaboratorError(op, loan.ID, err)
		}
		completed := receipt.CompletedAt
		if completed.IsZero() {
			completed = e.clock()
		}
		record := TransferRecord{TransferRequest: req, Reference: receipt.Reference, CompletedAt: completed}
		if err := e.store.RecordTransfer(ctx, record); err != nil {
			e.metrics.ObserveCollaboratorFailure("store")
			return collaboratorError(op, loan.ID, err)
		}
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, typ EventType, loan *Loan) {
	if len(e.sinks) == 0 {
		return
	}
	event := Event{Type: typ, At: e.clock(), Loan: loan.Clone()}
	for _, sink := range e.sinks {
		if err := sink.Publish(context.WithoutCancel(ctx), event); err != nil {
			e.logger.Warn("publish lending event",
				slog.String("event", string(typ)),
				slog.Uint64("loan_id", loan.ID),
				slog.Any("error", err))
		}
	}
}

func (e *Engine) observe(op string, started time.Time, err *error) {
	e.metrics.ObserveOperation(op, e.clock().Sub(started), *err)
}
