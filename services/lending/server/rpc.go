package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"gemfi/gateway/middleware"
	"gemfi/native/ledger"
	"gemfi/native/lending"
)

// LendingServiceName is the fully qualified gRPC service name. Every method
// takes and returns a google.protobuf.Struct carrying the same JSON documents
// as the HTTP API.
const LendingServiceName = "gemfi.lending.v1.LendingService"

// Metadata keys read by the gRPC authenticator.
const (
	metadataAuthorization = "authorization"
	metadataDevSubject    = "x-dev-subject"
	metadataDevScopes     = "x-dev-scopes"
)

// lendingService is the handler type registered for LendingServiceName.
type lendingService interface {
	RequestLoan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	FundLoan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RepayLoan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CheckLiquidation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Liquidate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetLoan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetReceipt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var lendingServiceDesc = grpc.ServiceDesc{
	ServiceName: LendingServiceName,
	HandlerType: (*lendingService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("RequestLoan", lendingService.RequestLoan),
		unaryMethod("FundLoan", lendingService.FundLoan),
		unaryMethod("RepayLoan", lendingService.RepayLoan),
		unaryMethod("CheckLiquidation", lendingService.CheckLiquidation),
		unaryMethod("Liquidate", lendingService.Liquidate),
		unaryMethod("GetLoan", lendingService.GetLoan),
		unaryMethod("GetReceipt", lendingService.GetReceipt),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gemfi/lending/v1/lending.proto",
}

// rpcScopes lists the scopes each method requires on top of authentication.
var rpcScopes = map[string][]string{
	"/" + LendingServiceName + "/RequestLoan": {middleware.ScopeBorrower},
	"/" + LendingServiceName + "/FundLoan":    {middleware.ScopeLender},
	"/" + LendingServiceName + "/RepayLoan":   {middleware.ScopeBorrower},
	"/" + LendingServiceName + "/Liquidate":   {middleware.ScopeLender},
}

func unaryMethod(name string, call func(lendingService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + LendingServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(lendingService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(svc, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// RegisterGRPC serves the loan lifecycle on registrar. Callers chain
// UnaryAuthInterceptor so the same identities and scopes apply as over HTTP.
func (s *Server) RegisterGRPC(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&lendingServiceDesc, &rpcService{s: s})
}

// UnaryAuthInterceptor authenticates lending calls from request metadata and
// enforces the per-method scopes. Other services pass through untouched.
func (s *Server) UnaryAuthInterceptor() grpc.UnaryServerInterceptor {
	prefix := "/" + LendingServiceName + "/"
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		ctx, err := s.auth.Authenticate(ctx, middleware.Credentials{
			Authorization: firstMetadata(md, metadataAuthorization),
			DevSubject:    firstMetadata(md, metadataDevSubject),
			DevScopes:     firstMetadata(md, metadataDevScopes),
		})
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if required := rpcScopes[info.FullMethod]; len(required) > 0 && !middleware.HasScopes(ctx, required...) {
			return nil, status.Error(codes.PermissionDenied, "insufficient scope")
		}
		return handler(ctx, req)
	}
}

func firstMetadata(md metadata.MD, key string) string {
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

type rpcService struct {
	s *Server
}

type loanRef struct {
	LoanID uint64 `json:"loanId"`
}

type repayRequest struct {
	LoanID uint64 `json:"loanId"`
	Amount string `json:"amount"`
}

type liquidationRequest struct {
	LoanID uint64 `json:"loanId"`
	// Valuations maps asset IDs to decimal overrides.
	Valuations map[string]string `json:"valuations"`
}

func (r *rpcService) RequestLoan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req requestLoanInput
	if err := decodeStruct(in, &req); err != nil {
		return nil, r.fail(err)
	}
	unit := r.s.engine.Catalog().Unit()
	principal, err := parseAmount(unit, "principal", req.Principal)
	if err != nil {
		return nil, r.fail(err)
	}
	refs := make([]lending.CollateralRef, 0, len(req.Collateral))
	for _, item := range req.Collateral {
		refs = append(refs, lending.CollateralRef{AssetID: strings.TrimSpace(item.AssetID), Quantity: item.Quantity})
	}
	loan, err := r.s.engine.Request(ctx, lending.RequestParams{
		Borrower:             middleware.Subject(ctx),
		Stablecoin:           req.Stablecoin,
		Principal:            principal,
		InterestRateBps:      req.InterestRateBps,
		TermSeconds:          req.TermSeconds,
		InquiryWindowSeconds: req.InquiryWindowSeconds,
		Collateral:           refs,
	})
	if err != nil {
		return nil, r.fail(err)
	}
	return r.respond(toLoanView(loan, r.s.engine.Now(), unit))
}

func (r *rpcService) FundLoan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeLoanRef(in)
	if err != nil {
		return nil, r.fail(err)
	}
	loan, err := r.s.engine.Fund(ctx, id, middleware.Subject(ctx))
	if err != nil {
		return nil, r.fail(err)
	}
	return r.respond(toLoanView(loan, r.s.engine.Now(), r.s.engine.Catalog().Unit()))
}

func (r *rpcService) RepayLoan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req repayRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, r.fail(err)
	}
	current, err := r.load(ctx, req.LoanID)
	if err != nil {
		return nil, r.fail(err)
	}
	if !r.s.isParty(ctx, current.Borrower) {
		return nil, r.fail(forbidden("only the borrower may repay"))
	}
	unit := r.s.engine.Catalog().Unit()
	amount, err := parseAmount(unit, "amount", req.Amount)
	if err != nil {
		return nil, r.fail(err)
	}
	loan, err := r.s.engine.Repay(ctx, current.ID, amount)
	if err != nil {
		return nil, r.fail(err)
	}
	return r.respond(toLoanView(loan, r.s.engine.Now(), unit))
}

func (r *rpcService) CheckLiquidation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req liquidationRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, r.fail(err)
	}
	if req.LoanID == 0 {
		return nil, r.fail(badRequest("loanId required"))
	}
	unit := r.s.engine.Catalog().Unit()
	var valuations map[string]*uint256.Int
	if len(req.Valuations) > 0 {
		valuations = make(map[string]*uint256.Int, len(req.Valuations))
		for assetID, raw := range req.Valuations {
			amount, err := parseAmount(unit, "valuation "+assetID, raw)
			if err != nil {
				return nil, r.fail(err)
			}
			valuations[strings.TrimSpace(assetID)] = amount
		}
	}
	verdict, err := r.s.engine.CheckLiquidation(ctx, req.LoanID, valuations)
	if err != nil {
		return nil, r.fail(err)
	}
	return r.respond(toVerdictView(verdict, unit))
}

func (r *rpcService) Liquidate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeLoanRef(in)
	if err != nil {
		return nil, r.fail(err)
	}
	current, err := r.load(ctx, id)
	if err != nil {
		return nil, r.fail(err)
	}
	if current.State == lending.StateActive && !r.s.isParty(ctx, current.Lender) {
		return nil, r.fail(forbidden("only the funding lender may liquidate"))
	}
	loan, err := r.s.engine.Liquidate(ctx, current.ID)
	if err != nil {
		return nil, r.fail(err)
	}
	return r.respond(toLoanView(loan, r.s.engine.Now(), r.s.engine.Catalog().Unit()))
}

func (r *rpcService) GetLoan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeLoanRef(in)
	if err != nil {
		return nil, r.fail(err)
	}
	loan, err := r.load(ctx, id)
	if err != nil {
		return nil, r.fail(err)
	}
	return r.respond(toLoanView(loan, r.s.engine.Now(), r.s.engine.Catalog().Unit()))
}

func (r *rpcService) GetReceipt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeLoanRef(in)
	if err != nil {
		return nil, r.fail(err)
	}
	loan, err := r.load(ctx, id)
	if err != nil {
		return nil, r.fail(err)
	}
	receipt, err := ledger.ToReceipt(loan, r.s.engine.Now(), r.s.engine.Catalog().Unit())
	if err != nil {
		return nil, r.fail(err)
	}
	return r.respond(receipt)
}

// load fetches a loan and enforces read access.
func (r *rpcService) load(ctx context.Context, id uint64) (*lending.Loan, error) {
	loan, err := r.s.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.s.canView(ctx, loan) {
		return nil, forbidden("loan belongs to another account")
	}
	return loan, nil
}

func (r *rpcService) respond(view any) (*structpb.Struct, error) {
	raw, err := json.Marshal(view)
	if err != nil {
		return nil, r.fail(err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, r.fail(err)
	}
	return out, nil
}

// fail converts err into a gRPC status, logging failures the caller cannot
// act on.
func (r *rpcService) fail(err error) error {
	st := toStatus(err)
	switch st.Code() {
	case codes.Internal:
		r.s.logger.Error("lending rpc failed", slog.Any("error", err))
	case codes.Unavailable:
		r.s.logger.Warn("lending rpc failed", slog.Any("error", err))
	}
	return st.Err()
}

var rpcCodes = map[string]codes.Code{
	"not_found":                codes.NotFound,
	"invalid_quantity":         codes.InvalidArgument,
	"invalid_parameter":        codes.InvalidArgument,
	"unsupported_denomination": codes.InvalidArgument,
	"insufficient_collateral":  codes.ResourceExhausted,
	"insufficient_repayment":   codes.FailedPrecondition,
	"collateral_unavailable":   codes.Aborted,
	"invalid_state":            codes.FailedPrecondition,
	"inquiry_expired":          codes.FailedPrecondition,
	"not_liquidatable":         codes.FailedPrecondition,
	"not_funded":               codes.FailedPrecondition,
	"lender_not_authorized":    codes.PermissionDenied,
	"paused":                   codes.Unavailable,
	"collaborator_unavailable": codes.Unavailable,
	"timeout":                  codes.DeadlineExceeded,
	"canceled":                 codes.Canceled,
}

// toStatus maps lending errors onto gRPC codes using the same classification
// as the HTTP error table.
func toStatus(err error) *status.Status {
	if errors.Is(err, errForbidden) {
		return status.New(codes.PermissionDenied, err.Error())
	}
	_, code, _ := statusFor(err)
	grpcCode, ok := rpcCodes[code]
	if !ok {
		return status.New(codes.Internal, "internal error")
	}
	return status.New(grpcCode, err.Error())
}

func forbidden(reason string) error {
	return fmt.Errorf("%w: %s", errForbidden, reason)
}

func decodeLoanRef(in *structpb.Struct) (uint64, error) {
	var ref loanRef
	if err := decodeStruct(in, &ref); err != nil {
		return 0, err
	}
	if ref.LoanID == 0 {
		return 0, badRequest("loanId required")
	}
	return ref.LoanID, nil
}

// decodeStruct reads a Struct message into v with the HTTP body rules.
func decodeStruct(in *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return badRequest("invalid request: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request: %v", err)
	}
	return nil
}
