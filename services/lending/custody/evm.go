package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"gemfi/native/lending"
	"gemfi/observability/logging"
	"gemfi/storage/sqlstore"
)

const tokenABI = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`

// Token standards supported by the EVM transferer.
const (
	StandardERC20  = "erc20"
	StandardERC721 = "erc721"
)

var (
	parsedTokenABI = mustParseABI(tokenABI)

	ErrUnknownAsset   = errors.New("custody: asset has no on-chain mapping")
	ErrUnknownAccount = errors.New("custody: account has no on-chain address")
	ErrReverted       = errors.New("custody: transaction reverted")
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ChainClient is the subset of the Ethereum RPC used to submit transfers.
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// DialChain initialises an EVM RPC client for the provided endpoint.
func DialChain(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("custody: evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// LoadKey decrypts the escrow signer from an Ethereum v3 keystore file.
func LoadKey(path, passphrase string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("custody: read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("custody: decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

// Token maps a catalog asset onto a contract. ERC-721 assets carry a token
// id; ERC-20 quantities are scaled by UnitsPerItem.
type Token struct {
	Contract     common.Address
	Standard     string
	TokenID      *big.Int
	UnitsPerItem *big.Int
}

type EVMConfig struct {
	ChainID *big.Int
	Tokens  map[string]Token
	// Accounts resolves logical account names. Hex addresses resolve to
	// themselves.
	Accounts      map[string]common.Address
	PollInterval  time.Duration
	GasLimitBoost uint64
	// Submissions records signed transactions per transfer id. sqlstore.Store
	// satisfies it; nil keeps them in memory for the process lifetime.
	Submissions SubmissionLog
}

// SubmissionLog persists the signed transaction of each transfer id.
type SubmissionLog interface {
	RecordSubmission(ctx context.Context, sub sqlstore.ChainSubmission) (bool, error)
	FindSubmission(ctx context.Context, transferID string) (sqlstore.ChainSubmission, bool, error)
	ClearSubmission(ctx context.Context, transferID string) error
}

// EVM executes collateral transfers as token transactions signed by the
// escrow key. Each signed transaction is recorded before broadcast; a retry
// of the same transfer id, even from a restarted process, rebroadcasts and
// awaits that transaction rather than signing a new one.
type EVM struct {
	client ChainClient
	key    *ecdsa.PrivateKey
	from   common.Address
	cfg    EVMConfig
	signer gethtypes.Signer
	log    SubmissionLog

	nonceMu sync.Mutex
}

var _ lending.CollateralTransferer = (*EVM)(nil)

func NewEVM(client ChainClient, key *ecdsa.PrivateKey, cfg EVMConfig) (*EVM, error) {
	if client == nil || key == nil {
		return nil, errors.New("custody: evm client and key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("custody: chain id required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	log := cfg.Submissions
	if log == nil {
		log = newMemorySubmissions()
	}
	return &EVM{
		client: client,
		key:    key,
		from:   gethcrypto.PubkeyToAddress(key.PublicKey),
		cfg:    cfg,
		signer: gethtypes.LatestSignerForChainID(cfg.ChainID),
		log:    log,
	}, nil
}

// Address is the escrow account that signs transfers.
func (e *EVM) Address() common.Address { return e.from }

func (e *EVM) Transfer(ctx context.Context, req lending.TransferRequest) (lending.TransferReceipt, error) {
	if err := validateRequest(req); err != nil {
		return lending.TransferReceipt{}, err
	}
	sub, found, err := e.log.FindSubmission(ctx, req.ID)
	if err != nil {
		return lending.TransferReceipt{}, fmt.Errorf("custody: load submission %s: %w", req.ID, err)
	}
	if found {
		if err := e.rebroadcast(ctx, sub); err != nil {
			return lending.TransferReceipt{}, err
		}
	} else if sub, err = e.submit(ctx, req); err != nil {
		return lending.TransferReceipt{}, err
	}

	hash := common.HexToHash(sub.TxHash)
	receipt, err := e.awaitReceipt(ctx, hash)
	if err != nil {
		return lending.TransferReceipt{}, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		if err := e.log.ClearSubmission(ctx, req.ID); err != nil {
			return lending.TransferReceipt{}, fmt.Errorf("custody: clear submission %s: %w", req.ID, err)
		}
		return lending.TransferReceipt{}, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}
	return lending.TransferReceipt{
		ID:          req.ID,
		Reference:   hash.Hex(),
		CompletedAt: time.Now().UTC(),
	}, nil
}

// submit signs a transfer, records it and broadcasts it. When another
// process recorded the same transfer first, its transaction is used.
func (e *EVM) submit(ctx context.Context, req lending.TransferRequest) (sqlstore.ChainSubmission, error) {
	e.nonceMu.Lock()
	defer e.nonceMu.Unlock()
	tx, err := e.build(ctx, req)
	if err != nil {
		return sqlstore.ChainSubmission{}, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return sqlstore.ChainSubmission{}, fmt.Errorf("custody: encode: %w", err)
	}
	sub := sqlstore.ChainSubmission{
		TransferID: req.ID,
		TxHash:     tx.Hash().Hex(),
		RawTx:      raw,
		Nonce:      tx.Nonce(),
	}
	created, err := e.log.RecordSubmission(ctx, sub)
	if err != nil {
		return sqlstore.ChainSubmission{}, fmt.Errorf("custody: record submission %s: %w", req.ID, err)
	}
	if !created {
		existing, found, err := e.log.FindSubmission(ctx, req.ID)
		if err != nil {
			return sqlstore.ChainSubmission{}, fmt.Errorf("custody: load submission %s: %w", req.ID, err)
		}
		if !found {
			return sqlstore.ChainSubmission{}, fmt.Errorf("custody: submission %s cleared concurrently", req.ID)
		}
		return existing, e.rebroadcast(ctx, existing)
	}
	if err := e.client.SendTransaction(ctx, tx); err != nil {
		return sqlstore.ChainSubmission{}, fmt.Errorf("custody: send: %w", err)
	}
	return sub, nil
}

// rebroadcast resends a recorded transaction. A node that already has it, or
// has already mined its nonce, is not an error.
func (e *EVM) rebroadcast(ctx context.Context, sub sqlstore.ChainSubmission) error {
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(sub.RawTx); err != nil {
		return fmt.Errorf("custody: decode submission %s: %w", sub.TransferID, err)
	}
	err := e.client.SendTransaction(ctx, tx)
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") || strings.Contains(msg, "nonce too low") {
		return nil
	}
	return fmt.Errorf("custody: rebroadcast %s: %w", sub.TxHash, err)
}

// build signs the transfer transaction. Callers hold nonceMu.
func (e *EVM) build(ctx context.Context, req lending.TransferRequest) (*gethtypes.Transaction, error) {
	token, ok := e.cfg.Tokens[req.AssetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, req.AssetID)
	}
	to, err := e.resolve(req.To)
	if err != nil {
		return nil, err
	}
	data, err := e.calldata(token, to, req.Quantity)
	if err != nil {
		return nil, err
	}

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("custody: nonce: %w", err)
	}
	tip, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("custody: gas tip: %w", err)
	}
	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("custody: head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	contract := token.Contract
	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &contract, Data: data})
	if err != nil {
		return nil, fmt.Errorf("custody: estimate gas: %w", err)
	}
	tx, err := gethtypes.SignNewTx(e.key, e.signer, &gethtypes.DynamicFeeTx{
		ChainID:   e.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + e.cfg.GasLimitBoost,
		To:        &contract,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("custody: sign: %w", err)
	}
	return tx, nil
}

func (e *EVM) calldata(token Token, to common.Address, quantity uint64) ([]byte, error) {
	switch strings.ToLower(token.Standard) {
	case StandardERC721:
		if token.TokenID == nil {
			return nil, fmt.Errorf("custody: erc721 token id required for %s", token.Contract.Hex())
		}
		return parsedTokenABI.Pack("safeTransferFrom", e.from, to, token.TokenID)
	case StandardERC20:
		amount := new(big.Int).SetUint64(quantity)
		if token.UnitsPerItem != nil {
			amount.Mul(amount, token.UnitsPerItem)
		}
		return parsedTokenABI.Pack("transfer", to, amount)
	default:
		return nil, fmt.Errorf("custody: unsupported token standard %q", token.Standard)
	}
}

func (e *EVM) resolve(account string) (common.Address, error) {
	if addr, ok := e.cfg.Accounts[account]; ok {
		return addr, nil
	}
	if common.IsHexAddress(account) {
		return common.HexToAddress(account), nil
	}
	return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownAccount, logging.MaskValue(account))
}

func (e *EVM) awaitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("custody: receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type memorySubmissions struct {
	mu   sync.Mutex
	subs map[string]sqlstore.ChainSubmission
}

func newMemorySubmissions() *memorySubmissions {
	return &memorySubmissions{subs: make(map[string]sqlstore.ChainSubmission)}
}

func (m *memorySubmissions) RecordSubmission(_ context.Context, sub sqlstore.ChainSubmission) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.TransferID]; ok {
		return false, nil
	}
	m.subs[sub.TransferID] = sub
	return true, nil
}

func (m *memorySubmissions) FindSubmission(_ context.Context, transferID string) (sqlstore.ChainSubmission, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[transferID]
	return sub, ok, nil
}

func (m *memorySubmissions) ClearSubmission(_ context.Context, transferID string) error {
	m.mu.Lock()
	delete(m.subs, transferID)
	m.mu.Unlock()
	return nil
}
