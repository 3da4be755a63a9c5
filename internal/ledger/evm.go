package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/usdc"
)

var (
	ErrInvalidOperatorKey = errors.New("ledger: invalid operator key")
	ErrRPCConnection      = errors.New("ledger: RPC connection failed")
	ErrTransactionFailed  = errors.New("ledger: transaction reverted")
	ErrConfirmTimeout     = errors.New("ledger: confirmation timed out")
)

// ERC20 minimal ABI: delegated transfers plus the reads the driver needs.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// DefaultGasLimit for ERC20 transferFrom when estimation fails.
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout bounds how long Transfer waits for a receipt.
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// EVMConfig for creating an EVM ledger.
type EVMConfig struct {
	RPCURL        string
	OperatorKey   string // hex, 0x prefix optional
	ChainID       int64
	TokenContract string
}

// EVMOption configures the EVM ledger.
type EVMOption func(*EVMLedger)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) EVMOption {
	return func(l *EVMLedger) { l.client = client }
}

// WithConfirmationTimeout overrides how long Transfer waits for inclusion.
func WithConfirmationTimeout(d time.Duration) EVMOption {
	return func(l *EVMLedger) { l.confirmTimeout = d }
}

// EVMLedger moves ERC-20 USDC with delegated authority: senders approve the
// operator address once, and every transfer is a transferFrom signed by the
// operator key. The driver never holds sender funds.
type EVMLedger struct {
	client         EthClient
	operatorKey    *ecdsa.PrivateKey
	operator       common.Address
	chainID        *big.Int
	token          common.Address
	tokenABI       abi.ABI
	confirmTimeout time.Duration
}

var _ Ledger = (*EVMLedger)(nil)

// NewEVMLedger creates an EVM ledger instance.
func NewEVMLedger(cfg EVMConfig, opts ...EVMOption) (*EVMLedger, error) {
	if err := validateEVMConfig(cfg); err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperatorKey, err)
	}

	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidOperatorKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	l := &EVMLedger{
		operatorKey:    key,
		operator:       crypto.PubkeyToAddress(*pub),
		chainID:        big.NewInt(cfg.ChainID),
		token:          common.HexToAddress(cfg.TokenContract),
		tokenABI:       parsedABI,
		confirmTimeout: DefaultConfirmationTimeout,
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		l.client = client
	}

	return l, nil
}

func validateEVMConfig(cfg EVMConfig) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.OperatorKey == "" {
		return fmt.Errorf("%w: operator key required", ErrInvalidOperatorKey)
	}
	if len(strings.TrimPrefix(cfg.OperatorKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidOperatorKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("ledger: chain ID required")
	}
	if cfg.TokenContract == "" {
		return errors.New("ledger: token contract address required")
	}
	return nil
}

func (l *EVMLedger) Backend() string { return "evm" }

// Operator returns the address that signs transfers.
func (l *EVMLedger) Operator() string { return l.operator.Hex() }

// Transfer executes transferFrom(from, to, amount) signed by the operator and
// waits for the transaction to be mined. A *TransferError with Ref set means
// the transaction was broadcast but its fate is unknown.
func (l *EVMLedger) Transfer(ctx context.Context, from, to string, amount *big.Int) (r *Receipt, err error) {
	defer observe("evm", time.Now(), &err)

	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
		return nil, ErrInvalidAddress
	}
	fromAddr := common.HexToAddress(from)
	toAddr := common.HexToAddress(to)

	// Pre-flight: a transferFrom beyond the operator's allowance reverts
	// on-chain. Catch it here with a typed error instead.
	allowance, err := l.Allowance(ctx, from)
	if err != nil {
		return nil, &TransferError{Op: "allowance", Err: err}
	}
	if allowance.Cmp(amount) < 0 {
		return nil, ErrInsufficientAllowance
	}

	data, err := l.tokenABI.Pack("transferFrom", fromAddr, toAddr, amount)
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.operator)
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  l.operator,
		To:    &l.token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, l.token, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(l.chainID), l.operatorKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}

	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TransferError{Op: "send", Ref: signedTx.Hash().Hex(), Err: err}
	}

	txHash := signedTx.Hash().Hex()
	if err := l.waitMined(ctx, signedTx.Hash()); err != nil {
		return nil, &TransferError{Op: "confirm", Ref: txHash, Err: err}
	}

	return &Receipt{
		ID:        idgen.WithPrefix("rcp_"),
		Backend:   "evm",
		From:      strings.ToLower(from),
		To:        strings.ToLower(to),
		Amount:    usdc.Format(amount),
		Reference: txHash,
		CreatedAt: time.Now(),
	}, nil
}

// waitMined polls for the transaction receipt until confirmTimeout. The
// first check is immediate so fast chains don't pay a full poll interval.
func (l *EVMLedger) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == 0 {
				return ErrTransactionFailed
			}
			return nil
		}

		// Not yet mined; wait for the next poll.
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrConfirmTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// BalanceOf returns the token balance of a principal, raw units.
func (l *EVMLedger) BalanceOf(ctx context.Context, principal string) (*big.Int, error) {
	if !common.IsHexAddress(principal) {
		return nil, ErrInvalidAddress
	}
	return l.callUint(ctx, "balanceOf", common.HexToAddress(principal))
}

// Allowance returns how much the operator may move on behalf of owner.
func (l *EVMLedger) Allowance(ctx context.Context, owner string) (*big.Int, error) {
	if !common.IsHexAddress(owner) {
		return nil, ErrInvalidAddress
	}
	return l.callUint(ctx, "allowance", common.HexToAddress(owner), l.operator)
}

func (l *EVMLedger) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := l.tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	result, err := l.client.CallContract(ctx, ethereum.CallMsg{
		To:   &l.token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	return new(big.Int).SetBytes(result), nil
}

// Close closes the client connection.
func (l *EVMLedger) Close() error {
	if l.client != nil {
		l.client.Close()
	}
	return nil
}
