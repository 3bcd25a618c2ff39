// Package evm executes custody transfers on EVM networks. One Executor
// serves every eip155 chain it has an RPC endpoint for, signing all
// transactions with the operator key.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	multisettle "github.com/x402-foundation/multisettle"
)

const (
	defaultGasLimit       = 300000
	defaultReceiptTimeout = 60 * time.Second
	receiptPollInterval   = time.Second
)

type connection struct {
	client  *ethclient.Client
	chainID *big.Int
}

// Executor implements on-chain deposit and disbursement for eip155 networks.
// Operator transactions are serialized under a mutex so concurrent settles
// never race on the account nonce.
type Executor struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address

	mu    sync.Mutex
	conns map[multisettle.Network]*connection
	rpcs  map[multisettle.Network]string

	gasLimit       uint64
	receiptTimeout time.Duration
	log            *zap.Logger
}

// NewExecutor creates an executor signing with the given operator key.
// rpcs maps exact CAIP-2 network identifiers to RPC endpoints; connections
// are dialed on first use.
func NewExecutor(privateKeyHex string, rpcs map[multisettle.Network]string, log *zap.Logger) (*Executor, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse operator key: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		conns:          make(map[multisettle.Network]*connection),
		rpcs:           rpcs,
		gasLimit:       defaultGasLimit,
		receiptTimeout: defaultReceiptTimeout,
		log:            log,
	}, nil
}

func (e *Executor) OperatorAddress() string {
	return strings.ToLower(e.address.Hex())
}

// Networks returns the network identifiers this executor has endpoints for.
func (e *Executor) Networks() []multisettle.Network {
	out := make([]multisettle.Network, 0, len(e.rpcs))
	for n := range e.rpcs {
		out = append(out, n)
	}
	return out
}

func (e *Executor) connect(ctx context.Context, network multisettle.Network) (*connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if conn, ok := e.conns[network]; ok {
		return conn, nil
	}
	rpcURL, ok := e.rpcs[network]
	if !ok {
		return nil, fmt.Errorf("no RPC endpoint configured for network %s", network)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC for %s: %w", network, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain id for %s: %w", network, err)
	}
	conn := &connection{client: client, chainID: chainID}
	e.conns[network] = conn
	return conn, nil
}

// Deposit submits the payer's signed transferWithAuthorization, moving the
// full authorized amount into operator custody.
func (e *Executor) Deposit(ctx context.Context, network multisettle.Network, asset string, payload *multisettle.SignedPayload) (multisettle.TransferResult, error) {
	auth := payload.Authorization

	value, err := multisettle.ParseAmount(auth.Value)
	if err != nil {
		return multisettle.TransferResult{}, err
	}
	validAfter, err := parseTimestamp(auth.ValidAfter)
	if err != nil {
		return multisettle.TransferResult{}, fmt.Errorf("invalid validAfter: %w", err)
	}
	validBefore, err := parseTimestamp(auth.ValidBefore)
	if err != nil {
		return multisettle.TransferResult{}, fmt.Errorf("invalid validBefore: %w", err)
	}
	nonce, err := parseNonce(auth.Nonce)
	if err != nil {
		return multisettle.TransferResult{}, err
	}
	v, r, s, err := splitSignature(payload.Signature)
	if err != nil {
		return multisettle.TransferResult{}, err
	}

	e.log.Info("submitting deposit",
		zap.String("network", string(network)),
		zap.String("asset", asset),
		zap.String("payer", auth.From),
		zap.String("value", auth.Value))

	return e.writeContract(ctx, network, asset, transferWithAuthorizationABI,
		"transferWithAuthorization",
		common.HexToAddress(auth.From), common.HexToAddress(auth.To),
		value, validAfter, validBefore, nonce, v, r, s)
}

// Disburse transfers amount from operator custody to the recipient.
func (e *Executor) Disburse(ctx context.Context, network multisettle.Network, asset, to string, amount *big.Int) (multisettle.TransferResult, error) {
	e.log.Info("submitting disbursement",
		zap.String("network", string(network)),
		zap.String("asset", asset),
		zap.String("payTo", to),
		zap.String("amount", amount.String()))

	return e.writeContract(ctx, network, asset, erc20TransferABI,
		"transfer", common.HexToAddress(to), amount)
}

// CheckBalance reads the owner's token balance via balanceOf.
func (e *Executor) CheckBalance(ctx context.Context, network multisettle.Network, asset, owner string, required *big.Int) (multisettle.BalanceCheck, error) {
	conn, err := e.connect(ctx, network)
	if err != nil {
		return multisettle.BalanceCheck{}, err
	}

	contractABI, err := abi.JSON(strings.NewReader(string(erc20BalanceOfABI)))
	if err != nil {
		return multisettle.BalanceCheck{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return multisettle.BalanceCheck{}, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	token := common.HexToAddress(asset)
	result, err := conn.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return multisettle.BalanceCheck{}, fmt.Errorf("balanceOf call failed: %w", err)
	}

	balance := big.NewInt(0)
	if len(result) > 0 {
		output, err := contractABI.Methods["balanceOf"].Outputs.Unpack(result)
		if err != nil {
			return multisettle.BalanceCheck{}, fmt.Errorf("failed to unpack balanceOf: %w", err)
		}
		if b, ok := output[0].(*big.Int); ok {
			balance = b
		}
	}

	return multisettle.BalanceCheck{
		Sufficient: balance.Cmp(required) >= 0,
		Balance:    balance,
	}, nil
}

// writeContract packs, signs and submits a contract call, then waits for the
// receipt. The nonce-fetch/sign/send sequence holds the mutex.
func (e *Executor) writeContract(ctx context.Context, network multisettle.Network, contractAddr string, abiJSON []byte, method string, args ...interface{}) (multisettle.TransferResult, error) {
	conn, err := e.connect(ctx, network)
	if err != nil {
		return multisettle.TransferResult{}, err
	}

	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return multisettle.TransferResult{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return multisettle.TransferResult{}, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	e.mu.Lock()
	nonce, err := conn.client.PendingNonceAt(ctx, e.address)
	if err != nil {
		e.mu.Unlock()
		return multisettle.TransferResult{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := conn.client.SuggestGasPrice(ctx)
	if err != nil {
		e.mu.Unlock()
		return multisettle.TransferResult{}, fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(contractAddr),
		big.NewInt(0), e.gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(conn.chainID), e.privateKey)
	if err != nil {
		e.mu.Unlock()
		return multisettle.TransferResult{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := conn.client.SendTransaction(ctx, signedTx); err != nil {
		e.mu.Unlock()
		return multisettle.TransferResult{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	e.mu.Unlock()

	txHash := signedTx.Hash()
	receipt, err := e.waitForReceipt(ctx, conn, txHash)
	if err != nil {
		return multisettle.TransferResult{
			TxHash:      txHash.Hex(),
			ErrorReason: err.Error(),
		}, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return multisettle.TransferResult{
			TxHash:      txHash.Hex(),
			ErrorReason: fmt.Sprintf("transaction %s reverted", txHash.Hex()),
		}, nil
	}
	return multisettle.TransferResult{Success: true, TxHash: txHash.Hex()}, nil
}

func (e *Executor) waitForReceipt(ctx context.Context, conn *connection, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(e.receiptTimeout)
	for time.Now().Before(deadline) {
		receipt, err := conn.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
	return nil, fmt.Errorf("receipt for %s not found after %s", txHash.Hex(), e.receiptTimeout)
}

// Close releases all RPC connections.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, conn := range e.conns {
		conn.client.Close()
	}
	e.conns = make(map[multisettle.Network]*connection)
}

// splitSignature decodes a 65-byte hex signature into its v, r, s components.
// A v below 27 is shifted up, matching EIP-3009 contract expectations.
func splitSignature(sigHex string) (uint8, [32]byte, [32]byte, error) {
	var r, s [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return 0, r, s, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(raw) != 65 {
		return 0, r, s, fmt.Errorf("invalid signature length: %d", len(raw))
	}
	copy(r[:], raw[0:32])
	copy(s[:], raw[32:64])
	v := raw[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// parseNonce decodes a 0x-prefixed 32-byte hex nonce.
func parseNonce(nonceHex string) ([32]byte, error) {
	var nonce [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(nonceHex, "0x"))
	if err != nil {
		return nonce, fmt.Errorf("invalid nonce hex: %w", err)
	}
	if len(raw) != 32 {
		return nonce, fmt.Errorf("nonce must be 32 bytes, got %d", len(raw))
	}
	copy(nonce[:], raw)
	return nonce, nil
}

func parseTimestamp(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	return multisettle.ParseAmount(s)
}
