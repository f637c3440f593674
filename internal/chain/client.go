// Copyright 2025 Ceramic Anchor Service
//
// Ethereum Transaction State Machine: submits a Merkle root as a
// bytes32 argument to the anchor contract's `f(bytes32)` method and
// waits for a successful receipt, bumping fees on timeout, as an explicit
// GetFeeHistory -> SimulateContract -> WriteContract -> GetTransactionReceipt
// -> GetBlock state machine.

package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/config"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/errs"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/store"
)

// anchorContractABI is the minimal ABI for the anchor contract's single
// write method, f(bytes32 root).
const anchorContractABI = `[{"inputs":[{"internalType":"bytes32","name":"root","type":"bytes32"}],"name":"f","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// maxFeeBumpAttempts hard-caps the receipt-failure retry loop.
const maxFeeBumpAttempts = 3

// Client submits Merkle roots to the configured anchor contract.
type Client struct {
	eth          *ethclient.Client
	chainID      *big.Int
	privateKey   *ecdsa.PrivateKey
	fromAddress  common.Address
	contractAddr common.Address
	contractABI  abi.ABI
	callTimeout  time.Duration
	maxAttempts  int
}

// NewClient dials the configured RPC endpoint and parses the operator
// private key used to sign anchor transactions.
func NewClient(cfg config.ChainSettings) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ethereum rpc: %w", err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse anchor private key: %w", err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to derive public key from private key")
	}

	contractABI, err := abi.JSON(strings.NewReader(anchorContractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse anchor contract abi: %w", err)
	}

	attempts := cfg.MaxFeeBumpAttempts
	if attempts <= 0 || attempts > maxFeeBumpAttempts {
		attempts = maxFeeBumpAttempts
	}

	return &Client{
		eth:          eth,
		chainID:      big.NewInt(cfg.ChainID),
		privateKey:   privateKey,
		fromAddress:  crypto.PubkeyToAddress(*publicKeyECDSA),
		contractAddr: common.HexToAddress(cfg.AnchorContractAddr),
		contractABI:  contractABI,
		callTimeout:  cfg.CallTimeout.Duration(),
		maxAttempts:  attempts,
	}, nil
}

// feeState tracks the EIP-1559 fee parameters across bump attempts.
type feeState struct {
	baseFeePerGas     *big.Int
	maxPriorityFeePerGas *big.Int
	maxFeePerGas      *big.Int
}

// Submit anchors root on-chain, implementing the
// GetFeeHistory -> SimulateContract -> WriteContract -> GetTransactionReceipt
// -> GetBlock state machine. On a failed (non-success) receipt it loops
// back to GetFeeHistory with bumped fees, up to maxAttempts.
func (c *Client) Submit(ctx context.Context, root cid.Cid) (*store.Transaction, error) {
	var root32 [32]byte
	rootHash := root.Hash()
	// Use the multihash digest's trailing 32 bytes (sha2-256 digest) as
	// the on-chain bytes32 root argument.
	digest := rootHash
	if len(digest) > 32 {
		digest = digest[len(digest)-32:]
	}
	copy(root32[32-len(digest):], digest)

	callData, err := c.contractABI.Pack("f", root32)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransactionFailure, "abi", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(ctx, c.callTimeout)

		fees, err := c.getFeeHistory(ctx, attempt)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}

		if err := c.simulateContract(ctx, callData, fees); err != nil {
			cancel()
			lastErr = errs.Wrap(errs.KindTransactionFailure, "simulate", err)
			continue
		}

		signedTx, err := c.writeContract(ctx, callData, fees)
		if err != nil {
			cancel()
			lastErr = errs.Wrap(errs.KindTransactionFailure, "write", err)
			continue
		}

		receipt, err := c.getTransactionReceipt(ctx, signedTx)
		if err != nil {
			cancel()
			lastErr = errs.Wrap(errs.KindTransactionFailure, "receipt", err)
			continue
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			cancel()
			lastErr = errs.Wrap(errs.KindTransactionFailure, "receipt", fmt.Errorf("transaction reverted"))
			continue
		}

		block, err := c.eth.BlockByNumber(ctx, receipt.BlockNumber)
		cancel()
		if err != nil {
			lastErr = errs.Wrap(errs.KindTransactionFailure, "block", err)
			continue
		}

		return &store.Transaction{
			Chain:          fmt.Sprintf("eip155:%s", c.chainID.String()),
			TxHash:         signedTx.Hash().Hex(),
			BlockNumber:    receipt.BlockNumber.Uint64(),
			BlockTimestamp: time.Unix(int64(block.Time()), 0).UTC(),
		}, nil
	}

	if lastErr == nil {
		lastErr = errs.ErrTransactionFailure
	}
	return nil, lastErr
}

// getFeeHistory fetches the current base fee and derives priority/max
// fees, bumping them per attempt using the fee-escalation formulas:
// maxPriorityFeePerGas *= (100 + 10*attempt)/100,
// maxFeePerGas = baseFeePerGas*1.2 + maxPriorityFeePerGas.
func (c *Client) getFeeHistory(ctx context.Context, attempt int) (*feeState, error) {
	tipCap, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransactionFailure, "fee-history", err)
	}
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransactionFailure, "fee-history", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}

	return computeFees(baseFee, tipCap, attempt), nil
}

// computeFees applies the EIP-1559 fee-bump formulas in isolation from
// any RPC call, so the escalation math can be tested without a live
// chain: maxPriorityFeePerGas *= (100 + 10*attempt)/100, then
// maxFeePerGas = baseFeePerGas*1.2 + maxPriorityFeePerGas.
func computeFees(baseFee, tipCap *big.Int, attempt int) *feeState {
	priority := new(big.Int).Set(tipCap)
	if attempt > 0 {
		multiplier := big.NewInt(int64(100 + 10*attempt))
		priority = priority.Mul(priority, multiplier)
		priority = priority.Div(priority, big.NewInt(100))
	}

	scaledBase := new(big.Int).Mul(baseFee, big.NewInt(12))
	scaledBase = scaledBase.Div(scaledBase, big.NewInt(10))
	maxFee := new(big.Int).Add(scaledBase, priority)

	return &feeState{baseFeePerGas: baseFee, maxPriorityFeePerGas: priority, maxFeePerGas: maxFee}
}

// simulateContract performs a read-only eth_call against the anchor
// contract to catch a reverting transaction before paying to send it.
func (c *Client) simulateContract(ctx context.Context, callData []byte, fees *feeState) error {
	_, err := c.eth.CallContract(ctx, ethereum.CallMsg{From: c.fromAddress, To: &c.contractAddr, Data: callData}, nil)
	return err
}

func (c *Client) writeContract(ctx context.Context, callData []byte, fees *feeState) (*types.Transaction, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return nil, err
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.fromAddress, To: &c.contractAddr, Data: callData})
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: fees.maxPriorityFeePerGas,
		GasFeeCap: fees.maxFeePerGas,
		Gas:       gasLimit,
		To:        &c.contractAddr,
		Data:      callData,
	})

	signedTx, err := types.SignTx(tx, types.NewLondonSigner(c.chainID), c.privateKey)
	if err != nil {
		return nil, err
	}
	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return nil, err
	}
	return signedTx, nil
}

func (c *Client) getTransactionReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, c.eth, tx)
}
