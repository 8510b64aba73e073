package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

var ErrReverted = errors.New("transaction reverted")

// Tx is an unsigned call the wallet signs and broadcasts.
type Tx struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Wallet sends transactions on behalf of one account.
type Wallet interface {
	Account() common.Address
	Send(ctx context.Context, tx Tx) (common.Hash, error)
}

// RPCCaller is the part of *rpc.Client the signer wallet needs.
type RPCCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// SignerWallet delegates signing to an external signer that implements
// eth_sendTransaction, such as a node with an unlocked account or clef.
type SignerWallet struct {
	client  RPCCaller
	account common.Address
}

// NewSignerWallet creates a wallet for account backed by the signer at client.
func NewSignerWallet(client RPCCaller, account common.Address) *SignerWallet {
	return &SignerWallet{client: client, account: account}
}

// DialSignerWallet connects to the signer endpoint.
func DialSignerWallet(ctx context.Context, endpoint string, account common.Address) (*SignerWallet, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial signer %s: %w", endpoint, err)
	}
	return NewSignerWallet(client, account), nil
}

// Account returns the sending account.
func (w *SignerWallet) Account() common.Address {
	return w.account
}

type sendTxArgs struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value,omitempty"`
}

// Send submits tx via eth_sendTransaction and returns its hash.
func (w *SignerWallet) Send(ctx context.Context, tx Tx) (common.Hash, error) {
	args := sendTxArgs{From: w.account, To: tx.To, Data: tx.Data}
	if tx.Value != nil && tx.Value.Sign() > 0 {
		args.Value = (*hexutil.Big)(tx.Value)
	}
	var hash common.Hash
	if err := w.client.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	log.Info().Str("hash", hash.Hex()).Str("to", tx.To.Hex()).Str("method", MethodName(tx.Data)).Msg("Transaction sent")
	return hash, nil
}

// ReceiptFetcher returns receipts, usually an *ethclient.Client.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitMined polls for the receipt of hash until it is mined or ctx is done.
// A receipt with a failed status returns ErrReverted alongside the receipt.
func WaitMined(ctx context.Context, fetcher ReceiptFetcher, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := fetcher.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			log.Debug().Err(err).Str("hash", hash.Hex()).Msg("Receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
