package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient verifies distributor claims against a JSON-RPC node.
type EthClient struct {
	client      *ethclient.Client
	distributor common.Address
	chainID     *big.Int
	waitFor     time.Duration
	pollEvery   time.Duration
}

type EthClientConfig struct {
	RPCURL      string
	Distributor string
	// ReceiptWait bounds how long VerifyClaim waits for an unmined transaction.
	ReceiptWait time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.Distributor) {
		return nil, fmt.Errorf("distributor address is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	return &EthClient{
		client:      cli,
		distributor: common.HexToAddress(cfg.Distributor),
		chainID:     chainID,
		waitFor:     cfg.ReceiptWait,
		pollEvery:   2 * time.Second,
	}, nil
}

func (c *EthClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *EthClient) Close() { c.client.Close() }

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

// VerifyClaim requires a successful receipt carrying a distributor event
// with wallet as an indexed topic. The sender is not compared because claims
// may be relayed through smart accounts.
func (c *EthClient) VerifyClaim(ctx context.Context, txHash, wallet string) error {
	if !common.IsHexAddress(wallet) {
		return ErrWrongRecipient
	}
	hash := common.HexToHash(txHash)

	if c.waitFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.waitFor)
		defer cancel()
	}
	receipt, err := WaitForReceipt(ctx, c.client, hash, c.pollEvery)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrReceiptNotFound
		}
		return err
	}
	return matchClaim(receipt, c.distributor, common.HexToAddress(wallet))
}

func matchClaim(receipt *types.Receipt, distributor, wallet common.Address) error {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ErrReverted
	}
	want := common.BytesToHash(wallet.Bytes())
	emitted := false
	for _, l := range receipt.Logs {
		if l == nil || l.Address != distributor {
			continue
		}
		emitted = true
		// topic 0 is the event signature
		for _, topic := range l.Topics[min(1, len(l.Topics)):] {
			if topic == want {
				return nil
			}
		}
	}
	if !emitted {
		return ErrWrongContract
	}
	return ErrWrongRecipient
}

// ReceiptFetcher is the part of ethclient.Client WaitForReceipt needs.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, client ReceiptFetcher, hash common.Hash, every time.Duration) (*types.Receipt, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
