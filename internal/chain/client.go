package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"potline/internal/model"
)

const transferGas = 21000

// Client is the Ledger Client backed by an EVM JSON-RPC endpoint. Batched
// payouts go through a disperse contract so a settlement is one transaction.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	keys      KeyResolver
	disperse  common.Address
	logger    *zap.Logger

	mu      sync.Mutex
	chainID *big.Int
	senders map[common.Address]*sync.Mutex
}

// NewClient creates a new chain client from the RPC URL.
func NewClient(ctx context.Context, rpcURL string, keys KeyResolver, disperseContract string, logger *zap.Logger) (*Client, error) {
	if keys == nil {
		return nil, fmt.Errorf("key resolver is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var disperse common.Address
	if disperseContract != "" {
		if !common.IsHexAddress(disperseContract) {
			return nil, fmt.Errorf("invalid disperse contract: %s", disperseContract)
		}
		disperse = common.HexToAddress(disperseContract)
	}

	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		keys:      keys,
		disperse:  disperse,
		logger:    logger,
		senders:   make(map[common.Address]*sync.Mutex),
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// GetChainID returns the chain ID, cached after the first successful call.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	id, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

// Balance returns the spendable native balance of a wallet.
func (c *Client) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	addr, err := parseAddress(wallet)
	if err != nil {
		return decimal.Zero, err
	}
	wei, err := c.ethClient.BalanceAt(ctx, addr, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", addr.Hex(), err)
	}
	return FromWei(wei), nil
}

// Transfer moves amount from one wallet to another and waits for the receipt.
func (c *Client) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("transfer amount must be positive")
	}
	toAddr, err := parseAddress(to)
	if err != nil {
		return "", err
	}
	key, fromAddr, err := c.signer(ctx, from)
	if err != nil {
		return "", err
	}
	return c.send(ctx, key, fromAddr, toAddr, ToWei(amount), nil, transferGas)
}

// BatchTransfer pays every recipient in a single disperse transaction.
func (c *Client) BatchTransfer(ctx context.Context, from string, transfers []model.Transfer) (string, error) {
	if len(transfers) == 0 {
		return "", fmt.Errorf("batch is empty")
	}
	if c.disperse == (common.Address{}) {
		return "", fmt.Errorf("disperse contract is not configured")
	}

	recipients := make([]common.Address, 0, len(transfers))
	values := make([]*big.Int, 0, len(transfers))
	total := new(big.Int)
	for _, t := range transfers {
		addr, err := parseAddress(t.Recipient)
		if err != nil {
			return "", err
		}
		if !t.Amount.IsPositive() {
			return "", fmt.Errorf("batch amount for %s must be positive", addr.Hex())
		}
		wei := ToWei(t.Amount)
		recipients = append(recipients, addr)
		values = append(values, wei)
		total.Add(total, wei)
	}

	disperseABI, err := DisperseABI()
	if err != nil {
		return "", fmt.Errorf("parse disperse abi: %w", err)
	}
	data, err := disperseABI.Pack("disperseEther", recipients, values)
	if err != nil {
		return "", fmt.Errorf("pack disperseEther: %w", err)
	}

	key, fromAddr, err := c.signer(ctx, from)
	if err != nil {
		return "", err
	}
	gas, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From:  fromAddr,
		To:    &c.disperse,
		Value: total,
		Data:  data,
	})
	if err != nil {
		return "", fmt.Errorf("estimate batch gas: %w", err)
	}
	gas += gas / 5

	return c.send(ctx, key, fromAddr, c.disperse, total, data, gas)
}

func (c *Client) signer(ctx context.Context, wallet string) (*ecdsa.PrivateKey, common.Address, error) {
	addr, err := parseAddress(wallet)
	if err != nil {
		return nil, common.Address{}, err
	}
	key, err := c.keys.PrivateKey(ctx, addr.Hex())
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("resolve key %s: %w", addr.Hex(), err)
	}
	if derived := crypto.PubkeyToAddress(key.PublicKey); derived != addr {
		return nil, common.Address{}, fmt.Errorf("key for %s derives %s", addr.Hex(), derived.Hex())
	}
	return key, addr, nil
}

func (c *Client) senderLock(addr common.Address) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.senders[addr]
	if !ok {
		m = &sync.Mutex{}
		c.senders[addr] = m
	}
	return m
}

// send signs, submits and waits for a transaction. Sends from one wallet are
// serialized so pending nonces do not collide.
func (c *Client) send(ctx context.Context, key *ecdsa.PrivateKey, from, to common.Address, value *big.Int, data []byte, gas uint64) (string, error) {
	chainID, err := c.GetChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("get chain id: %w", err)
	}

	lock := c.senderLock(from)
	lock.Lock()
	nonce, err := c.ethClient.PendingNonceAt(ctx, from)
	if err != nil {
		lock.Unlock()
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		lock.Unlock()
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		lock.Unlock()
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := c.ethClient.SendTransaction(ctx, signed); err != nil {
		lock.Unlock()
		return "", fmt.Errorf("send tx: %w", err)
	}
	lock.Unlock()

	hash := signed.Hash().Hex()
	c.logger.Debug("tx submitted", zap.String("tx_id", hash), zap.String("from", from.Hex()), zap.String("to", to.Hex()))

	receipt, err := bind.WaitMined(ctx, c.ethClient, signed)
	if err != nil {
		return "", fmt.Errorf("wait tx %s: %w", hash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("tx %s reverted", hash)
	}
	return hash, nil
}

func parseAddress(input string) (common.Address, error) {
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid address: %s", input)
	}
	return common.HexToAddress(input), nil
}
