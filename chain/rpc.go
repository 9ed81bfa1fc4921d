package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// subscriptionManagerABI is the fragment of the manager contract the backend
// uses. Kept minimal on purpose; the full artifact lives with the contract.
const subscriptionManagerABI = `[
	{"inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"interval","type":"uint256"},{"name":"duration","type":"uint256"},{"name":"apiUrl","type":"string"}],"name":"createPlan","outputs":[{"name":"planId","type":"bytes32"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"planId","type":"bytes32"}],"name":"subscribe","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"planId","type":"bytes32"},{"name":"subscriber","type":"address"}],"name":"processRecurringPayment","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"planId","type":"bytes32"}],"name":"getPlan","outputs":[{"components":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"interval","type":"uint256"},{"name":"duration","type":"uint256"},{"name":"active","type":"bool"},{"name":"creator","type":"address"},{"name":"apiUrl","type":"string"}],"name":"","type":"tuple"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"planId","type":"bytes32"},{"name":"subscriber","type":"address"}],"name":"getSubscription","outputs":[{"components":[{"name":"subscriber","type":"address"},{"name":"startTime","type":"uint256"},{"name":"nextPaymentDue","type":"uint256"},{"name":"endTime","type":"uint256"},{"name":"totalPaid","type":"uint256"},{"name":"active","type":"bool"}],"name":"","type":"tuple"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"getNonce","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getDomainSeparator","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"}
]`

// RPCClient implements Client over a JSON-RPC endpoint using go-ethereum.
type RPCClient struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	chainID  *big.Int
}

// Dial connects to the RPC endpoint and binds the manager contract.
func Dial(ctx context.Context, rpcURL, contractAddress string, chainID *big.Int) (*RPCClient, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return NewRPCClient(eth, contractAddress, chainID)
}

// NewRPCClient binds the manager contract on an existing ethclient.
func NewRPCClient(eth *ethclient.Client, contractAddress string, chainID *big.Int) (*RPCClient, error) {
	parsed, err := abi.JSON(strings.NewReader(subscriptionManagerABI))
	if err != nil {
		return nil, fmt.Errorf("parse manager abi: %w", err)
	}
	addr := common.HexToAddress(contractAddress)
	return &RPCClient{
		eth:      eth,
		contract: bind.NewBoundContract(addr, parsed, eth, eth, eth),
		abi:      parsed,
		address:  addr,
		chainID:  chainID,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *RPCClient) Close() {
	c.eth.Close()
}

func (c *RPCClient) Connected(ctx context.Context) bool {
	_, err := c.eth.ChainID(ctx)
	return err == nil
}

func (c *RPCClient) GetPlan(ctx context.Context, planID [32]byte) (*PlanState, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getPlan", planID); err != nil {
		return nil, fmt.Errorf("%w: getPlan: %v", ErrUnavailable, err)
	}
	raw := *abi.ConvertType(out[0], new(struct {
		Token    common.Address
		Amount   *big.Int
		Interval *big.Int
		Duration *big.Int
		Active   bool
		Creator  common.Address
		ApiUrl   string
	})).(*struct {
		Token    common.Address
		Amount   *big.Int
		Interval *big.Int
		Duration *big.Int
		Active   bool
		Creator  common.Address
		ApiUrl   string
	})
	return &PlanState{
		Token:    raw.Token.Hex(),
		Amount:   raw.Amount,
		Interval: raw.Interval,
		Duration: raw.Duration,
		Active:   raw.Active,
		Creator:  raw.Creator.Hex(),
		APIURL:   raw.ApiUrl,
	}, nil
}

func (c *RPCClient) GetSubscription(ctx context.Context, planID [32]byte, subscriber string) (*SubscriptionState, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getSubscription", planID, common.HexToAddress(subscriber))
	if err != nil {
		return nil, fmt.Errorf("%w: getSubscription: %v", ErrUnavailable, err)
	}
	raw := *abi.ConvertType(out[0], new(struct {
		Subscriber     common.Address
		StartTime      *big.Int
		NextPaymentDue *big.Int
		EndTime        *big.Int
		TotalPaid      *big.Int
		Active         bool
	})).(*struct {
		Subscriber     common.Address
		StartTime      *big.Int
		NextPaymentDue *big.Int
		EndTime        *big.Int
		TotalPaid      *big.Int
		Active         bool
	})
	return &SubscriptionState{
		Subscriber:     raw.Subscriber.Hex(),
		StartTime:      raw.StartTime,
		NextPaymentDue: raw.NextPaymentDue,
		EndTime:        raw.EndTime,
		TotalPaid:      raw.TotalPaid,
		Active:         raw.Active,
	}, nil
}

func (c *RPCClient) GetNonce(ctx context.Context, address string) (*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce", common.HexToAddress(address)); err != nil {
		return nil, fmt.Errorf("%w: getNonce: %v", ErrUnavailable, err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (c *RPCClient) GetDomainSeparator(ctx context.Context) ([32]byte, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getDomainSeparator"); err != nil {
		return [32]byte{}, fmt.Errorf("%w: getDomainSeparator: %v", ErrUnavailable, err)
	}
	return *abi.ConvertType(out[0], new([32]byte)).(*[32]byte), nil
}

func (c *RPCClient) CreatePlan(ctx context.Context, privateKeyHex, token string, amount, interval, duration *big.Int, apiURL string) (string, error) {
	opts, err := c.transactor(ctx, privateKeyHex, nil)
	if err != nil {
		return "", err
	}
	tx, err := c.contract.Transact(opts, "createPlan", common.HexToAddress(token), amount, interval, duration, apiURL)
	if err != nil {
		return "", fmt.Errorf("%w: createPlan: %v", ErrUnavailable, err)
	}
	return tx.Hash().Hex(), nil
}

func (c *RPCClient) Subscribe(ctx context.Context, privateKeyHex string, planID [32]byte, value *big.Int) (string, error) {
	opts, err := c.transactor(ctx, privateKeyHex, value)
	if err != nil {
		return "", err
	}
	tx, err := c.contract.Transact(opts, "subscribe", planID)
	if err != nil {
		return "", fmt.Errorf("%w: subscribe: %v", ErrUnavailable, err)
	}
	return tx.Hash().Hex(), nil
}

func (c *RPCClient) ProcessRecurringPayment(ctx context.Context, privateKeyHex string, planID [32]byte, subscriber string, value *big.Int) (string, error) {
	opts, err := c.transactor(ctx, privateKeyHex, value)
	if err != nil {
		return "", err
	}
	tx, err := c.contract.Transact(opts, "processRecurringPayment", planID, common.HexToAddress(subscriber))
	if err != nil {
		return "", fmt.Errorf("%w: processRecurringPayment: %v", ErrUnavailable, err)
	}
	return tx.Hash().Hex(), nil
}

func (c *RPCClient) transactor(ctx context.Context, privateKeyHex string, value *big.Int) (*bind.TransactOpts, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = value
	return opts, nil
}
