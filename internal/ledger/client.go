package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/nidhogg/chainmirror/internal/memory"
	"go.uber.org/zap"
)

// ErrLedgerUnavailable wraps every failure to reach the contract.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

const (
	methodGetHead = "getLastMemoryHash"
	eventHeadSet  = "LastMemoryHashSet"
)

// memoryABI is the subset of the agent memory contract this service reads.
const memoryABI = `[
  {"type":"function","name":"getLastMemoryHash","stateMutability":"view",
   "inputs":[{"name":"_agent","type":"address","internalType":"address"}],
   "outputs":[{"name":"","type":"bytes32","internalType":"bytes32"}]},
  {"type":"event","name":"LastMemoryHashSet","anonymous":false,
   "inputs":[{"name":"agent","type":"address","indexed":true,"internalType":"address"},
             {"name":"hash","type":"bytes32","indexed":false,"internalType":"bytes32"}]}
]`

// Backend is the part of an Ethereum RPC client the ledger needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ethereum.ContractCaller
	ethereum.LogFilterer
}

// HeadHandler receives an agent address and the CID its head now points to.
type HeadHandler func(address, cid string)

// Client reads memory heads from the agent memory contract.
type Client struct {
	backend  Backend
	contract common.Address
	abi      abi.ABI
	closer   func()
	logger   *zap.Logger
}

// Dial connects to an RPC endpoint. A ws:// or wss:// URL is required for
// Watcher; polling works over http as well.
func Dial(ctx context.Context, rpcURL, contractAddress string, logger *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrLedgerUnavailable, rpcURL, err)
	}
	c, err := NewClient(eth, contractAddress, logger)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.closer = eth.Close
	return c, nil
}

// NewClient builds a client on an existing backend.
func NewClient(backend Backend, contractAddress string, logger *zap.Logger) (*Client, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(memoryABI))
	if err != nil {
		return nil, fmt.Errorf("parse memory abi: %w", err)
	}
	return &Client{
		backend:  backend,
		contract: common.HexToAddress(contractAddress),
		abi:      parsed,
		logger:   logger,
	}, nil
}

// Close releases the RPC connection when the client owns it.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// GetHead returns the CID of the agent's latest memory, or "" when the
// agent has never written one.
func (c *Client) GetHead(ctx context.Context, address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid agent address %q", address)
	}
	input, err := c.abi.Pack(methodGetHead, common.HexToAddress(address))
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", methodGetHead, err)
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		return "", fmt.Errorf("%w: call %s for %s: %v", ErrLedgerUnavailable, methodGetHead, address, err)
	}

	values, err := c.abi.Unpack(methodGetHead, out)
	if err != nil {
		return "", fmt.Errorf("unpack %s: %w", methodGetHead, err)
	}
	if len(values) != 1 {
		return "", fmt.Errorf("unpack %s: got %d values", methodGetHead, len(values))
	}
	hash, ok := values[0].([32]byte)
	if !ok {
		return "", fmt.Errorf("unpack %s: unexpected type %T", methodGetHead, values[0])
	}
	return memory.HashToCID(hash)
}

// headQuery filters head-change logs for the given agents.
func (c *Client) headQuery(addresses []string) ethereum.FilterQuery {
	topics := [][]common.Hash{{c.abi.Events[eventHeadSet].ID}}
	if len(addresses) > 0 {
		agents := make([]common.Hash, 0, len(addresses))
		for _, a := range addresses {
			agents = append(agents, common.BytesToHash(common.HexToAddress(a).Bytes()))
		}
		topics = append(topics, agents)
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    topics,
	}
}

// decodeHeadLog turns a LastMemoryHashSet log into (agent address, cid).
func (c *Client) decodeHeadLog(lg types.Log) (string, string, error) {
	if len(lg.Topics) < 2 || lg.Topics[0] != c.abi.Events[eventHeadSet].ID {
		return "", "", fmt.Errorf("log %s is not %s", lg.TxHash.Hex(), eventHeadSet)
	}
	agent := common.BytesToAddress(lg.Topics[1].Bytes())

	values, err := c.abi.Unpack(eventHeadSet, lg.Data)
	if err != nil {
		return "", "", fmt.Errorf("unpack %s: %w", eventHeadSet, err)
	}
	if len(values) != 1 {
		return "", "", fmt.Errorf("unpack %s: got %d values", eventHeadSet, len(values))
	}
	hash, ok := values[0].([32]byte)
	if !ok {
		return "", "", fmt.Errorf("unpack %s: unexpected type %T", eventHeadSet, values[0])
	}
	cid, err := memory.HashToCID(hash)
	if err != nil {
		return "", "", err
	}
	return agent.Hex(), cid, nil
}
