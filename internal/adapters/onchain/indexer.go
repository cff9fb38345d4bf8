package onchain

// indexer.go: lectura on-chain del colateral de las wallets custodiales.
//
// Escanea logs ERC-20 Transfer del USDC.e donde la wallet aparece como
// origen o destino, y consulta balanceOf para el saldo observado.
// Solo lectura: nunca firma ni envía transacciones.

import (
	"cmp"
	"context"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	// USDC.e collateral on Polygon
	polygonUSDC = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	// USDC on Amoy testnet
	amoyUSDC = "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"

	usdcDecimals = 6
	usdcSymbol   = "USDC"

	// Public RPCs cap eth_getLogs ranges; larger scans are split.
	maxLogRange = uint64(2000)

	rpcRatePerSec = 10
)

var (
	erc20ABI      abi.ABI
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "balanceOf",
			"type": "function",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
}

// Backend is the subset of ethclient.Client the indexer reads from.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Indexer implements ports.ChainIndexer over JSON-RPC.
type Indexer struct {
	backend Backend
	chain   domain.Chain
	token   common.Address
	limiter *rate.Limiter
}

var _ ports.ChainIndexer = (*Indexer)(nil)

// Dial connects to rpcURL. An empty tokenAddress selects the chain's USDC.
func Dial(ctx context.Context, rpcURL string, chain domain.Chain, tokenAddress string) (*Indexer, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("onchain.Dial: %s: %w", rpcURL, err)
	}
	return NewIndexer(client, chain, tokenAddress), client.Close, nil
}

// NewIndexer builds an indexer over any backend.
func NewIndexer(backend Backend, chain domain.Chain, tokenAddress string) *Indexer {
	if tokenAddress == "" {
		tokenAddress = defaultToken(chain)
	}
	return &Indexer{
		backend: backend,
		chain:   chain,
		token:   common.HexToAddress(tokenAddress),
		limiter: rate.NewLimiter(rpcRatePerSec, 5),
	}
}

func defaultToken(chain domain.Chain) string {
	if chain == domain.ChainAmoy {
		return amoyUSDC
	}
	return polygonUSDC
}

// Chain returns the network this indexer reads.
func (ix *Indexer) Chain() domain.Chain { return ix.chain }

// Head returns the latest block number.
func (ix *Indexer) Head(ctx context.Context) (uint64, error) {
	if err := ix.wait(ctx); err != nil {
		return 0, err
	}
	n, err := ix.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("onchain.Head: %w: %v", domain.ErrTransient, err)
	}
	return n, nil
}

// Transfers returns token transfers from or to address in [fromBlock, toBlock],
// ordered by block and log index.
func (ix *Indexer) Transfers(ctx context.Context, address string, fromBlock, toBlock uint64) ([]domain.TransferEvent, error) {
	if fromBlock > toBlock {
		return nil, nil
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("onchain.Transfers: invalid address %q", address)
	}
	watched := common.BytesToHash(common.HexToAddress(address).Bytes())

	var logs []types.Log
	for start := fromBlock; start <= toBlock; start += maxLogRange {
		end := min(start+maxLogRange-1, toBlock)
		// Dos consultas: el filtro por topics es AND entre posiciones.
		for _, topics := range [][][]common.Hash{
			{{transferTopic}, {watched}},
			{{transferTopic}, nil, {watched}},
		} {
			if err := ix.wait(ctx); err != nil {
				return nil, err
			}
			got, err := ix.backend.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(start),
				ToBlock:   new(big.Int).SetUint64(end),
				Addresses: []common.Address{ix.token},
				Topics:    topics,
			})
			if err != nil {
				return nil, fmt.Errorf("onchain.Transfers: blocks %d-%d: %w: %v", start, end, domain.ErrTransient, err)
			}
			logs = append(logs, got...)
		}
	}

	logs = dedupLogs(logs)
	times := make(map[uint64]time.Time)
	events := make([]domain.TransferEvent, 0, len(logs))
	for _, lg := range logs {
		ev, ok := decodeTransfer(lg)
		if !ok {
			continue
		}
		ev.Address = address
		ev.Chain = ix.chain
		ev.Token = usdcSymbol

		t, ok := times[lg.BlockNumber]
		if !ok {
			var err error
			if t, err = ix.blockTime(ctx, lg.BlockNumber); err != nil {
				return nil, fmt.Errorf("onchain.Transfers: %w", err)
			}
			times[lg.BlockNumber] = t
		}
		ev.ChainTime = t
		events = append(events, ev)
	}
	return events, nil
}

// Balance reads balanceOf(address) at the latest block.
func (ix *Indexer) Balance(ctx context.Context, address string) (domain.ObservedBalance, error) {
	if !common.IsHexAddress(address) {
		return domain.ObservedBalance{}, fmt.Errorf("onchain.Balance: invalid address %q", address)
	}
	head, err := ix.Head(ctx)
	if err != nil {
		return domain.ObservedBalance{}, fmt.Errorf("onchain.Balance: %w", err)
	}

	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return domain.ObservedBalance{}, fmt.Errorf("onchain.Balance: pack: %w", err)
	}
	if err := ix.wait(ctx); err != nil {
		return domain.ObservedBalance{}, err
	}
	out, err := ix.backend.CallContract(ctx, ethereum.CallMsg{To: &ix.token, Data: data}, new(big.Int).SetUint64(head))
	if err != nil {
		return domain.ObservedBalance{}, fmt.Errorf("onchain.Balance: call: %w: %v", domain.ErrTransient, err)
	}
	vals, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(vals) != 1 {
		return domain.ObservedBalance{}, fmt.Errorf("onchain.Balance: unpack: %v", err)
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return domain.ObservedBalance{}, fmt.Errorf("onchain.Balance: unexpected type %T", vals[0])
	}

	return domain.ObservedBalance{
		Address:     address,
		Chain:       ix.chain,
		Asset:       usdcSymbol,
		Amount:      toUnits(raw),
		BlockNumber: head,
	}, nil
}

func (ix *Indexer) blockTime(ctx context.Context, block uint64) (time.Time, error) {
	if err := ix.wait(ctx); err != nil {
		return time.Time{}, err
	}
	h, err := ix.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w: %v", block, domain.ErrTransient, err)
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}

func (ix *Indexer) wait(ctx context.Context) error {
	if err := ix.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", domain.ErrTransient, err)
	}
	return nil
}

// decodeTransfer parses an ERC-20 Transfer log. Removed (reorged) logs and
// logs with an unexpected shape are skipped.
func decodeTransfer(lg types.Log) (domain.TransferEvent, bool) {
	if lg.Removed || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic || len(lg.Data) != 32 {
		return domain.TransferEvent{}, false
	}
	return domain.TransferEvent{
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		From:        common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Value:       toUnits(new(big.Int).SetBytes(lg.Data)),
		BlockNumber: lg.BlockNumber,
	}, true
}

// dedupLogs drops self-transfers found by both queries and sorts by position.
func dedupLogs(logs []types.Log) []types.Log {
	seen := make(map[string]bool, len(logs))
	out := logs[:0]
	for _, lg := range logs {
		key := fmt.Sprintf("%s/%d", lg.TxHash.Hex(), lg.Index)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, lg)
	}
	slices.SortFunc(out, func(a, b types.Log) int {
		if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})
	return out
}

func toUnits(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -usdcDecimals)
}
