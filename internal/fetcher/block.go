package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// BlockOptions parameterise block-hash draws.
type BlockOptions struct {
	// BlocksPerPeriod is how many blocks make up one draw period.
	BlocksPerPeriod uint64
	// BlockTime is the expected spacing between blocks.
	BlockTime time.Duration
	Timeout   time.Duration
}

type headerReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Close()
}

// rpcConn is a shared client plus the number of fetches using it. A stale
// conn is out of the map and closes once the last user releases it.
type rpcConn struct {
	client headerReader
	refs   int
	stale  bool
}

// Block derives draw periods from the chain head over Ethereum JSON-RPC.
// Each endpoint URL is an RPC node; one client is kept per URL.
type Block struct {
	opts   BlockOptions
	logger zerolog.Logger
	dial   func(ctx context.Context, rpcURL string) (headerReader, error)

	clientMux sync.Mutex
	clients   map[string]*rpcConn
}

// NewBlock builds a block-hash adapter.
func NewBlock(opts BlockOptions, logger zerolog.Logger) *Block {
	if opts.BlockTime <= 0 {
		opts.BlockTime = 12 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Block{
		opts:    opts,
		logger:  logger.With().Str("component", "block_adapter").Logger(),
		dial:    dialEthereum,
		clients: make(map[string]*rpcConn),
	}
}

func dialEthereum(ctx context.Context, rpcURL string) (headerReader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type blockPayload struct {
	ItemID      string `json:"item_id"`
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	BlockTime   uint64 `json:"block_time"`
	Period      string `json:"period"`
}

// Fetch reads the head block and maps it onto the current period.
func (b *Block) Fetch(ctx context.Context, itemID, endpointURL string) (Record, error) {
	if endpointURL == "" {
		return Record{}, errors.New("ethereum rpc url not configured")
	}
	if b.opts.BlocksPerPeriod == 0 {
		return Record{}, errors.New("blocks per period not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	conn, err := b.acquire(ctx, endpointURL)
	if err != nil {
		return Record{}, err
	}

	header, err := conn.client.HeaderByNumber(ctx, nil)
	b.release(endpointURL, conn, brokenConn(err))
	if err != nil {
		return Record{}, err
	}
	return b.recordFromHeader(itemID, header)
}

// brokenConn reports whether err points at the connection itself. Deadlines
// and JSON-RPC error replies leave the client usable.
func brokenConn(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

func (b *Block) recordFromHeader(itemID string, header *types.Header) (Record, error) {
	if header == nil || header.Number == nil {
		return Record{}, errors.New("empty block header")
	}
	number := header.Number.Uint64()
	period, drawTime := b.periodOf(number, header.Time)

	payload, err := json.Marshal(blockPayload{
		ItemID:      itemID,
		BlockNumber: number,
		BlockHash:   header.Hash().Hex(),
		BlockTime:   header.Time,
		Period:      period,
	})
	if err != nil {
		return Record{}, err
	}
	return Record{Period: period, DrawTime: drawTime, Payload: payload}, nil
}

// periodOf returns the period containing block number and the expected time
// of the first block of the next period.
func (b *Block) periodOf(number, blockTime uint64) (string, time.Time) {
	period := number / b.opts.BlocksPerPeriod
	remaining := (period+1)*b.opts.BlocksPerPeriod - number
	drawTime := time.Unix(int64(blockTime), 0).UTC().Add(time.Duration(remaining) * b.opts.BlockTime)
	return strconv.FormatUint(period, 10), drawTime
}

func (b *Block) acquire(ctx context.Context, rpcURL string) (*rpcConn, error) {
	b.clientMux.Lock()
	defer b.clientMux.Unlock()

	if conn, ok := b.clients[rpcURL]; ok {
		conn.refs++
		return conn, nil
	}
	client, err := b.dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	conn := &rpcConn{client: client, refs: 1}
	b.clients[rpcURL] = conn
	return conn, nil
}

// release returns conn. A broken conn is taken out of the map so the next
// fetch redials; it is closed only after every in-flight fetch is done with it.
func (b *Block) release(rpcURL string, conn *rpcConn, broken bool) {
	b.clientMux.Lock()
	defer b.clientMux.Unlock()

	conn.refs--
	if broken && b.clients[rpcURL] == conn {
		delete(b.clients, rpcURL)
		conn.stale = true
		b.logger.Warn().Str("rpc", rpcURL).Msg("dropping rpc client after transport error")
	}
	if conn.stale && conn.refs == 0 {
		conn.client.Close()
	}
}

// Close releases every RPC connection. Clients still in use close when
// their fetch finishes.
func (b *Block) Close() {
	b.clientMux.Lock()
	defer b.clientMux.Unlock()
	for url, conn := range b.clients {
		conn.stale = true
		if conn.refs == 0 {
			conn.client.Close()
		}
		delete(b.clients, url)
	}
}

var _ Adapter = (*Block)(nil)
