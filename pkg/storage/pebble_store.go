package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"

	"github.com/bytestrike/matcher/pkg/app/core"
)

// ErrStoreClosed is returned by calls that arrive after Close.
var ErrStoreClosed = errors.New("storage: store closed")

// PebbleStore keeps the local trade history and the consumed-nonce set.
type PebbleStore struct {
	db *pebble.DB

	mu      sync.RWMutex // held shared by every db call, exclusively by Close
	closed  bool
	nonceMu sync.Mutex // serializes check-and-set on nonces
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

// NewMemPebbleStore opens a store backed by an in-memory filesystem.
func NewMemPebbleStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// open takes the shared lock; callers must call the returned func when done.
func (s *PebbleStore) open() (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	return s.mu.RUnlock, nil
}

// AppendTrade persists a settled trade.
func (s *PebbleStore) AppendTrade(_ context.Context, t core.Trade) error {
	val, err := encodeGob(t)
	if err != nil {
		return fmt.Errorf("failed to encode trade: %w", err)
	}
	done, err := s.open()
	if err != nil {
		return err
	}
	defer done()
	key := tradeKey(t.MarketID, t.Timestamp.UnixNano(), t.ID)
	if err := s.db.Set(key, val, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// RecentTrades returns up to limit trades of market, newest first.
func (s *PebbleStore) RecentTrades(market common.Hash, limit int) ([]core.Trade, error) {
	done, err := s.open()
	if err != nil {
		return nil, err
	}
	defer done()
	prefix := tradePrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open trade iterator: %w", err)
	}
	defer iter.Close()

	var trades []core.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t core.Trade
		if err := decodeGob(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("failed to decode trade %q: %w", iter.Key(), err)
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

// ConsumeNonce records (maker, nonce) as used. It returns false when the pair
// was already consumed.
func (s *PebbleStore) ConsumeNonce(maker common.Address, nonce uint64) (bool, error) {
	done, err := s.open()
	if err != nil {
		return false, err
	}
	defer done()
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	key := nonceKey(maker, nonce)
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return false, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return false, fmt.Errorf("failed to read nonce: %w", err)
	}

	var seen [8]byte
	binary.BigEndian.PutUint64(seen[:], uint64(time.Now().Unix()))
	if err := s.db.Set(key, seen[:], pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to save nonce: %w", err)
	}
	return true, nil
}

// ReleaseNonce forgets (maker, nonce) so the same signed order can be
// submitted again. Used when the engine refused an order it never booked.
func (s *PebbleStore) ReleaseNonce(maker common.Address, nonce uint64) error {
	done, err := s.open()
	if err != nil {
		return err
	}
	defer done()
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	if err := s.db.Delete(nonceKey(maker, nonce), pebble.Sync); err != nil {
		return fmt.Errorf("failed to release nonce: %w", err)
	}
	return nil
}

var (
	_ TradeLog    = (*PebbleStore)(nil)
	_ TradeReader = (*PebbleStore)(nil)
)
