package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// Key schema:
//
//	trade:<marketId>:<unixnano, 20 digits>:<tradeId> → gob(core.Trade)
//	nonce:<maker>:<8-byte big-endian nonce>          → unix seconds first seen
const (
	prefixTrade = "trade:"
	prefixNonce = "nonce:"
)

// tradeKey zero-pads the timestamp so keys sort chronologically.
func tradeKey(market common.Hash, unixNano int64, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, market.Hex(), unixNano, tradeID))
}

func tradePrefix(market common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, market.Hex()))
}

func nonceKey(maker common.Address, nonce uint64) []byte {
	k := []byte(fmt.Sprintf("%s%s:", prefixNonce, maker.Hex()))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return append(k, n[:]...)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
