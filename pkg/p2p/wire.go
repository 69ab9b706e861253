package p2p

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(EventWire{})
}

// EventWire is one book or trade event on the gossip topic. Payload is the
// events envelope, unchanged, so peers can forward it to their own clients.
type EventWire struct {
	Channel string // orderbook:<marketId> or trades:<marketId>
	Payload []byte
	SentAt  int64 // unix milliseconds at the origin
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
