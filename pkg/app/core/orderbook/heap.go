package orderbook

import "github.com/holiman/uint256"

// priceHeap implements heap.Interface over price levels.
// Use container/heap package to manipulate this heap (Init, Push, Pop, Remove)
type priceHeap struct {
	prices []uint256.Int
	desc   bool // true for bids: highest price on top
}

func (h priceHeap) Len() int { return len(h.prices) }
func (h priceHeap) Less(i, j int) bool {
	if h.desc {
		return h.prices[i].Gt(&h.prices[j])
	}
	return h.prices[i].Lt(&h.prices[j])
}
func (h priceHeap) Swap(i, j int) { h.prices[i], h.prices[j] = h.prices[j], h.prices[i] }

func (h *priceHeap) Push(x interface{}) {
	h.prices = append(h.prices, x.(uint256.Int))
}

func (h *priceHeap) Pop() interface{} {
	old := h.prices
	n := len(old)
	x := old[n-1]
	h.prices = old[0 : n-1]
	return x
}

// Peek returns the top element without removing it
func (h priceHeap) Peek() (uint256.Int, bool) {
	if len(h.prices) == 0 {
		return uint256.Int{}, false
	}
	return h.prices[0], true
}

// indexOf is O(N); only used when a level empties.
func (h priceHeap) indexOf(p uint256.Int) int {
	for i := range h.prices {
		if h.prices[i] == p {
			return i
		}
	}
	return -1
}
