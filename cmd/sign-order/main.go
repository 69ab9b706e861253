// Command sign-order prints a signed order body for POST /api/v1/orders.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/bytestrike/matcher/pkg/app/core"
	"github.com/bytestrike/matcher/pkg/app/core/transaction"
	"github.com/bytestrike/matcher/pkg/crypto"
)

func main() {
	var (
		keyHex   = flag.String("key", os.Getenv("TRADER_PRIVATE_KEY"), "hex private key; a fresh key is generated when empty")
		market   = flag.String("market", "ETH-USD", "market symbol or 0x-prefixed bytes32 market id")
		size     = flag.String("size", "1000000000000000000", "base size in base units")
		price    = flag.String("price", "3000000000000000000000", "price scaled by 1e18")
		long     = flag.Bool("long", true, "buy (long) when true, sell (short) when false")
		leverage = flag.Uint("leverage", 10000, "leverage in basis points")
		ttl      = flag.Duration("ttl", time.Hour, "time until expiry; 0 never expires")
		nonce    = flag.Uint64("nonce", 0, "order nonce; random when 0")
		chainID  = flag.Int64("chain-id", 31337, "EIP-712 domain chain id")
		contract = flag.String("contract", os.Getenv("ORDER_BOOK_CONTRACT_ADDRESS"), "order book contract address")
	)
	flag.Parse()

	if err := run(*keyHex, *market, *size, *price, *long, *leverage, *ttl, *nonce, *chainID, *contract); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(keyHex, market, size, price string, long bool, leverage uint, ttl time.Duration, nonce uint64, chainID int64, contract string) error {
	// Step 1: Generate or load key
	var (
		signer *crypto.Signer
		err    error
	)
	if keyHex == "" {
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Fprintf(os.Stderr, "Generated key %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		}
	} else {
		signer, err = crypto.FromPrivateKeyHex(keyHex)
	}
	if err != nil {
		return err
	}

	// Step 2: Build order
	marketID, err := parseMarket(market)
	if err != nil {
		return err
	}
	baseSize, err := uint256.FromDecimal(size)
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}
	priceX18, err := uint256.FromDecimal(price)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	if leverage > 0xffff {
		return fmt.Errorf("leverage %d exceeds uint16", leverage)
	}
	if nonce == 0 {
		if nonce, err = crypto.GenerateNonce(); err != nil {
			return err
		}
	}
	var expiry uint64
	if ttl > 0 {
		expiry = uint64(time.Now().Add(ttl).Unix())
	}
	if contract != "" && !common.IsHexAddress(contract) {
		return fmt.Errorf("contract: invalid address %q", contract)
	}

	order := &core.Order{
		Maker:       signer.Address(),
		MarketID:    marketID,
		BaseSize:    baseSize,
		PriceX18:    priceX18,
		Expiry:      expiry,
		Nonce:       nonce,
		LeverageBps: uint16(leverage),
		IsLong:      long,
	}

	// Step 3: Sign order with EIP-712
	eip712 := crypto.NewEIP712Signer(crypto.NewDomain(big.NewInt(chainID), common.HexToAddress(contract)))
	sig, err := eip712.SignOrder(signer, order)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	// Step 4: Verify the signature recovers the maker
	recovered, err := eip712.RecoverOrderSigner(order, sig)
	if err != nil {
		return err
	}
	if recovered != order.Maker {
		return fmt.Errorf("recovered %s, want %s", recovered.Hex(), order.Maker.Hex())
	}

	body, err := json.MarshalIndent(&transaction.SignedOrder{
		Order:     transaction.FromCoreOrder(order),
		Signature: hexutil.Encode(sig),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

// parseMarket accepts a 0x bytes32 id or a short ASCII symbol, right padded
// with zeros to 32 bytes.
func parseMarket(s string) (common.Hash, error) {
	if strings.HasPrefix(s, "0x") {
		b, err := hexutil.Decode(s)
		if err != nil || len(b) != common.HashLength {
			return common.Hash{}, fmt.Errorf("market: want 32 bytes hex, got %q", s)
		}
		return common.BytesToHash(b), nil
	}
	if len(s) == 0 || len(s) > common.HashLength {
		return common.Hash{}, fmt.Errorf("market: symbol must be 1-32 bytes, got %q", s)
	}
	var h common.Hash
	copy(h[:], s)
	return h, nil
}
