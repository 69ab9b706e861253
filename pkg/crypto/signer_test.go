package crypto

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/bytestrike/matcher/pkg/app/core"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}
	if len(signer.PrivateKeyHex()) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(signer.PrivateKeyHex()))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	for _, in := range []string{privHex, "0x" + privHex, " 0x" + privHex + "\n"} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in, err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}

	if _, err := FromPrivateKeyHex("not-a-key"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestSignAndVerify(t *testing.T) {
	signer, _ := GenerateKey()
	message := []byte("Hello, ByteStrike!")

	signature, err := signer.SignMessage(message)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(signature) != 65 {
		t.Errorf("signature length = %d, want 65", len(signature))
	}

	hash := eth_crypto.Keccak256Hash(message).Bytes()
	if !VerifySignature(signer.Address(), hash, signature) {
		t.Error("signature verification failed")
	}
	wrongAddr := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if VerifySignature(wrongAddr, hash, signature) {
		t.Error("signature should not verify with wrong address")
	}
}

func TestRecoverAcceptsBothRecoveryIDForms(t *testing.T) {
	signer, _ := GenerateKey()
	hash := eth_crypto.Keccak256Hash([]byte("v normalisation")).Bytes()

	raw, err := signer.Sign(hash)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	typed, err := signer.SignTyped(hash)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if typed[64] != raw[64]+27 {
		t.Fatalf("typed V = %d, want %d", typed[64], raw[64]+27)
	}

	for name, sig := range map[string][]byte{"v01": raw, "v27": typed} {
		got, err := RecoverAddress(hash, sig)
		if err != nil {
			t.Fatalf("%s: recover failed: %v", name, err)
		}
		if got != signer.Address() {
			t.Errorf("%s: recovered %s, want %s", name, got.Hex(), signer.Address().Hex())
		}
	}
	if typed[64] < 27 {
		t.Error("RecoverAddress must not mutate the caller's signature")
	}

	bad := append([]byte(nil), raw...)
	bad[64] = 5
	if _, err := RecoverAddress(hash, bad); err == nil {
		t.Error("expected error for recovery id 5")
	}
}

func TestInvalidSignature(t *testing.T) {
	signer, _ := GenerateKey()
	hash := common.BytesToHash([]byte("test")).Bytes()

	if VerifySignature(signer.Address(), hash, []byte{1, 2, 3}) {
		t.Error("invalid signature should not verify")
	}
	if VerifySignature(signer.Address(), []byte("short"), make([]byte, 65)) {
		t.Error("invalid hash should not verify")
	}
}

func TestGenerateNonce(t *testing.T) {
	nonce1, err := GenerateNonce()
	if err != nil {
		t.Fatalf("failed to generate nonce: %v", err)
	}
	nonce2, err := GenerateNonce()
	if err != nil {
		t.Fatalf("failed to generate second nonce: %v", err)
	}
	if nonce1 == nonce2 {
		t.Error("generated identical nonces (unlikely but possible - retry test)")
	}
}

func testOrder(maker common.Address) *core.Order {
	price, _ := uint256.FromDecimal("3000000000000000000000") // 3000e18
	return &core.Order{
		Maker:         maker,
		MarketID:      common.HexToHash("0x45544855534443"),
		BaseSize:      uint256.NewInt(1_000_000),
		RemainingBase: uint256.NewInt(1_000_000),
		PriceX18:      price,
		Expiry:        1_900_000_000,
		Nonce:         42,
		LeverageBps:   20000,
		MinFillBps:    100,
		Flags:         1,
		IsLong:        true,
	}
}

func TestOrderSignatureRoundTrip(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(NewDomain(big.NewInt(31337), common.HexToAddress("0xc0ffee")))
	o := testOrder(signer.Address())

	sig, err := e.SignOrder(signer, o)
	if err != nil {
		t.Fatalf("failed to sign order: %v", err)
	}
	got, err := e.RecoverOrderSigner(o, sig)
	if err != nil {
		t.Fatalf("failed to recover: %v", err)
	}
	if got != signer.Address() {
		t.Errorf("recovered %s, want %s", got.Hex(), signer.Address().Hex())
	}

	// RemainingBase is not signed; every other field is.
	filled := o.Clone()
	filled.RemainingBase = uint256.NewInt(1)
	if got, _ := e.RecoverOrderSigner(filled, sig); got != signer.Address() {
		t.Error("remaining size must not be part of the signed payload")
	}

	tamper := []func(o *core.Order){
		func(o *core.Order) { o.Nonce++ },
		func(o *core.Order) { o.IsLong = false },
		func(o *core.Order) { o.PriceX18 = uint256.NewInt(1) },
		func(o *core.Order) { o.BaseSize = uint256.NewInt(2_000_000) },
		func(o *core.Order) { o.Expiry = 0 },
		func(o *core.Order) { o.LeverageBps = 10000 },
		func(o *core.Order) { o.MarketID = common.HexToHash("0x01") },
	}
	for i, mutate := range tamper {
		cp := o.Clone()
		mutate(cp)
		got, err := e.RecoverOrderSigner(cp, sig)
		if err == nil && got == signer.Address() {
			t.Errorf("tamper %d: signature still recovers the maker", i)
		}
	}
}

func TestDomainSeparatesDeployments(t *testing.T) {
	signer, _ := GenerateKey()
	o := testOrder(signer.Address())
	local := NewEIP712Signer(NewDomain(big.NewInt(31337), common.HexToAddress("0xc0ffee")))
	other := NewEIP712Signer(NewDomain(big.NewInt(1), common.HexToAddress("0xc0ffee")))

	sig, _ := local.SignOrder(signer, o)
	got, err := other.RecoverOrderSigner(o, sig)
	if err == nil && got == signer.Address() {
		t.Error("signature must not verify under a different chain id")
	}
}

func TestCancelSignatureRoundTrip(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(NewDomain(big.NewInt(31337), common.HexToAddress("0xc0ffee")))
	c := &CancelEIP712{Maker: signer.Address(), MarketID: common.HexToHash("0xaa"), Nonce: 7}

	sig, err := e.SignCancel(signer, c)
	if err != nil {
		t.Fatalf("failed to sign cancel: %v", err)
	}
	got, err := e.RecoverCancelSigner(c, sig)
	if err != nil || got != signer.Address() {
		t.Fatalf("recovered %s (%v), want %s", got.Hex(), err, signer.Address().Hex())
	}

	// An order signature must never pass as a cancel.
	o := testOrder(signer.Address())
	orderSig, _ := e.SignOrder(signer, o)
	if got, _ := e.RecoverCancelSigner(c, orderSig); got == signer.Address() {
		t.Error("order signature accepted as cancel")
	}
}

func TestOrderToJSON(t *testing.T) {
	e := NewEIP712Signer(NewDomain(big.NewInt(1), common.Address{}))
	out, err := e.OrderToJSON(testOrder(common.HexToAddress("0x01")))
	if err != nil {
		t.Fatalf("failed to render: %v", err)
	}
	for _, want := range []string{`"primaryType": "Order"`, `"ByteStrike-Orders"`, `"priceX18"`, `"3000000000000000000000"`} {
		if !strings.Contains(out, want) {
			t.Errorf("typed data JSON missing %s", want)
		}
	}
}
