package exchange

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand/v2"
	"strconv"
	"time"

	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

// GRVT EIP-712 signing constants. The domain is shared by transfers and
// orders; the chain id selects prod (325) vs testnet (326).
const (
	signDomainName    = "GRVT Exchange"
	signDomainVersion = "0"

	// Token currency codes in the Transfer message.
	currencyUSDT = 3

	// USDT has 6 decimals on the wire.
	usdtDecimals = 6

	transferExpiry = 15 * time.Minute
)

// Signer signs GRVT Transfer and Order messages with one secp256k1 key.
// An account uses two of these: the trading API key signs orders and the
// trading-to-funding hop, the funding key signs the external hops.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    string
	chainID    *big.Int
}

// NewSigner parses a hex private key (with or without 0x prefix).
func NewSigner(keyHex string, chainID int64) (*Signer, error) {
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey).Hex(),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the signer's 0x-prefixed Ethereum address.
func (s *Signer) Address() string {
	return s.address
}

// SignTransfer signs one hop of a USDT transfer. Sub-account id "0" denotes
// the funding-wallet side of a hop. The signed numTokens is the amount
// scaled to USDT's 6 on-chain decimals, truncated.
func (s *Signer) SignTransfer(fromAccount, fromSub, toAccount, toSub string, amount decimal.Decimal) (types.Signature, error) {
	nonce := transferNonce()
	expiration := time.Now().Add(transferExpiry).UnixNano()
	numTokens := amount.Shift(usdtDecimals).Truncate(0).String()

	message := apitypes.TypedDataMessage{
		"fromAccount":    fromAccount,
		"fromSubAccount": fromSub,
		"toAccount":      toAccount,
		"toSubAccount":   toSub,
		"tokenCurrency":  strconv.Itoa(currencyUSDT),
		"numTokens":      numTokens,
		"nonce":          strconv.FormatUint(uint64(nonce), 10),
		"expiration":     strconv.FormatInt(expiration, 10),
	}
	typesDef := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
		},
		"Transfer": {
			{Name: "fromAccount", Type: "address"},
			{Name: "fromSubAccount", Type: "uint64"},
			{Name: "toAccount", Type: "address"},
			{Name: "toSubAccount", Type: "uint64"},
			{Name: "tokenCurrency", Type: "uint8"},
			{Name: "numTokens", Type: "uint64"},
			{Name: "nonce", Type: "uint32"},
			{Name: "expiration", Type: "int64"},
		},
	}

	sig, err := s.signTypedData(typesDef, message, "Transfer")
	if err != nil {
		return types.Signature{}, err
	}
	return s.wireSignature(sig, nonce, expiration), nil
}

// OrderSignParams carries the integer-scaled fields of a single-leg order
// as they appear in the signed message. ContractSize is
// floor(size · 10^base_decimals); LimitPrice is 0 for market orders.
type OrderSignParams struct {
	SubAccountID string
	IsMarket     bool
	TimeInForce  types.TimeInForce
	PostOnly     bool
	ReduceOnly   bool
	AssetID      string // instrument hash, 0x-prefixed uint256
	ContractSize *big.Int
	LimitPrice   uint64
	IsBuying     bool
}

// SignOrder signs a single-leg order message.
func (s *Signer) SignOrder(p OrderSignParams) (types.Signature, error) {
	nonce := rand.Uint32()
	expiration := time.Now().Add(transferExpiry).UnixNano()

	message := apitypes.TypedDataMessage{
		"subAccountID": p.SubAccountID,
		"isMarket":     p.IsMarket,
		"timeInForce":  strconv.Itoa(int(p.TimeInForce)),
		"postOnly":     p.PostOnly,
		"reduceOnly":   p.ReduceOnly,
		"legs": []interface{}{
			map[string]interface{}{
				"assetID":          p.AssetID,
				"contractSize":     p.ContractSize.String(),
				"limitPrice":       strconv.FormatUint(p.LimitPrice, 10),
				"isBuyingContract": p.IsBuying,
			},
		},
		"nonce":      strconv.FormatUint(uint64(nonce), 10),
		"expiration": strconv.FormatInt(expiration, 10),
	}
	typesDef := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
		},
		"Order": {
			{Name: "subAccountID", Type: "uint64"},
			{Name: "isMarket", Type: "bool"},
			{Name: "timeInForce", Type: "uint8"},
			{Name: "postOnly", Type: "bool"},
			{Name: "reduceOnly", Type: "bool"},
			{Name: "legs", Type: "OrderLeg[]"},
			{Name: "nonce", Type: "uint32"},
			{Name: "expiration", Type: "int64"},
		},
		"OrderLeg": {
			{Name: "assetID", Type: "uint256"},
			{Name: "contractSize", Type: "uint64"},
			{Name: "limitPrice", Type: "uint64"},
			{Name: "isBuyingContract", Type: "bool"},
		},
	}

	sig, err := s.signTypedData(typesDef, message, "Order")
	if err != nil {
		return types.Signature{}, err
	}
	return s.wireSignature(sig, nonce, expiration), nil
}

// signTypedData hashes and signs EIP-712 typed data, adjusting V to 27/28.
func (s *Signer) signTypedData(typesDef apitypes.Types, message apitypes.TypedDataMessage, primaryType string) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:    signDomainName,
			Version: signDomainVersion,
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		Message: message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// wireSignature splits a 65-byte signature into GRVT's r/s/v wire form,
// r and s zero-padded to 64 hex chars.
func (s *Signer) wireSignature(sig []byte, nonce uint32, expiration int64) types.Signature {
	r := new(big.Int).SetBytes(sig[:32])
	ss := new(big.Int).SetBytes(sig[32:64])
	return types.Signature{
		Signer:     s.address,
		R:          fmt.Sprintf("0x%064x", r),
		S:          fmt.Sprintf("0x%064x", ss),
		V:          int(sig[64]),
		Expiration: strconv.FormatInt(expiration, 10),
		Nonce:      nonce,
	}
}

// transferNonce returns a nonce uniform in [1, 2^31).
func transferNonce() uint32 {
	return uint32(rand.Int32N(1<<31-1)) + 1
}

// ClientOrderID returns an id uniform in [2^63, 2^64), formatted as the
// unsigned decimal string GRVT expects.
func ClientOrderID() string {
	id := rand.Uint64() | (1 << 63)
	return strconv.FormatUint(id, 10)
}

// ContractSize converts a human-readable size into the integer contract
// count signed on the wire: floor(size · 10^base_decimals).
func ContractSize(size decimal.Decimal, baseDecimals int) *big.Int {
	return size.Shift(int32(baseDecimals)).Floor().BigInt()
}
