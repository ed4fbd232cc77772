package x402

// LocalFacilitator is the in-process EIP-3009 facilitator (C5a): an
// alternate upstream implementation used for development/test instead of a
// remote HTTP facilitator, selected when GATEWAY_PRIVATE_KEY is configured.
// It verifies a transferWithAuthorization signature locally and, on
// Settle, submits the transaction to the configured asset contract, paying
// gas from its own configured key.

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	authDomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	transferAuthTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
	transferWithAuthSelector = crypto.Keccak256([]byte(
		"transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)",
	))[:4]
)

// LocalFacilitator implements FacilitatorClient by recomputing the EIP-3009
// digest and, for Settle, signing and submitting the on-chain transfer
// itself rather than forwarding to a remote service.
type LocalFacilitator struct {
	rpcURL     string
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainMap   map[string]int64
}

// NewLocalFacilitator builds a LocalFacilitator. chainMap resolves a
// paymentRequirements.network string (e.g. "base-sepolia") to the EIP-712
// chain id, the same map the AP2 verifier uses for signature recovery.
func NewLocalFacilitator(rpcURL, privateKeyHex string, chainMap map[string]int64) (*LocalFacilitator, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway private key: %w", err)
	}
	return &LocalFacilitator{
		rpcURL:     rpcURL,
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainMap:   chainMap,
	}, nil
}

// Address returns the relayer wallet address, logged at startup.
func (f *LocalFacilitator) Address() common.Address { return f.address }

// forwardEnvelope mirrors the {x402Version, paymentPayload,
// paymentRequirements, paymentHeader} body the proxy builds before
// dispatching to a facilitator.
type forwardEnvelope struct {
	PaymentPayload struct {
		Payload struct {
			Signature     string `json:"signature"`
			Authorization struct {
				From        string `json:"from"`
				To          string `json:"to"`
				Value       string `json:"value"`
				ValidAfter  string `json:"validAfter"`
				ValidBefore string `json:"validBefore"`
				Nonce       string `json:"nonce"`
			} `json:"authorization"`
		} `json:"payload"`
	} `json:"paymentPayload"`
	PaymentRequirements struct {
		Network           string `json:"network"`
		Asset             string `json:"asset"`
		PayTo             string `json:"payTo"`
		MaxAmountRequired string `json:"maxAmountRequired"`
	} `json:"paymentRequirements"`
}

func parseForwardEnvelope(raw []byte) (*forwardEnvelope, error) {
	var env forwardEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing forward envelope: %w", err)
	}
	return &env, nil
}

func pad32(n *big.Int) []byte {
	b := n.Bytes()
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func addrPad(a common.Address) []byte {
	padded := make([]byte, 32)
	copy(padded[12:], a.Bytes())
	return padded
}

func transferDomainSeparator(chainID *big.Int, contract common.Address) common.Hash {
	enc := make([]byte, 0, 5*32)
	enc = append(enc, authDomainTypeHash.Bytes()...)
	enc = append(enc, crypto.Keccak256([]byte("USDC"))...)
	enc = append(enc, crypto.Keccak256([]byte("2"))...)
	enc = append(enc, pad32(chainID)...)
	enc = append(enc, addrPad(contract)...)
	return crypto.Keccak256Hash(enc)
}

func transferAuthHash(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	enc := make([]byte, 0, 7*32)
	enc = append(enc, transferAuthTypeHash.Bytes()...)
	enc = append(enc, addrPad(from)...)
	enc = append(enc, addrPad(to)...)
	enc = append(enc, pad32(value)...)
	enc = append(enc, pad32(validAfter)...)
	enc = append(enc, pad32(validBefore)...)
	enc = append(enc, nonce[:]...)
	return crypto.Keccak256Hash(enc)
}

func mustBigInt(s string) *big.Int {
	n := new(big.Int)
	n.SetString(s, 10)
	return n
}

// eip3009Digest computes the transferWithAuthorization EIP-712 digest from
// the envelope's authorization fields plus the resolved chain id and asset
// (verifying contract) address.
func (f *LocalFacilitator) eip3009Digest(env *forwardEnvelope) (common.Hash, [32]byte, *big.Int, error) {
	chainID, ok := f.chainMap[env.PaymentRequirements.Network]
	if !ok {
		return common.Hash{}, [32]byte{}, nil, fmt.Errorf("unsupported network: %s", env.PaymentRequirements.Network)
	}

	asset := common.HexToAddress(env.PaymentRequirements.Asset)
	from := common.HexToAddress(env.PaymentPayload.Payload.Authorization.From)
	to := common.HexToAddress(env.PaymentPayload.Payload.Authorization.To)
	value := mustBigInt(env.PaymentPayload.Payload.Authorization.Value)
	validAfter := mustBigInt(env.PaymentPayload.Payload.Authorization.ValidAfter)
	validBefore := mustBigInt(env.PaymentPayload.Payload.Authorization.ValidBefore)

	nonceHex := strings.TrimPrefix(env.PaymentPayload.Payload.Authorization.Nonce, "0x")
	nonceBytes, err := hex.DecodeString(nonceHex)
	if err != nil {
		return common.Hash{}, [32]byte{}, nil, fmt.Errorf("invalid nonce: %w", err)
	}
	var nonce [32]byte
	copy(nonce[32-len(nonceBytes):], nonceBytes)

	chainIDBig := big.NewInt(chainID)
	ds := transferDomainSeparator(chainIDBig, asset)
	ah := transferAuthHash(from, to, value, validAfter, validBefore, nonce)
	digest := crypto.Keccak256Hash(append([]byte{0x19, 0x01}, append(ds.Bytes(), ah.Bytes()...)...))
	return digest, nonce, chainIDBig, nil
}

// Verify checks the EIP-3009 signature, validity window, payTo, and amount
// without touching the chain.
func (f *LocalFacilitator) Verify(_ context.Context, body []byte) (*VerifyResult, error) {
	env, err := parseForwardEnvelope(body)
	if err != nil {
		return nil, err
	}

	digest, _, _, err := f.eip3009Digest(env)
	if err != nil {
		return &VerifyResult{IsValid: false, InvalidReason: err.Error()}, nil
	}

	validAfter := mustBigInt(env.PaymentPayload.Payload.Authorization.ValidAfter)
	if validAfter.Int64() > time.Now().Unix() {
		return &VerifyResult{IsValid: false, InvalidReason: "authorization not yet valid"}, nil
	}

	validBefore := mustBigInt(env.PaymentPayload.Payload.Authorization.ValidBefore)
	if validBefore.Int64() < time.Now().Unix() {
		return &VerifyResult{IsValid: false, InvalidReason: "authorization expired"}, nil
	}

	sigHex := strings.TrimPrefix(env.PaymentPayload.Payload.Signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return &VerifyResult{IsValid: false, InvalidReason: "invalid signature"}, nil
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pubBytes, err := crypto.Ecrecover(digest.Bytes(), normalized)
	if err != nil {
		return &VerifyResult{IsValid: false, InvalidReason: "ecrecover failed"}, nil
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return &VerifyResult{IsValid: false, InvalidReason: "unmarshal pubkey failed"}, nil
	}
	recovered := crypto.PubkeyToAddress(*pub)
	claimed := common.HexToAddress(env.PaymentPayload.Payload.Authorization.From)
	if recovered != claimed {
		return &VerifyResult{IsValid: false, InvalidReason: fmt.Sprintf("signature mismatch: signed by %s, claimed %s", recovered.Hex(), claimed.Hex())}, nil
	}

	authTo := common.HexToAddress(env.PaymentPayload.Payload.Authorization.To)
	reqPayTo := common.HexToAddress(env.PaymentRequirements.PayTo)
	if authTo != reqPayTo {
		return &VerifyResult{IsValid: false, InvalidReason: fmt.Sprintf("payTo mismatch: auth=%s req=%s", authTo.Hex(), reqPayTo.Hex())}, nil
	}

	if env.PaymentRequirements.MaxAmountRequired != "" {
		authValue := mustBigInt(env.PaymentPayload.Payload.Authorization.Value)
		maxAmount := mustBigInt(env.PaymentRequirements.MaxAmountRequired)
		if authValue.Cmp(maxAmount) > 0 {
			return &VerifyResult{IsValid: false, InvalidReason: fmt.Sprintf("amount too high: authorized %s, max %s", authValue, maxAmount)}, nil
		}
	}

	slog.Debug("local facilitator verify ok", "payer", recovered.Hex())
	return &VerifyResult{IsValid: true, Payer: recovered.Hex()}, nil
}

// Settle submits transferWithAuthorization to the asset contract, paying
// gas from the configured relayer key.
func (f *LocalFacilitator) Settle(ctx context.Context, body []byte) (*SettleResult, error) {
	env, err := parseForwardEnvelope(body)
	if err != nil {
		return nil, err
	}

	_, nonce32, chainID, err := f.eip3009Digest(env)
	if err != nil {
		return &SettleResult{Success: false, ErrorReason: err.Error()}, nil
	}

	from := common.HexToAddress(env.PaymentPayload.Payload.Authorization.From)
	to := common.HexToAddress(env.PaymentPayload.Payload.Authorization.To)
	value := mustBigInt(env.PaymentPayload.Payload.Authorization.Value)
	validAfter := mustBigInt(env.PaymentPayload.Payload.Authorization.ValidAfter)
	validBefore := mustBigInt(env.PaymentPayload.Payload.Authorization.ValidBefore)
	asset := common.HexToAddress(env.PaymentRequirements.Asset)

	sigHex := strings.TrimPrefix(env.PaymentPayload.Payload.Signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return &SettleResult{Success: false, ErrorReason: "invalid signature for settlement"}, nil
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}

	callData := packTransferWithAuth(from, to, value, validAfter, validBefore, nonce32, v, r, s)

	client, err := ethclient.DialContext(ctx, f.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("rpc connect: %w", err)
	}
	defer client.Close()

	txNonce, err := client.PendingNonceAt(ctx, f.address)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}

	gasLimit := uint64(100_000)
	if est, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: f.address,
		To:   &asset,
		Data: callData,
	}); err == nil {
		gasLimit = est * 12 / 10
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	tip := big.NewInt(1e9)
	feeCap := new(big.Int).Add(header.BaseFee, tip)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     txNonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &asset,
		Value:     new(big.Int),
		Data:      callData,
	})

	signed, err := types.SignTx(tx, types.NewLondonSigner(chainID), f.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing settlement tx: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return &SettleResult{Success: false, ErrorReason: "transaction_failed: " + err.Error()}, nil
	}

	slog.Info("settlement tx submitted",
		"hash", signed.Hash().Hex(),
		"from", from.Hex(),
		"to", to.Hex(),
		"value", value.String(),
	)
	return &SettleResult{
		Success:     true,
		Payer:       from.Hex(),
		Transaction: signed.Hash().Hex(),
		Network:     env.PaymentRequirements.Network,
	}, nil
}

// packTransferWithAuth manually ABI-encodes the transferWithAuthorization
// call: addresses right-aligned in 32 bytes, uint256 big-endian zero-padded,
// bytes32 as-is, uint8 right-aligned.
func packTransferWithAuth(
	from, to common.Address,
	value, validAfter, validBefore *big.Int,
	nonce [32]byte,
	v uint8,
	r, s [32]byte,
) []byte {
	data := make([]byte, 4+9*32)
	copy(data[:4], transferWithAuthSelector)
	offset := 4
	copy(data[offset+12:offset+32], from.Bytes())
	offset += 32
	copy(data[offset+12:offset+32], to.Bytes())
	offset += 32
	copy(data[offset:offset+32], pad32(value))
	offset += 32
	copy(data[offset:offset+32], pad32(validAfter))
	offset += 32
	copy(data[offset:offset+32], pad32(validBefore))
	offset += 32
	copy(data[offset:offset+32], nonce[:])
	offset += 32
	data[offset+31] = v
	offset += 32
	copy(data[offset:offset+32], r[:])
	offset += 32
	copy(data[offset:offset+32], s[:])
	return data
}
