package ap2

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/t54-labs/x402-secure/apierr"
)

var evidenceTypeHash = crypto.Keccak256Hash([]byte(
	"Evidence(bytes32 paymentHash,string resource,bytes32 originHash,string network,address asset,address payTo,bytes32 intent_uid,bytes32 cart_uid,bytes32 payment_uid,bytes32 trace_uid,uint64 notBefore,uint64 notAfter)",
))

var domainTypeHash = crypto.Keccak256Hash([]byte(
	"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
))

// Verify runs the AP2 pipeline against in, in the exact order §4.4 of
// SPEC_FULL.md names (the ordering is part of the contract: the error code
// a malformed request produces depends on it). The evidence-decode step is
// done by the caller, which passes the decoded document in in.Evidence;
// Verify runs every other step. It returns the first failing step's error,
// or nil if every step passes.
func Verify(in Input) *apierr.Error {
	policy, err := ExtractPolicy(in.Requirements)
	if err != nil {
		return err
	}
	if err := enforceFlags(policy, in.Evidence); err != nil {
		return err
	}
	if err := checkCongruence(in.Requirements, in.Evidence); err != nil {
		return err
	}
	if err := checkTemporal(in.Evidence); err != nil {
		return err
	}
	if err := checkOriginBinding(in.Origin, in.Requirements.Resource, in.Evidence); err != nil {
		return err
	}
	if err := checkPaymentHashBinding(in, in.Evidence); err != nil {
		return err
	}
	if err := checkMerchantIdentity(policy, in.Requirements.Resource); err != nil {
		return err
	}
	if err := checkSignature(in); err != nil {
		return err
	}
	if err := checkAmount(in.Requirements, in.Payload); err != nil {
		return err
	}
	return nil
}

func fail422(message string) *apierr.Error {
	return apierr.FromMessage(422, message)
}

// ExtractPolicy parses requirements.extra.ap2 into a Policy. A missing ap2
// block yields a zero-value policy (no mandate required); a present but
// structurally invalid block is a fatal error. Exported so the facilitator
// proxy can pre-check whether evidence is mandatory before deciding the
// pipeline should even run.
func ExtractPolicy(reqs PaymentRequirements) (Policy, *apierr.Error) {
	if reqs.Extra == nil {
		return Policy{}, nil
	}
	raw, ok := reqs.Extra["ap2"]
	if !ok || raw == nil {
		return Policy{}, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return Policy{}, fail422("AP2 evidence invalid: malformed policy block")
	}
	var policy Policy
	if err := json.Unmarshal(encoded, &policy); err != nil {
		return Policy{}, fail422("AP2 evidence invalid: malformed policy block")
	}
	return policy, nil
}

// enforceFlags requires a non-empty hex UID for every mandate flag the
// policy sets.
func enforceFlags(policy Policy, ev Evidence) *apierr.Error {
	check := func(required bool, uid, name string) *apierr.Error {
		if !required {
			return nil
		}
		trimmed := strip0x(strings.TrimSpace(uid))
		if trimmed == "" {
			return fail422(fmt.Sprintf("AP2 evidence invalid: missing required %s", name))
		}
		if strings.Trim(trimmed, "0123456789abcdefABCDEF") != "" {
			return fail422(fmt.Sprintf("AP2 evidence invalid: %s is not hex", name))
		}
		return nil
	}
	if err := check(policy.RequireIntentMandate, ev.IntentUID, "intent_uid"); err != nil {
		return err
	}
	if err := check(policy.RequireCartMandate, ev.CartUID, "cart_uid"); err != nil {
		return err
	}
	if err := check(policy.RequirePaymentMandate, ev.PaymentUID, "payment_uid"); err != nil {
		return err
	}
	if err := check(policy.RequireTrace, ev.TraceUID, "trace_uid"); err != nil {
		return err
	}
	return nil
}

func checkCongruence(reqs PaymentRequirements, ev Evidence) *apierr.Error {
	if ev.Resource != reqs.Resource {
		return fail422("AP2 resource mismatch")
	}
	if ev.Network != reqs.Network {
		return fail422("AP2 network mismatch")
	}
	if !strings.EqualFold(ev.PayTo, reqs.PayTo) {
		return fail422("AP2 payTo mismatch")
	}
	if reqs.Asset != "" && !strings.EqualFold(ev.Asset, reqs.Asset) {
		return fail422("AP2 asset mismatch")
	}
	return nil
}

func checkTemporal(ev Evidence) *apierr.Error {
	now := time.Now().Unix()
	if ev.NotBefore != nil && now < *ev.NotBefore {
		return fail422("AP2 evidence not yet valid (notBefore)")
	}
	if ev.NotAfter != nil && now > *ev.NotAfter {
		return fail422("AP2 evidence expired (notAfter)")
	}
	if ev.Exp != "" {
		expTime, err := time.Parse(time.RFC3339, ev.Exp)
		if err != nil {
			return fail422("AP2 evidence invalid: malformed exp")
		}
		if time.Now().After(expTime) {
			return fail422("AP2 evidence expired (exp)")
		}
	}
	return nil
}

// checkOriginBinding computes sha256(lowercase(trim(origin))), falling back
// to the scheme+authority of the resource when Origin is absent, and
// requires it equal evidence.originHash.
func checkOriginBinding(origin, resource string, ev Evidence) *apierr.Error {
	effective := origin
	if effective == "" {
		effective = schemeAuthority(resource)
	}
	normalized := strings.ToLower(strings.TrimSpace(effective))
	sum := sha256.Sum256([]byte(normalized))
	expected := hex.EncodeToString(sum[:])
	if !strings.EqualFold(strip0x(ev.OriginHash), expected) {
		return fail422("AP2 originHash mismatch")
	}
	return nil
}

// checkPaymentHashBinding requires keccak256(header bytes) equal
// evidence.paymentHash, where header bytes are the raw X-PAYMENT header
// ASCII if present, else base64(canonical_json(payload)).
func checkPaymentHashBinding(in Input, ev Evidence) *apierr.Error {
	var headerBytes []byte
	if in.PaymentHeader != "" {
		headerBytes = []byte(in.PaymentHeader)
	} else {
		canon, err := CanonicalJSON(in.Payload)
		if err != nil {
			return fail422("AP2 evidence invalid: cannot canonicalize payment payload")
		}
		headerBytes = []byte(base64StdEncode(canon))
	}
	expected := crypto.Keccak256Hash(headerBytes)
	if !strings.EqualFold(strip0x(ev.PaymentHash), expected.Hex()[2:]) {
		return fail422("AP2 payment hash mismatch")
	}
	return nil
}

// checkMerchantIdentity requires, when the policy names accepted merchant
// ids, at least one did:web:<host> entry whose host matches the resource
// authority (without port).
func checkMerchantIdentity(policy Policy, resource string) *apierr.Error {
	if len(policy.AcceptedMerchantIDs) == 0 {
		return nil
	}
	host := authorityHost(resource)
	for _, id := range policy.AcceptedMerchantIDs {
		if strings.EqualFold(id, "did:web:"+host) {
			return nil
		}
	}
	return fail422("AP2 merchant identity denied")
}

// checkSignature recovers the EIP-712 signer from evidence.sig, when
// present, and requires it equal the payer named in the payment payload's
// authorization.from.
func checkSignature(in Input) *apierr.Error {
	ev := in.Evidence
	if ev.Sig == "" {
		return nil
	}
	if ev.Kid != "" && ev.Kid != "eip712" {
		return fail422("AP2 signature unavailable: unsupported kid")
	}

	chainID, ok := in.ChainMap[ev.Network]
	if !ok {
		return fail422("AP2 chain unsupported: " + ev.Network)
	}

	digest, err := evidenceDigest(ev, big.NewInt(chainID))
	if err != nil {
		return fail422("AP2 evidence invalid: " + err.Error())
	}

	sigHex := strip0x(ev.Sig)
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return fail422("AP2 invalid signature")
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pubBytes, err := crypto.Ecrecover(digest.Bytes(), normalized)
	if err != nil {
		return fail422("AP2 invalid signature: " + err.Error())
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return fail422("AP2 invalid signature: " + err.Error())
	}
	recovered := crypto.PubkeyToAddress(*pub)
	claimed := common.HexToAddress(in.Payload.Payload.Authorization.From)
	if recovered != claimed {
		return fail422(fmt.Sprintf("AP2 signer mismatch: recovered %s claimed %s", recovered.Hex(), claimed.Hex()))
	}
	return nil
}

func checkAmount(reqs PaymentRequirements, payload PaymentPayload) *apierr.Error {
	if reqs.MaxAmountRequired == "" || payload.Payload.Authorization.Value == "" {
		return nil
	}
	maxAmount, ok1 := new(big.Int).SetString(reqs.MaxAmountRequired, 10)
	value, ok2 := new(big.Int).SetString(payload.Payload.Authorization.Value, 10)
	if !ok1 || !ok2 {
		return nil
	}
	if value.Cmp(maxAmount) > 0 {
		return fail422("AP2 amount exceeds maxAmountRequired")
	}
	return nil
}

// evidenceDigest builds the EIP-712 digest over the 12-field Evidence
// struct: domain {name:"AP2Evidence", version:"1", chainId, verifyingContract:payTo}.
func evidenceDigest(ev Evidence, chainID *big.Int) (common.Hash, error) {
	paymentHash, err := parseBytes32(ev.PaymentHash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("paymentHash: %w", err)
	}
	originHash, err := parseBytes32(ev.OriginHash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("originHash: %w", err)
	}
	intentUID, _ := parseBytes32OrZero(ev.IntentUID)
	cartUID, _ := parseBytes32OrZero(ev.CartUID)
	paymentUID, _ := parseBytes32OrZero(ev.PaymentUID)
	traceUID, _ := parseBytes32OrZero(ev.TraceUID)

	payTo := common.HexToAddress(ev.PayTo)
	asset := common.HexToAddress(ev.Asset)

	var notBefore, notAfter uint64
	if ev.NotBefore != nil {
		notBefore = uint64(*ev.NotBefore)
	}
	if ev.NotAfter != nil {
		notAfter = uint64(*ev.NotAfter)
	}

	structEnc := make([]byte, 0, 12*32)
	structEnc = append(structEnc, evidenceTypeHash.Bytes()...)
	structEnc = append(structEnc, paymentHash[:]...)
	structEnc = append(structEnc, crypto.Keccak256([]byte(ev.Resource))...)
	structEnc = append(structEnc, originHash[:]...)
	structEnc = append(structEnc, crypto.Keccak256([]byte(ev.Network))...)
	structEnc = append(structEnc, pad32Address(asset)...)
	structEnc = append(structEnc, pad32Address(payTo)...)
	structEnc = append(structEnc, intentUID[:]...)
	structEnc = append(structEnc, cartUID[:]...)
	structEnc = append(structEnc, paymentUID[:]...)
	structEnc = append(structEnc, traceUID[:]...)
	structEnc = append(structEnc, pad32Uint64(notBefore)...)
	structEnc = append(structEnc, pad32Uint64(notAfter)...)
	structHash := crypto.Keccak256Hash(structEnc)

	domainEnc := make([]byte, 0, 5*32)
	domainEnc = append(domainEnc, domainTypeHash.Bytes()...)
	domainEnc = append(domainEnc, crypto.Keccak256([]byte("AP2Evidence"))...)
	domainEnc = append(domainEnc, crypto.Keccak256([]byte("1"))...)
	domainEnc = append(domainEnc, pad32BigInt(chainID)...)
	domainEnc = append(domainEnc, pad32Address(payTo)...)
	domainSeparator := crypto.Keccak256Hash(domainEnc)

	digest := crypto.Keccak256Hash(append([]byte{0x19, 0x01}, append(domainSeparator.Bytes(), structHash.Bytes()...)...))
	return digest, nil
}

func parseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strip0x(s))
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("not a 32-byte hex value: %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

func parseBytes32OrZero(s string) ([32]byte, error) {
	if strings.TrimSpace(s) == "" {
		return [32]byte{}, nil
	}
	return parseBytes32(s)
}

func pad32Address(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}

func pad32BigInt(n *big.Int) []byte {
	b := n.Bytes()
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func pad32Uint64(n uint64) []byte {
	return pad32BigInt(new(big.Int).SetUint64(n))
}

func strip0x(s string) string {
	return strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
}

func schemeAuthority(resource string) string {
	idx := strings.Index(resource, "://")
	if idx < 0 {
		return resource
	}
	rest := resource[idx+3:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return resource[:idx+3] + rest
}

func authorityHost(resource string) string {
	authority := schemeAuthority(resource)
	idx := strings.Index(authority, "://")
	if idx >= 0 {
		authority = authority[idx+3:]
	}
	if colon := strings.LastIndex(authority, ":"); colon >= 0 {
		port := authority[colon+1:]
		if _, err := strconv.Atoi(port); err == nil {
			authority = authority[:colon]
		}
	}
	return authority
}
