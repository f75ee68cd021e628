package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/schooltech-ng/schoolpay/app/models"
)

// VerifySignature checks an inbound payload against the provider's HMAC
// scheme. The MAC is always computed over the exact raw request bytes, never
// a re-serialized body. Comparison is constant-time via hmac.Equal.
func VerifySignature(payload []byte, signatureHeader, secret, scheme string) bool {
	sig := strings.TrimSpace(signatureHeader)
	key := strings.TrimSpace(secret)
	if sig == "" || key == "" {
		return false
	}

	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	var hashFunc func() hash.Hash
	switch scheme {
	case SchemeHMACSHA256:
		hashFunc = sha256.New
	default:
		hashFunc = sha512.New
	}
	return verifyHMAC(payload, decodedSig, []byte(key), hashFunc)
}

func verifyHMAC(payload, expectedSig, secret []byte, hashFunc func() hash.Hash) bool {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}

// DetectProvider picks the gateway and scheme for a delivery. The signature
// header present wins; with neither header the payload's provider field
// decides, defaulting to Paystack's scheme.
func DetectProvider(sig Signature, payloadProvider string) (provider, scheme, header string) {
	switch {
	case sig.PaystackSignature != "":
		return models.PaymentProviderPaystack, SchemeHMACSHA512, sig.PaystackSignature
	case sig.VerifHash != "":
		return models.PaymentProviderFlutterwave, SchemeHMACSHA256, sig.VerifHash
	}

	name := strings.ToLower(strings.TrimSpace(payloadProvider))
	if name == "" {
		name = models.PaymentProviderPaystack
	}
	if name == models.PaymentProviderFlutterwave {
		return name, SchemeHMACSHA256, ""
	}
	return name, SchemeHMACSHA512, ""
}
