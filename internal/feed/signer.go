package feed

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"

	"github.com/wealthwatch/streamgate/errs"
)

// Sign computes the challenge signature required by the private feed
// handshake: SHA-256 of the UTF-8 challenge, then HMAC-SHA-512 keyed with
// the base64-decoded secret, then base64 of the MAC. The sequence is an
// interoperability requirement of the exchange protocol.
func Sign(challenge, secretBase64 string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(secretBase64)
	if err != nil {
		return "", errs.New("feed/signer", errs.CodeConfig,
			errs.WithMessage("api secret is not valid base64"),
			errs.WithCause(err))
	}

	digest := sha256.Sum256([]byte(challenge))

	mac := hmac.New(sha512.New, secret)
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
