package verify

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// SignType selects the gateway's keyed digest scheme.
type SignType string

const (
	// SignTypeMD5 is the classic scheme: MD5 over the sorted parameter
	// string with the merchant key appended.
	SignTypeMD5 SignType = "MD5"
	// SignTypeHMACSHA256 keys the digest properly instead of appending the
	// secret. Offered for gateways configured with the newer scheme.
	SignTypeHMACSHA256 SignType = "HMAC-SHA256"
)

// signBase builds the canonical parameter string: drop sign/sign_type and
// empty values, sort keys, join k=v with &.
func signBase(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return strings.Join(pairs, "&")
}

// Sign computes the gateway signature for a parameter set.
func Sign(params map[string]string, secret string, signType SignType) string {
	base := signBase(params)

	switch signType {
	case SignTypeHMACSHA256:
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(base))
		return hex.EncodeToString(mac.Sum(nil))
	default:
		sum := md5.Sum([]byte(base + secret))
		return hex.EncodeToString(sum[:])
	}
}
