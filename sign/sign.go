// Package sign builds the signed credentials the recognition service
// checks during the websocket handshake.
//
// The server recomputes every signature from the same inputs, so the
// canonical string and the time formats here must stay bit-exact.
package sign

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"sort"
	"strings"
	"time"

	"node.town/rtasr/fault"
)

type Algorithm string

const (
	HMACSHA1   Algorithm = "hmac-sha1"
	HMACSHA256 Algorithm = "hmac-sha256"
)

func (a Algorithm) hash() (func() hash.Hash, error) {
	switch a {
	case HMACSHA1:
		return sha1.New, nil
	case HMACSHA256:
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", string(a))
	}
}

var (
	ErrEmptySecret = errors.New("empty secret")
	ErrNoParams    = errors.New("no non-empty parameters to sign")
)

// Params maps request parameter names to values. Empty values are treated
// as absent.
type Params map[string]string

// Signature is the canonical string and its base64 encoded keyed hash.
type Signature struct {
	Canonical string
	Value     string
}

// Canonical renders params as key=value pairs sorted by key in byte order,
// both sides percent-encoded, joined with '&'.
func Canonical(params Params) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(Escape(k))
		sb.WriteByte('=')
		sb.WriteString(Escape(params[k]))
	}
	return sb.String()
}

// Escape percent-encodes s leaving only A-Z a-z 0-9 - _ . ~ untouched.
func Escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Sign computes the keyed hash of the canonical form of params.
func Sign(params Params, secret string, alg Algorithm) (Signature, error) {
	if secret == "" {
		return Signature{}, fault.Auth("sign", ErrEmptySecret)
	}
	newHash, err := alg.hash()
	if err != nil {
		return Signature{}, fault.Auth("sign", err)
	}

	canonical := Canonical(params)
	if canonical == "" {
		return Signature{}, fault.Auth("sign", ErrNoParams)
	}

	return Signature{
		Canonical: canonical,
		Value:     digest(newHash, secret, canonical),
	}, nil
}

func digest(newHash func() hash.Hash, secret, message string) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// The service validates timestamps in China Standard Time regardless of
// where the client runs.
var serviceZone = time.FixedZone("CST", 8*60*60)

const timestampLayout = "2006-01-02T15:04:05-0700"

// Timestamp formats t as e.g. 2024-01-01T00:00:00+0800.
func Timestamp(t time.Time) string {
	return t.In(serviceZone).Format(timestampLayout)
}

// HTTPDate formats t as an RFC 1123 date in GMT, e.g.
// Mon, 01 Jan 2024 00:00:00 GMT.
func HTTPDate(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}
