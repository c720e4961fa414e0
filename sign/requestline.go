package sign

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"node.town/rtasr/fault"
)

// RequestLine describes the handshake request signed by services that
// authenticate the HTTP request line instead of a parameter set.
type RequestLine struct {
	APIKey    string
	APISecret string
	Host      string
	Path      string
	Date      string
}

// Origin is the exact text the signature covers.
func (r RequestLine) Origin() string {
	return fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", r.Host, r.Date, r.Path)
}

// Authorization returns the base64 encoded authorization value carried in
// the handshake query string.
func (r RequestLine) Authorization() (string, error) {
	switch {
	case r.APISecret == "":
		return "", fault.Auth("authorize", ErrEmptySecret)
	case r.APIKey == "":
		return "", fault.Auth("authorize", fmt.Errorf("empty api key"))
	case r.Host == "" || r.Path == "" || r.Date == "":
		return "", fault.Auth("authorize", fmt.Errorf("host, path and date are required"))
	}

	signature := digest(sha256.New, r.APISecret, r.Origin())
	origin := fmt.Sprintf(
		`api_key="%s", algorithm="%s", headers="host date request-line", signature="%s"`,
		r.APIKey,
		HMACSHA256,
		signature,
	)
	return base64.StdEncoding.EncodeToString([]byte(origin)), nil
}
