// Package signature signs outbound paywall forms and verifies the
// OpenPayu-Signature header on inbound notifications.
package signature

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strings"
)

const (
	HeaderName    = "OpenPayu-Signature"
	AltHeaderName = "X-Openpayu-Signature"

	DefaultAlgorithm = "MD5"
)

var (
	ErrMissingSignature     = errors.New("missing signature")
	ErrMalformedHeader      = errors.New("malformed signature header")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrMismatch             = errors.New("signature mismatch")
)

// algorithms is the allow-list; header input is never used to look up
// anything outside it.
var algorithms = map[string]func() hash.Hash{
	"MD5":    md5.New,
	"SHA":    sha1.New,
	"SHA1":   sha1.New,
	"SHA256": sha256.New,
	"SHA384": sha512.New384,
	"SHA512": sha512.New,
}

func canonical(name string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(name)), "-", "")
}

func hasher(name string) (func() hash.Hash, error) {
	h, ok := algorithms[canonical(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return h, nil
}

// Supported reports whether name is an allowed algorithm.
func Supported(name string) bool {
	_, err := hasher(name)
	return err == nil
}

func digest(newHash func() hash.Hash, parts ...[]byte) string {
	h := newHash()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Sign computes the form signature: fields sorted by key and URL-encoded as
// k=v&k=v, then "&" + secret, hashed with algorithm.
func Sign(fields url.Values, secret, algorithm string) (string, error) {
	h, err := hasher(algorithm)
	if err != nil {
		return "", err
	}
	// Encode sorts by key
	encoded := fields.Encode()
	return digest(h, []byte(encoded), []byte("&"+secret)), nil
}

// Header is a parsed signature header.
type Header struct {
	Signature string
	Algorithm string
	Sender    string
}

func FormatHeader(signature, algorithm, sender string) string {
	return fmt.Sprintf("signature=%s;algorithm=%s;sender=%s", signature, algorithm, sender)
}

// ParseHeader parses "signature=<hex>;algorithm=<name>;sender=<id>". Order of
// pairs is not significant and unknown keys are ignored.
func ParseHeader(value string) (Header, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Header{}, ErrMissingSignature
	}

	var h Header
	for _, pair := range strings.Split(value, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return Header{}, fmt.Errorf("%w: %q", ErrMalformedHeader, pair)
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "signature":
			h.Signature = strings.TrimSpace(v)
		case "algorithm":
			h.Algorithm = strings.TrimSpace(v)
		case "sender":
			h.Sender = strings.TrimSpace(v)
		}
	}

	if h.Signature == "" {
		return Header{}, ErrMissingSignature
	}
	if h.Algorithm == "" {
		h.Algorithm = DefaultAlgorithm
	}
	return h, nil
}

// Verify checks headerValue against hash(body + secret). It fails closed on
// every parse problem.
func Verify(body []byte, secret, headerValue string) error {
	h, err := ParseHeader(headerValue)
	if err != nil {
		return err
	}

	expected, err := Compute(body, secret, h.Algorithm)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(h.Signature))) != 1 {
		return ErrMismatch
	}
	return nil
}

// Compute returns hash(body + secret) with the named algorithm, as the
// gateway computes it for notifications.
func Compute(body []byte, secret, algorithm string) (string, error) {
	h, err := hasher(algorithm)
	if err != nil {
		return "", err
	}
	return digest(h, body, []byte(secret)), nil
}
