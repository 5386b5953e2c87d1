// Package dkim applies detached DKIM signatures to outbound messages. The
// signature covers a fixed header set (To, From, Subject); body content is
// covered by the body hash without being altered.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
)

// Config holds the signing identity.
type Config struct {
	Domain   string `toml:"domain"`
	Selector string `toml:"selector"`
	KeyPath  string `toml:"key_path"`
}

// signedHeaders is the fixed header set covered by the signature.
var signedHeaders = []string{"To", "From", "Subject"}

// Signer signs messages with a single domain key resolved at process start.
type Signer struct {
	domain   string
	selector string
	key      crypto.Signer
}

// NewSigner loads the private key and returns a ready signer. A zero Config
// returns (nil, nil): signing is optional and a nil *Signer signs nothing.
func NewSigner(config Config) (*Signer, error) {
	if config.Domain == "" && config.Selector == "" && config.KeyPath == "" {
		return nil, nil
	}

	if config.Domain == "" || config.Selector == "" || config.KeyPath == "" {
		return nil, fmt.Errorf("dkim: domain, selector and key_path are all required when signing is enabled")
	}

	pemData, err := os.ReadFile(config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("dkim: read private key: %w", err)
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}

	return &Signer{
		domain:   config.Domain,
		selector: config.Selector,
		key:      key,
	}, nil
}

// Domain returns the signing domain.
func (s *Signer) Domain() string {
	if s == nil {
		return ""
	}
	return s.domain
}

// Sign returns the message with a DKIM-Signature header prepended. A nil
// signer passes the message through unchanged.
func (s *Signer) Sign(message []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return message, nil
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}

	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(normalizeCRLF(message)), opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}

	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}

		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported private key type in PKCS#8 container")
			}
			return signer, nil
		}
		pemData = rest
	}

	return nil, fmt.Errorf("no private key found in PEM data")
}

// normalizeCRLF rewrites bare LF line endings to CRLF, which the signer
// requires for canonicalization.
func normalizeCRLF(data []byte) []byte {
	if bytes.Contains(data, []byte("\r\n")) || !bytes.Contains(data, []byte("\n")) {
		return data
	}
	return bytes.Join(bytes.Split(data, []byte{'\n'}), []byte("\r\n"))
}
