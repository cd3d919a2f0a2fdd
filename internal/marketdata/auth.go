package marketdata

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// parseECPrivateKey decodes a PEM-encoded EC private key as issued by the
// Coinbase developer portal.
func parseECPrivateKey(pemKey string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not an EC key")
	}
	return key, nil
}

// signRequestJWT builds the short-lived ES256 bearer token the venue expects.
// The uri claim binds the token to one method and path.
func signRequestJWT(keyName string, key *ecdsa.PrivateKey, method, requestURL string) (string, error) {
	u, err := url.Parse(requestURL)
	if err != nil {
		return "", fmt.Errorf("invalid request url: %w", err)
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": "cdp",
		"sub": keyName,
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"uri": fmt.Sprintf("%s %s%s", method, u.Host, u.Path),
	})
	token.Header["kid"] = keyName
	token.Header["nonce"] = hex.EncodeToString(nonce)

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign request token: %w", err)
	}
	return signed, nil
}
