package sign

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/drivebridge/internal/credential"
)

// Envelope headers.
const (
	HeaderEnvelopeKey = "X-Envelope-Key"
	HeaderEnvelope    = "X-Envelope"
	HeaderAppKey      = "X-App-Key"
)

// envelopeKeyBytes is the size of the per-request AES-256 content key.
const envelopeKeyBytes = 32

// Envelope is the plaintext sealed into X-Envelope.
type Envelope struct {
	Token     string `json:"token"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Timestamp int64  `json:"ts"`
	Nonce     string `json:"nonce"`
}

// RSAEnvelope seals the access token and request identity in a hybrid
// envelope: a random AES-256-GCM content key encrypts the JSON envelope and
// the backend's RSA public key (OAEP, SHA-256) encrypts the content key.
type RSAEnvelope struct {
	AppKey    string
	PublicKey *rsa.PublicKey
	Clock     func() time.Time
	Rand      io.Reader // nil = crypto/rand
}

// Name implements Strategy.
func (*RSAEnvelope) Name() string { return NameRSAEnvelope }

// Sign implements Strategy.
func (e *RSAEnvelope) Sign(req *http.Request, snap credential.Snapshot) error {
	if snap.AccessToken == "" {
		return ErrNoToken
	}

	rnd := e.Rand
	if rnd == nil {
		rnd = rand.Reader
	}

	plain, err := json.Marshal(Envelope{
		Token:     snap.AccessToken,
		Method:    req.Method,
		Path:      canonicalPath(req.URL),
		Timestamp: nowOr(e.Clock).Unix(),
		Nonce:     uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("sign: encoding envelope: %w", err)
	}

	key := make([]byte, envelopeKeyBytes)
	if _, err := io.ReadFull(rnd, key); err != nil {
		return fmt.Errorf("sign: generating content key: %w", err)
	}

	sealed, err := sealGCM(key, plain, rnd)
	if err != nil {
		return err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rnd, e.PublicKey, key, nil)
	if err != nil {
		return fmt.Errorf("sign: wrapping content key: %w", err)
	}

	if e.AppKey != "" {
		req.Header.Set(HeaderAppKey, e.AppKey)
	}

	req.Header.Set(HeaderEnvelopeKey, base64.StdEncoding.EncodeToString(wrapped))
	req.Header.Set(HeaderEnvelope, base64.StdEncoding.EncodeToString(sealed))

	return nil
}

// OpenEnvelope reverses RSAEnvelope.Sign with the backend's private key.
func OpenEnvelope(priv *rsa.PrivateKey, header http.Header) (*Envelope, error) {
	wrapped, err := base64.StdEncoding.DecodeString(header.Get(HeaderEnvelopeKey))
	if err != nil {
		return nil, fmt.Errorf("sign: decoding envelope key: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(header.Get(HeaderEnvelope))
	if err != nil {
		return nil, fmt.Errorf("sign: decoding envelope: %w", err)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("sign: unwrapping content key: %w", err)
	}

	plain, err := openGCM(key, sealed)
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("sign: decoding envelope body: %w", err)
	}

	return &env, nil
}

// ParseRSAPublicKey parses a PEM "PUBLIC KEY" (PKIX) or "RSA PUBLIC KEY"
// (PKCS#1) block.
func ParseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("sign: no PEM block in RSA public key")
	}

	if block.Type == "RSA PUBLIC KEY" {
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("sign: parsing PKCS#1 public key: %w", err)
		}

		return pub, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("sign: parsing PKIX public key: %w", err)
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("sign: public key is %T, not RSA", parsed)
	}

	return pub, nil
}

// sealGCM returns nonce||ciphertext.
func sealGCM(key, plain []byte, rnd io.Reader) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sign: creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sign: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, fmt.Errorf("sign: generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func openGCM(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sign: creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sign: creating GCM: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sign: sealed payload too short")
	}

	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("sign: opening sealed payload: %w", err)
	}

	return plain, nil
}
