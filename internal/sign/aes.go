package sign

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/tonimelisma/drivebridge/internal/credential"
)

// Query parameters written by AESSorted.
const (
	ParamAppKey    = "app_key"
	ParamTimestamp = "timestamp"
	ParamData      = "data"
	ParamSign      = "sign"
	paramToken     = "access_token"
	paramNonce     = "nonce"
	hkdfInfo       = "drivebridge sorted params v1"
	derivedKeyLen  = 32
)

// ErrBadSignature is returned by OpenSortedParams when the sign parameter
// does not match.
var ErrBadSignature = errors.New("sign: signature mismatch")

// AESSorted is the layered legacy-pan scheme: the original query plus
// access_token and a nonce are sorted and canonicalized, the canonical string
// is AES-256-GCM encrypted under a key derived with HKDF from the app secret
// and the timestamp, and an HMAC-SHA256 over app key, timestamp and
// ciphertext is attached. The request query is replaced by
// app_key, timestamp, data and sign.
type AESSorted struct {
	AppKey    string
	AppSecret []byte
	Clock     func() time.Time
	Rand      io.Reader // nil = crypto/rand
}

// Name implements Strategy.
func (*AESSorted) Name() string { return NameAESSorted }

// Sign implements Strategy.
func (a *AESSorted) Sign(req *http.Request, snap credential.Snapshot) error {
	if snap.AccessToken == "" {
		return ErrNoToken
	}

	rnd := a.Rand
	if rnd == nil {
		rnd = rand.Reader
	}

	ts := strconv.FormatInt(nowOr(a.Clock).Unix(), 10)

	params := req.URL.Query()
	params.Set(paramToken, snap.AccessToken)
	params.Set(paramNonce, uuid.NewString())

	key, err := deriveParamKey(a.AppSecret, ts)
	if err != nil {
		return err
	}

	sealed, err := sealGCM(key, []byte(canonicalQuery(params)), rnd)
	if err != nil {
		return err
	}

	data := base64.RawURLEncoding.EncodeToString(sealed)

	q := url.Values{}
	q.Set(ParamAppKey, a.AppKey)
	q.Set(ParamTimestamp, ts)
	q.Set(ParamData, data)
	q.Set(ParamSign, sortedSignature(a.AppSecret, a.AppKey, ts, data))
	req.URL.RawQuery = q.Encode()

	return nil
}

// OpenSortedParams verifies and decrypts a query produced by AESSorted.Sign,
// returning the original parameters including access_token.
func OpenSortedParams(secret []byte, q url.Values) (url.Values, error) {
	ts := q.Get(ParamTimestamp)
	data := q.Get(ParamData)

	want := sortedSignature(secret, q.Get(ParamAppKey), ts, data)
	if !hmac.Equal([]byte(want), []byte(q.Get(ParamSign))) {
		return nil, ErrBadSignature
	}

	sealed, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("sign: decoding data: %w", err)
	}

	key, err := deriveParamKey(secret, ts)
	if err != nil {
		return nil, err
	}

	plain, err := openGCM(key, sealed)
	if err != nil {
		return nil, err
	}

	params, err := url.ParseQuery(string(plain))
	if err != nil {
		return nil, fmt.Errorf("sign: parsing params: %w", err)
	}

	return params, nil
}

func deriveParamKey(secret []byte, ts string) ([]byte, error) {
	key := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(ts), []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("sign: deriving key: %w", err)
	}

	return key, nil
}

func sortedSignature(secret []byte, appKey, ts, data string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalQuery(url.Values{
		ParamAppKey:    {appKey},
		ParamTimestamp: {ts},
		ParamData:      {data},
	})))

	return hex.EncodeToString(mac.Sum(nil))
}
