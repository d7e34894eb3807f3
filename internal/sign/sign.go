// Package sign implements request signing strategies. A Strategy is a
// backend capability, not state: it reads the current credential snapshot
// and its own static keys, mutates only the outgoing request, and never
// touches the credential session.
package sign

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tonimelisma/drivebridge/internal/credential"
)

// ErrNoToken is returned by strategies that need an access token when the
// snapshot holds none.
var ErrNoToken = errors.New("sign: no access token in credential snapshot")

// Strategy authenticates one outgoing request.
type Strategy interface {
	Name() string
	Sign(req *http.Request, snap credential.Snapshot) error
}

// Strategy names accepted by New.
const (
	NameBearer      = "bearer"
	NameHMACPath    = "hmac-path"
	NameSigV4       = "sigv4"
	NameRSAEnvelope = "rsa-envelope"
	NameAESSorted   = "aes-sorted"
	NameNone        = "none"
)

// Keys are the static, per-backend secrets a strategy may need.
type Keys struct {
	AppKey       string
	AppSecret    string
	AccessKey    string
	SecretKey    string
	Region       string
	RSAPublicKey []byte // PEM
}

// New returns the strategy registered under name.
func New(name string, keys Keys) (Strategy, error) {
	switch name {
	case NameBearer, "":
		return Bearer{}, nil
	case NameHMACPath:
		if keys.AppSecret == "" {
			return nil, fmt.Errorf("sign: %s requires app_secret", name)
		}

		return &HMACPath{KeyID: keys.AppKey, Secret: []byte(keys.AppSecret)}, nil
	case NameSigV4:
		if keys.AccessKey == "" || keys.SecretKey == "" {
			return nil, fmt.Errorf("sign: %s requires access_key and secret_key", name)
		}

		return &SigV4{AccessKey: keys.AccessKey, SecretKey: keys.SecretKey, Region: keys.Region}, nil
	case NameRSAEnvelope:
		pub, err := ParseRSAPublicKey(keys.RSAPublicKey)
		if err != nil {
			return nil, err
		}

		return &RSAEnvelope{AppKey: keys.AppKey, PublicKey: pub}, nil
	case NameAESSorted:
		if keys.AppKey == "" || keys.AppSecret == "" {
			return nil, fmt.Errorf("sign: %s requires app_key and app_secret", name)
		}

		return &AESSorted{AppKey: keys.AppKey, AppSecret: []byte(keys.AppSecret)}, nil
	case NameNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("sign: unknown strategy %q", name)
	}
}

// Bearer sets "Authorization: Bearer <access token>".
type Bearer struct{}

// Name implements Strategy.
func (Bearer) Name() string { return NameBearer }

// Sign implements Strategy.
func (Bearer) Sign(req *http.Request, snap credential.Snapshot) error {
	if snap.AccessToken == "" {
		return ErrNoToken
	}

	req.Header.Set("Authorization", "Bearer "+snap.AccessToken)

	return nil
}

// None leaves requests untouched. Used for pre-authenticated URLs.
type None struct{}

// Name implements Strategy.
func (None) Name() string { return NameNone }

// Sign implements Strategy.
func (None) Sign(*http.Request, credential.Snapshot) error { return nil }

// canonicalQuery encodes v with keys sorted and values sorted per key,
// using RFC 3986 escaping (spaces as %20).
func canonicalQuery(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var b strings.Builder

	for _, k := range keys {
		vals := append([]string(nil), v[k]...)
		sort.Strings(vals)

		for _, val := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}

			b.WriteString(escape(k))
			b.WriteByte('=')
			b.WriteString(escape(val))
		}
	}

	return b.String()
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// canonicalPath returns the escaped request path, "/" when empty.
func canonicalPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}

	return p
}

func nowOr(clock func() time.Time) time.Time {
	if clock != nil {
		return clock()
	}

	return time.Now()
}
