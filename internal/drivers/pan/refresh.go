package pan

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tonimelisma/drivebridge/internal/credential"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/sign"
	"github.com/tonimelisma/drivebridge/internal/transport"
)

// NewProxyRefresher returns a refresher that trades the refresh token at a
// refresh proxy: POST {"refresh_token"} to refreshURL, answered with a new
// token pair. Requests to the proxy are unsigned. A rejection by the proxy
// is AuthRefreshFailed.
func NewProxyRefresher(refreshURL string, opts ...transport.Option) credential.RefresherFunc {
	all := append([]transport.Option{transport.WithInspector(Inspector())}, opts...)
	exec := transport.New("", nil, sign.None{}, all...)

	return func(ctx context.Context, cur credential.Tokens) (credential.Tokens, error) {
		if cur.RefreshToken == "" {
			return credential.Tokens{}, errs.New(errs.KindAuthRefreshFailed, "proxy refresh", "no refresh token available")
		}

		body, err := jsonBody(refreshRequest{RefreshToken: cur.RefreshToken})
		if err != nil {
			return credential.Tokens{}, err
		}

		var resp refreshResponse
		if err := exec.DoJSON(ctx, &transport.Request{Method: http.MethodPost, URL: refreshURL, Body: body}, &resp); err != nil {
			return credential.Tokens{}, refreshRejected(err)
		}

		tok := credential.Tokens{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
		if tok.RefreshToken == "" {
			tok.RefreshToken = cur.RefreshToken
		}

		if resp.ExpiresIn > 0 {
			tok.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		}

		return tok, nil
	}
}

// refreshRejected turns a proxy rejection into AuthRefreshFailed, keeping
// the proxy's code and message. Network errors pass through.
func refreshRejected(err error) error {
	var te *errs.Error
	if !errors.As(err, &te) || te.Kind != errs.KindBackendRejected {
		return err
	}

	return &errs.Error{
		Kind:    errs.KindAuthRefreshFailed,
		Op:      "proxy refresh",
		Status:  te.Status,
		Code:    te.Code,
		Message: te.Message,
	}
}
