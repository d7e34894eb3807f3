package credential

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/drivebridge/internal/errs"
)

// OAuth2Refresher refreshes tokens with the standard OAuth2 refresh_token
// grant through golang.org/x/oauth2.
type OAuth2Refresher struct {
	cfg        *oauth2.Config
	httpClient *http.Client
}

// NewOAuth2Refresher builds a refresher for the given token endpoint.
// httpClient may be nil to use http.DefaultClient.
func NewOAuth2Refresher(clientID, clientSecret, tokenURL string, scopes []string, httpClient *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		httpClient: httpClient,
	}
}

// Refresh exchanges current.RefreshToken for a new token pair. A token
// endpoint answering with a 4xx OAuth2 error maps to AuthRefreshFailed;
// server errors and transport failures map to Network.
func (r *OAuth2Refresher) Refresh(ctx context.Context, current Tokens) (Tokens, error) {
	if current.RefreshToken == "" {
		return Tokens{}, errs.New(errs.KindAuthRefreshFailed, "oauth2 refresh", "no refresh token available")
	}

	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	// An empty access token is never valid, so the source always hits the
	// token endpoint.
	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		return Tokens{}, classifyOAuth2Err(err)
	}

	return Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

func classifyOAuth2Err(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return errs.Wrap(errs.KindNetwork, "oauth2 refresh", err)
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}

	kind := errs.KindAuthRefreshFailed
	if status >= http.StatusInternalServerError {
		kind = errs.KindNetwork
	}

	return &errs.Error{
		Kind:    kind,
		Op:      "oauth2 refresh",
		Status:  status,
		Code:    re.ErrorCode,
		Message: re.ErrorDescription,
		Err:     err,
	}
}
