package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
)

// Authenticator decorates outbound requests with credentials.
type Authenticator interface {
	Apply(ctx context.Context, req *http.Request) error
	Type() string
}

const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
	AuthOAuth2 = "oauth2"
)

// NewAuthenticator builds an authenticator from the "auth" block of a
// discovery config. Secret values of the form "env:NAME" are read from the
// environment.
func NewAuthenticator(cfg map[string]any, client *http.Client) (Authenticator, error) {
	c := adapter.DiscoveryConfig(cfg)
	switch strings.ToLower(c.String("type")) {
	case "", AuthNone:
		return noAuth{}, nil
	case AuthBasic:
		user := secret(c.String("username"))
		if user == "" {
			return nil, errors.New("basic auth requires username")
		}
		return basicAuth{user: user, pass: secret(c.String("password"))}, nil
	case AuthBearer:
		tok := secret(c.String("token"))
		if tok == "" {
			return nil, errors.New("bearer auth requires token")
		}
		return bearerAuth{token: tok}, nil
	case AuthAPIKey, "apikey":
		key := secret(c.String("key"))
		if key == "" {
			return nil, errors.New("api_key auth requires key")
		}
		a := apiKeyAuth{key: key, name: c.String("name"), inQuery: strings.EqualFold(c.String("location"), "query")}
		if a.name == "" {
			a.name = "X-API-Key"
			if a.inQuery {
				a.name = "api_key"
			}
		}
		return a, nil
	case AuthOAuth2:
		cc := &clientcredentials.Config{
			ClientID:     secret(c.String("client_id")),
			ClientSecret: secret(c.String("client_secret")),
			TokenURL:     c.String("token_url"),
			Scopes:       c.Strings("scopes"),
		}
		if cc.ClientID == "" || cc.TokenURL == "" {
			return nil, errors.New("oauth2 auth requires client_id and token_url")
		}
		// The token source outlives any one request; it only borrows the client.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		return oauthAuth{src: cc.TokenSource(ctx)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", c.String("type"))
	}
}

func secret(v string) string {
	if name, ok := strings.CutPrefix(v, "env:"); ok {
		return os.Getenv(name)
	}
	return v
}

type noAuth struct{}

func (noAuth) Apply(context.Context, *http.Request) error { return nil }
func (noAuth) Type() string                               { return AuthNone }

type basicAuth struct{ user, pass string }

func (a basicAuth) Apply(_ context.Context, r *http.Request) error {
	r.SetBasicAuth(a.user, a.pass)
	return nil
}

func (basicAuth) Type() string { return AuthBasic }

type bearerAuth struct{ token string }

func (a bearerAuth) Apply(_ context.Context, r *http.Request) error {
	r.Header.Set("Authorization", "Bearer "+a.token)
	return nil
}

func (bearerAuth) Type() string { return AuthBearer }

type apiKeyAuth struct {
	key     string
	name    string
	inQuery bool
}

func (a apiKeyAuth) Apply(_ context.Context, r *http.Request) error {
	if a.inQuery {
		q := r.URL.Query()
		q.Set(a.name, a.key)
		r.URL.RawQuery = q.Encode()
		return nil
	}
	r.Header.Set(a.name, a.key)
	return nil
}

func (apiKeyAuth) Type() string { return AuthAPIKey }

// oauthAuth uses the client credentials grant. Tokens are cached and
// refreshed by the token source shortly before expiry.
type oauthAuth struct{ src oauth2.TokenSource }

func (a oauthAuth) Apply(_ context.Context, r *http.Request) error {
	tok, err := a.src.Token()
	if err != nil {
		return &adapter.Error{Kind: adapter.KindAuthentication, Adapter: Protocol, Message: "obtain oauth2 token", Err: err}
	}
	tok.SetAuthHeader(r)
	return nil
}

func (oauthAuth) Type() string { return AuthOAuth2 }
