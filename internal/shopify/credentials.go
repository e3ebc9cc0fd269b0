package shopify

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ordertruth/internal/config"
)

var (
	// ErrUnknownAccount means no shop is configured for the account.
	ErrUnknownAccount = eris.New("shopify: unknown account")
	// ErrMissingCredential means the shop is configured without an access token.
	ErrMissingCredential = eris.New("shopify: missing access token")
)

// Credential is a shop's Admin API access token.
type Credential struct {
	Shop        string
	AccessToken string
}

// CredentialStore resolves the access credential for an account.
type CredentialStore interface {
	Credential(ctx context.Context, account string) (Credential, error)
}

// StaticCredentials serves credentials from configuration, keyed by shop domain.
type StaticCredentials map[string]string

// CredentialsFromConfig builds a StaticCredentials from the configured shops.
func CredentialsFromConfig(shops []config.ShopCredential) StaticCredentials {
	creds := make(StaticCredentials, len(shops))
	for _, s := range shops {
		creds[normalizeShop(s.Domain)] = s.AccessToken
	}
	return creds
}

// Credential implements CredentialStore.
func (s StaticCredentials) Credential(_ context.Context, account string) (Credential, error) {
	shop := normalizeShop(account)
	if shop == "" {
		return Credential{}, eris.Wrap(ErrUnknownAccount, "empty account")
	}
	token, ok := s[shop]
	if !ok {
		return Credential{}, eris.Wrapf(ErrUnknownAccount, "account %s", shop)
	}
	if strings.TrimSpace(token) == "" {
		return Credential{}, eris.Wrapf(ErrMissingCredential, "account %s", shop)
	}
	return Credential{Shop: shop, AccessToken: token}, nil
}

// IsConfigError reports whether err comes from account or credential
// resolution rather than from the upstream.
func IsConfigError(err error) bool {
	return eris.Is(err, ErrUnknownAccount) || eris.Is(err, ErrMissingCredential)
}

func normalizeShop(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	return strings.TrimRight(d, "/")
}
