package auth

import (
	"net/url"
)

// Grant is a request for tokens under one OAuth2 grant type.
// Client authentication is added by the [Endpoint].
type Grant interface {
	// GrantType returns the name used for logs and metrics.
	GrantType() string
	// Form returns the form parameters the token endpoint expects.
	Form() url.Values
}

// PasswordGrant is the resource owner password credentials grant.
type PasswordGrant struct {
	Username string
	Password string
}

func (PasswordGrant) GrantType() string { return "password" }

func (g PasswordGrant) Form() url.Values {
	return url.Values{
		"grant_type": {"password"},
		"username":   {g.Username},
		"password":   {g.Password},
	}
}

// PasscodeGrant authenticates with a one-time passcode obtained from the
// identity service's login page.
type PasscodeGrant struct {
	Passcode string
}

func (PasscodeGrant) GrantType() string { return "passcode" }

func (g PasscodeGrant) Form() url.Values {
	// UAA takes passcodes through the password grant.
	return url.Values{
		"grant_type": {"password"},
		"passcode":   {g.Passcode},
	}
}

// ClientCredentialsGrant authenticates as the client itself.
// The identity service does not issue refresh tokens for it.
type ClientCredentialsGrant struct{}

func (ClientCredentialsGrant) GrantType() string { return "client_credentials" }

func (ClientCredentialsGrant) Form() url.Values {
	return url.Values{"grant_type": {"client_credentials"}}
}

// AuthorizationCodeGrant exchanges an authorization code received at a
// redirect URI.
type AuthorizationCodeGrant struct {
	Code        string
	RedirectURI string
}

func (AuthorizationCodeGrant) GrantType() string { return "authorization_code" }

func (g AuthorizationCodeGrant) Form() url.Values {
	v := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {g.Code},
	}
	if g.RedirectURI != "" {
		v.Set("redirect_uri", g.RedirectURI)
	}
	return v
}

// RefreshGrant exchanges a refresh token. The identity service invalidates
// the refresh token when it accepts it.
type RefreshGrant struct {
	RefreshToken string
}

func (RefreshGrant) GrantType() string { return "refresh_token" }

func (g RefreshGrant) Form() url.Values {
	return url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {g.RefreshToken},
	}
}
