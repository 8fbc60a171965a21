package session

import (
	"context"
	"net/url"
)

// LoginForm is a discovered login form, resolved down to the field
// names the POST needs.
type LoginForm struct {
	Action        string
	UsernameField string
	PasswordField string
	SubmitName    string
	SubmitValue   string
	Hidden        url.Values
}

// LoginStrategy locates the login form on a page. Strategies are tried
// in order; the first one that both discovers a form and produces a
// successful login wins.
type LoginStrategy interface {
	Name() string
	DiscoverForm(ctx context.Context, pageHTML string, pageURL *url.URL) (*LoginForm, error)
}
