package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	usernameKeywords = []string{"email", "user", "brukernavn"}
	passwordKeywords = []string{"password", "pass", "passord", "pwd"}
	submitKeywords   = []string{"logg inn", "login", "sign in", "submit"}
)

// HeuristicStrategy classifies visible inputs by type, name, and
// placeholder keywords. It handles the common case of a single login
// form without any site-specific configuration.
type HeuristicStrategy struct{}

// NewHeuristicStrategy returns the keyword-based form finder.
func NewHeuristicStrategy() *HeuristicStrategy { return &HeuristicStrategy{} }

// Name identifies the strategy in logs.
func (h *HeuristicStrategy) Name() string { return "heuristic" }

// DiscoverForm finds the form containing a password input and classifies
// its fields.
func (h *HeuristicStrategy) DiscoverForm(ctx context.Context, pageHTML string, pageURL *url.URL) (*LoginForm, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse login page: %w", err)
	}

	var form *LoginForm
	doc.Find("form").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		candidate, ok := classifyForm(sel)
		if ok {
			form = candidate
			return false
		}
		return true
	})
	if form == nil {
		return nil, errors.New("no form with a password input found")
	}
	return form, nil
}

func classifyForm(sel *goquery.Selection) (*LoginForm, bool) {
	form := &LoginForm{Hidden: url.Values{}}
	form.Action, _ = sel.Attr("action")

	sel.Find("input").Each(func(_ int, input *goquery.Selection) {
		name, _ := input.Attr("name")
		if name == "" {
			return
		}
		typ, _ := input.Attr("type")
		typ = strings.ToLower(typ)

		switch typ {
		case "hidden":
			value, _ := input.Attr("value")
			form.Hidden.Add(name, value)
		case "password":
			if form.PasswordField == "" {
				form.PasswordField = name
			}
		case "submit":
			if form.SubmitName == "" && matchesSubmit(input) {
				form.SubmitName = name
				form.SubmitValue, _ = input.Attr("value")
			}
		default:
			switch {
			case form.UsernameField == "" && matchesKeywords(input, usernameKeywords):
				form.UsernameField = name
			case form.PasswordField == "" && matchesKeywords(input, passwordKeywords):
				// Rare, but some sites mask the password field type
				// behind scripts and leave only the name as a hint.
				form.PasswordField = name
			}
		}
	})

	// Some sites label the field opaquely; fall back to the first text
	// input in a form that does carry a password field.
	if form.PasswordField != "" && form.UsernameField == "" {
		sel.Find(`input[type="text"], input[type="email"], input:not([type])`).EachWithBreak(func(_ int, input *goquery.Selection) bool {
			if name, ok := input.Attr("name"); ok && name != "" {
				form.UsernameField = name
				return false
			}
			return true
		})
	}

	// A submit button outside the input set still counts.
	if form.SubmitName == "" {
		sel.Find("button").EachWithBreak(func(_ int, btn *goquery.Selection) bool {
			text := strings.ToLower(strings.TrimSpace(btn.Text()))
			for _, kw := range submitKeywords {
				if strings.Contains(text, kw) {
					form.SubmitName, _ = btn.Attr("name")
					form.SubmitValue, _ = btn.Attr("value")
					return false
				}
			}
			return true
		})
	}

	if form.UsernameField == "" || form.PasswordField == "" {
		return nil, false
	}
	return form, true
}

func matchesSubmit(input *goquery.Selection) bool {
	value, _ := input.Attr("value")
	lower := strings.ToLower(value)
	for _, kw := range submitKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	// A lone unlabeled submit is still the best guess.
	return value == ""
}

func matchesKeywords(input *goquery.Selection, keywords []string) bool {
	name, _ := input.Attr("name")
	placeholder, _ := input.Attr("placeholder")
	id, _ := input.Attr("id")
	haystack := strings.ToLower(name + " " + placeholder + " " + id)
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}
