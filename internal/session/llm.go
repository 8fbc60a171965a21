package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/PuerkitoBio/goquery"
)

// maxDigestLen bounds the DOM digest sent to the model.
const maxDigestLen = 8000

// BedrockInvoker is the slice of the Bedrock runtime client the LLM
// strategy needs.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// LLMStrategy asks a Bedrock-hosted model to propose CSS selectors for
// the login fields. It is a fallback for pages the heuristic cannot
// classify; the proposed selectors are resolved against the real DOM, so
// a hallucinated selector fails cleanly.
type LLMStrategy struct {
	client  BedrockInvoker
	modelID string
}

// NewLLMStrategy wires the Bedrock client and model ID.
func NewLLMStrategy(client BedrockInvoker, modelID string) *LLMStrategy {
	return &LLMStrategy{client: client, modelID: modelID}
}

// Name identifies the strategy in logs.
func (l *LLMStrategy) Name() string { return "llm" }

type selectorProposal struct {
	UsernameSelector string `json:"username_selector"`
	PasswordSelector string `json:"password_selector"`
	SubmitSelector   string `json:"submit_selector"`
}

// DiscoverForm sends a form-focused DOM digest to the model and resolves
// the returned selectors back to concrete field names.
func (l *LLMStrategy) DiscoverForm(ctx context.Context, pageHTML string, pageURL *url.URL) (*LoginForm, error) {
	if l.client == nil || l.modelID == "" {
		return nil, errors.New("llm strategy not configured")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse login page: %w", err)
	}

	digest := domDigest(doc)
	proposal, err := l.propose(ctx, digest)
	if err != nil {
		return nil, err
	}

	usernameField, err := resolveFieldName(doc, proposal.UsernameSelector)
	if err != nil {
		return nil, fmt.Errorf("username selector: %w", err)
	}
	passwordField, err := resolveFieldName(doc, proposal.PasswordSelector)
	if err != nil {
		return nil, fmt.Errorf("password selector: %w", err)
	}

	form := &LoginForm{
		UsernameField: usernameField,
		PasswordField: passwordField,
		Hidden:        url.Values{},
	}

	// Carry the enclosing form's action and hidden fields.
	passwordInput := doc.Find(proposal.PasswordSelector).First()
	enclosing := passwordInput.Closest("form")
	if enclosing.Length() > 0 {
		form.Action, _ = enclosing.Attr("action")
		enclosing.Find(`input[type="hidden"]`).Each(func(_ int, input *goquery.Selection) {
			if name, ok := input.Attr("name"); ok && name != "" {
				value, _ := input.Attr("value")
				form.Hidden.Add(name, value)
			}
		})
	}

	if proposal.SubmitSelector != "" {
		submit := doc.Find(proposal.SubmitSelector).First()
		if submit.Length() > 0 {
			form.SubmitName, _ = submit.Attr("name")
			form.SubmitValue, _ = submit.Attr("value")
		}
	}

	return form, nil
}

// domDigest keeps only the form markup, truncated to keep the prompt
// small.
func domDigest(doc *goquery.Document) string {
	var b strings.Builder
	doc.Find("form").Each(func(_ int, form *goquery.Selection) {
		if html, err := goquery.OuterHtml(form); err == nil {
			b.WriteString(html)
			b.WriteString("\n")
		}
	})
	digest := b.String()
	if digest == "" {
		// No forms at all; fall back to the body's inputs and buttons.
		doc.Find("input, button").Each(func(_ int, el *goquery.Selection) {
			if html, err := goquery.OuterHtml(el); err == nil {
				b.WriteString(html)
				b.WriteString("\n")
			}
		})
		digest = b.String()
	}
	if len(digest) > maxDigestLen {
		digest = digest[:maxDigestLen]
	}
	return digest
}

func (l *LLMStrategy) propose(ctx context.Context, digest string) (*selectorProposal, error) {
	prompt := fmt.Sprintf(`You are given the form markup of a login page. Reply with a single JSON object and nothing else:
{"username_selector": "<css>", "password_selector": "<css>", "submit_selector": "<css or empty>"}

Markup:
%s`, digest)

	body, err := json.Marshal(map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        300,
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal model request: %w", err)
	}

	out, err := l.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(l.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("model invocation failed: %w", err)
	}

	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}
	if len(resp.Content) == 0 {
		return nil, errors.New("empty model response")
	}

	text := resp.Content[0].Text
	// Tolerate prose around the JSON object.
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}

	var proposal selectorProposal
	if err := json.Unmarshal([]byte(text), &proposal); err != nil {
		return nil, fmt.Errorf("model returned unparseable selectors: %w", err)
	}
	if proposal.UsernameSelector == "" || proposal.PasswordSelector == "" {
		return nil, errors.New("model proposal missing required selectors")
	}
	return &proposal, nil
}

func resolveFieldName(doc *goquery.Document, selector string) (string, error) {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", fmt.Errorf("selector %q matches nothing", selector)
	}
	name, ok := sel.Attr("name")
	if !ok || name == "" {
		return "", fmt.Errorf("selector %q matches an element without a name", selector)
	}
	return name, nil
}
