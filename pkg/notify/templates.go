package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"text/template"
	"time"
)

// Invitation is the data for a signing request email.
type Invitation struct {
	SignerName    string
	ContractTitle string
	SignURL       string
	ExpiresAt     time.Time
}

// Completion is the data for the all-signed email.
type Completion struct {
	SignerName    string
	ContractTitle string
	DocumentURL   string
	Digest        string
}

const invitationText = `Hello {{.SignerName}},

You have been asked to sign "{{.ContractTitle}}".

Open the link below to review and sign the document:
{{.SignURL}}

This link is personal and expires on {{.ExpiresAt.Format "2 January 2006 15:04 MST"}}.
`

const invitationHTML = `<p>Hello {{.SignerName}},</p>
<p>You have been asked to sign <strong>{{.ContractTitle}}</strong>.</p>
<p><a href="{{.SignURL}}">Review and sign the document</a></p>
<p>This link is personal and expires on {{.ExpiresAt.Format "2 January 2006 15:04 MST"}}.</p>
`

const completionText = `Hello {{.SignerName}},

Every party has signed "{{.ContractTitle}}".

Signed document: {{.DocumentURL}}
SHA-256: {{.Digest}}
`

const completionHTML = `<p>Hello {{.SignerName}},</p>
<p>Every party has signed <strong>{{.ContractTitle}}</strong>.</p>
<p><a href="{{.DocumentURL}}">Download the signed document</a></p>
<p><small>SHA-256: <code>{{.Digest}}</code></small></p>
`

var (
	invitationTextTmpl = template.Must(template.New("invitation.txt").Parse(invitationText))
	invitationHTMLTmpl = htmltemplate.Must(htmltemplate.New("invitation.html").Parse(invitationHTML))
	completionTextTmpl = template.Must(template.New("completion.txt").Parse(completionText))
	completionHTMLTmpl = htmltemplate.Must(htmltemplate.New("completion.html").Parse(completionHTML))
)

func render(text *template.Template, html *htmltemplate.Template, data any) (string, string, error) {
	var tb, hb bytes.Buffer
	if err := text.Execute(&tb, data); err != nil {
		return "", "", fmt.Errorf("render %s: %w", text.Name(), err)
	}
	if err := html.Execute(&hb, data); err != nil {
		return "", "", fmt.Errorf("render %s: %w", html.Name(), err)
	}
	return tb.String(), hb.String(), nil
}

// InvitationMessage renders the signing request for to.
func InvitationMessage(to string, inv Invitation) (Message, error) {
	text, html, err := render(invitationTextTmpl, invitationHTMLTmpl, inv)
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("Signature requested: %s", inv.ContractTitle),
		Text:    text,
		HTML:    html,
	}, nil
}

// CompletionMessage renders the completion notice for to.
func CompletionMessage(to string, c Completion) (Message, error) {
	text, html, err := render(completionTextTmpl, completionHTMLTmpl, c)
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("Completed: %s", c.ContractTitle),
		Text:    text,
		HTML:    html,
	}, nil
}
