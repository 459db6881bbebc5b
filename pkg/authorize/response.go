// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"bytes"
	"html/template"
	"net/url"

	"github.com/authgate/authgate/pkg/oidc"
)

// Response is the outcome of one authorization round-trip. Exactly one
// of the three shapes is populated: a redirect, a form_post document,
// or a plain protocol error for requests whose redirect URI never
// validated.
type Response struct {
	// RedirectURL carries query, fragment and interaction redirects.
	RedirectURL string

	// FormPostHTML is the auto-submitting document for form_post
	// delivery. Serve it with Cache-Control: no-store.
	FormPostHTML []byte

	// Err is only set when redirect delivery is impossible.
	Err *oidc.Error
}

// formPostTemplate is the minimal auto-submit document. html/template
// escapes every interpolated value.
var formPostTemplate = template.Must(template.New("form_post").Parse(
	`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Submit this form</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{- range $name, $values := .Params}}{{range $values}}
<input type="hidden" name="{{$name}}" value="{{.}}"/>
{{- end}}{{end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>
`))

// deliver returns the artifacts through the request's response mode.
func deliver(req *Request, params url.Values) (*Response, *oidc.Error) {
	switch req.ResponseMode {
	case oidc.ResponseModeQuery:
		target, err := appendQuery(req.RedirectURI, params)
		if err != nil {
			return nil, oidc.ServerError("failed to build redirect")
		}
		return &Response{RedirectURL: target}, nil

	case oidc.ResponseModeFragment:
		target, err := appendFragment(req.RedirectURI, params)
		if err != nil {
			return nil, oidc.ServerError("failed to build redirect")
		}
		return &Response{RedirectURL: target}, nil

	case oidc.ResponseModeFormPost:
		var buf bytes.Buffer
		err := formPostTemplate.Execute(&buf, struct {
			Action string
			Params url.Values
		}{Action: req.RedirectURI, Params: params})
		if err != nil {
			return nil, oidc.ServerError("failed to render form_post response")
		}
		return &Response{FormPostHTML: buf.Bytes()}, nil

	default:
		return nil, oidc.ServerError("no response mode resolved")
	}
}

// appendQuery merges params into the redirect URI's query string,
// keeping any query the registration already carries.
func appendQuery(redirectURI string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for name, values := range params {
		for _, v := range values {
			q.Add(name, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// appendFragment encodes params into the URI fragment. Fragments never
// merge; the registration validator rejected fragment-bearing URIs.
func appendFragment(redirectURI string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	u.Fragment = ""
	return u.String() + "#" + params.Encode(), nil
}

// errorParams flattens a protocol error into redirect parameters.
func errorParams(oerr *oidc.Error, state string) url.Values {
	params := url.Values{}
	params.Set("error", oerr.Code)
	if oerr.Description != "" {
		params.Set("error_description", oerr.Description)
	}
	if state != "" {
		params.Set(oidc.ParamState, state)
	}
	return params
}
