// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/keys"
	"github.com/authgate/authgate/pkg/networking"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
)

// Fetcher resolves request and request_uri references: pushed requests
// by their urn handle, remote request objects over SSRF-safe HTTP, and
// inline request objects. Resolved parameters are folded over the wire
// parameters.
type Fetcher struct {
	resolver *clients.JWKSResolver
	pushed   storage.PushedRequestStore
	pool     *networking.ClientPool

	// issuer is an accepted audience on request objects that carry one.
	issuer string

	requestParameterSupported    bool
	requestURIParameterSupported bool

	now func() time.Time
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithRequestParameter toggles support for the inline request parameter.
func WithRequestParameter(supported bool) FetcherOption {
	return func(f *Fetcher) { f.requestParameterSupported = supported }
}

// WithRequestURIParameter toggles support for remote request_uri values.
// Pushed-request urns are always honored; PAR depends on them.
func WithRequestURIParameter(supported bool) FetcherOption {
	return func(f *Fetcher) { f.requestURIParameterSupported = supported }
}

// WithFetcherClientPool substitutes the HTTP client pool used for
// remote request objects.
func WithFetcherClientPool(pool *networking.ClientPool) FetcherOption {
	return func(f *Fetcher) { f.pool = pool }
}

// NewFetcher creates a fetcher. Both request parameters are supported
// unless an option turns them off.
func NewFetcher(resolver *clients.JWKSResolver, pushed storage.PushedRequestStore, issuer string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		resolver:                     resolver,
		pushed:                       pushed,
		pool:                         networking.NewClientPool(networking.NewHTTPClientBuilder(), 0),
		issuer:                       issuer,
		requestParameterSupported:    true,
		requestURIParameterSupported: true,
		now:                          time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Resolve folds any request object or pushed request into req. It is a
// no-op for requests that carry neither reference.
func (f *Fetcher) Resolve(ctx context.Context, req *Request) *oidc.Error {
	switch {
	case req.RequestURI != "":
		if id, ok := strings.CutPrefix(req.RequestURI, oidc.RequestURIPrefixPAR); ok {
			return f.resolvePushed(ctx, req, id)
		}
		return f.resolveRemote(ctx, req)
	case req.RequestObject != "":
		if !f.requestParameterSupported {
			return oidc.NewError(oidc.ErrCodeRequestNotSupported, "the request parameter is not supported").WithState(req.State)
		}
		return f.applyRequestObject(ctx, req, req.RequestObject)
	default:
		return nil
	}
}

// resolvePushed consumes a PAR handle. Handles are single use at the
// authorization endpoint; an expired or reused handle fails the same
// way as an unknown one.
func (f *Fetcher) resolvePushed(ctx context.Context, req *Request, id string) *oidc.Error {
	params, err := f.pushed.ConsumePushedRequest(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return oidc.NewError(oidc.ErrCodeInvalidRequestURI, "unknown or expired request_uri").WithState(req.State)
		}
		return oidc.ServerError("failed to resolve pushed request").WithState(req.State)
	}
	return req.merge(params)
}

func (f *Fetcher) resolveRemote(ctx context.Context, req *Request) *oidc.Error {
	if !f.requestURIParameterSupported {
		return oidc.NewError(oidc.ErrCodeRequestURINotSupported, "the request_uri parameter is not supported").WithState(req.State)
	}

	u, err := url.Parse(req.RequestURI)
	if err != nil || u.Scheme != "https" {
		return oidc.NewError(oidc.ErrCodeInvalidRequestURI, "request_uri must be an https URL").WithState(req.State)
	}

	httpClient, err := f.pool.Get()
	if err != nil {
		return oidc.ServerError("failed to build HTTP client").WithState(req.State)
	}
	body, err := networking.FetchBody(ctx, httpClient, req.RequestURI,
		networking.WithMaxResponseSize(keys.MaxJWTSize))
	if err != nil {
		return oidc.NewError(oidc.ErrCodeInvalidRequestURI, "failed to fetch request object").WithState(req.State)
	}
	return f.applyRequestObject(ctx, req, strings.TrimSpace(string(body)))
}

// applyRequestObject verifies a request object against the client's
// keys and merges its claims. The none algorithm is never accepted;
// the parse allowlist simply does not contain it.
func (f *Fetcher) applyRequestObject(ctx context.Context, req *Request, raw string) *oidc.Error {
	invalid := func(reason string) *oidc.Error {
		return oidc.NewError(oidc.ErrCodeInvalidRequestObject, reason).WithState(req.State)
	}

	client := req.Client
	if client == nil {
		return invalid("request object requires a known client")
	}
	if len(raw) > keys.MaxJWTSize {
		return invalid("request object exceeds the size bound")
	}

	algs := keys.SupportedSignatureAlgorithms
	if alg := client.RequestObjectSigningAlg; alg != "" {
		if alg == "none" || !keys.IsSupportedSignatureAlgorithm(alg) {
			return invalid("client registered an unusable request_object_signing_alg")
		}
		algs = []jose.SignatureAlgorithm{jose.SignatureAlgorithm(alg)}
	}

	jws, err := jose.ParseSigned(raw, algs)
	if err != nil {
		return invalid("malformed request object")
	}
	if len(jws.Signatures) != 1 {
		return invalid("request object must carry exactly one signature")
	}

	var payload []byte
	if strings.HasPrefix(string(jws.Signatures[0].Header.Algorithm), "HS") {
		secret := clients.SymmetricKey(client, f.now())
		if secret == nil {
			return invalid("client has no secret usable for HMAC request objects")
		}
		payload, err = keys.VerifyWithSecret(raw, secret)
	} else {
		keySet, rerr := f.resolver.Resolve(ctx, client)
		if rerr != nil {
			return invalid("client has no registered keys")
		}
		payload, err = keys.VerifyWithKeys(raw, *keySet, algs)
	}
	if err != nil {
		return invalid("request object signature verification failed")
	}

	params, oerr := f.requestObjectValues(req, payload)
	if oerr != nil {
		return oerr
	}
	return req.merge(params)
}

// requestObjectValues maps the verified payload onto request
// parameters, checking the JWT-level claims the object may carry.
func (f *Fetcher) requestObjectValues(req *Request, payload []byte) (url.Values, *oidc.Error) {
	invalid := func(reason string) *oidc.Error {
		return oidc.NewError(oidc.ErrCodeInvalidRequestObject, reason).WithState(req.State)
	}

	var object map[string]any
	if err := json.Unmarshal(payload, &object); err != nil {
		return nil, invalid("request object payload is not a JSON object")
	}

	if iss, ok := object["iss"].(string); ok && iss != req.Client.ClientID {
		return nil, invalid("request object issuer must be the client")
	}
	if aud, ok := object["aud"]; ok && !audienceContains(aud, f.issuer) {
		return nil, invalid("request object audience does not name this server")
	}
	if exp, ok := object["exp"].(float64); ok && f.now().After(time.Unix(int64(exp), 0)) {
		return nil, invalid("request object expired")
	}

	params := url.Values{}
	for name, value := range object {
		switch name {
		case "iss", "aud", "exp", "nbf", "iat", "jti":
			continue
		}
		switch v := value.(type) {
		case string:
			params.Set(name, v)
		case float64:
			params.Set(name, strconv.FormatFloat(v, 'f', -1, 64))
		case bool:
			params.Set(name, strconv.FormatBool(v))
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, invalid(fmt.Sprintf("request object member %s cannot be represented", name))
			}
			params.Set(name, string(encoded))
		}
	}
	return params, nil
}

func audienceContains(aud any, issuer string) bool {
	switch v := aud.(type) {
	case string:
		return v == issuer
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == issuer {
				return true
			}
		}
	}
	return false
}
