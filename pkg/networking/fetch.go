// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	// DefaultMaxResponseSize is the default maximum response body size (1MB).
	DefaultMaxResponseSize = 1024 * 1024

	// DefaultErrorPreviewSize is the maximum size of error body preview in HTTPError.
	DefaultErrorPreviewSize = 1024

	// ContentTypeJSON is the JSON content type.
	ContentTypeJSON = "application/json"

	// ContentTypeFormURLEncoded is the form-urlencoded content type.
	ContentTypeFormURLEncoded = "application/x-www-form-urlencoded"
)

// HTTPClient is the subset of *http.Client used by the fetch helpers.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchResult contains the result of a successful fetch operation.
type FetchResult[T any] struct {
	// Data is the parsed response body.
	Data T

	// StatusCode is the HTTP status code of the response.
	StatusCode int

	// Headers are the response headers.
	Headers http.Header

	// ContentType is the Content-Type header value.
	ContentType string
}

// FetchOption configures a fetch request.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	method                    string
	headers                   http.Header
	body                      io.Reader
	maxResponseSize           int64
	skipContentTypeValidation bool
	acceptedStatuses          []int
}

func newFetchOptions() *fetchOptions {
	return &fetchOptions{
		method:           http.MethodGet,
		headers:          make(http.Header),
		maxResponseSize:  DefaultMaxResponseSize,
		acceptedStatuses: []int{http.StatusOK},
	}
}

// WithMethod sets the HTTP method for the request.
func WithMethod(method string) FetchOption {
	return func(opts *fetchOptions) {
		opts.method = method
	}
}

// WithHeader adds a single header to the request.
func WithHeader(key, value string) FetchOption {
	return func(opts *fetchOptions) {
		opts.headers.Set(key, value)
	}
}

// WithBody sets the request body.
func WithBody(body io.Reader) FetchOption {
	return func(opts *fetchOptions) {
		opts.body = body
	}
}

// WithMaxResponseSize sets the maximum response body size.
// If not set, DefaultMaxResponseSize (1MB) is used.
func WithMaxResponseSize(size int64) FetchOption {
	return func(opts *fetchOptions) {
		opts.maxResponseSize = size
	}
}

// WithoutContentTypeValidation disables Content-Type validation.
// By default, FetchJSON validates that the response Content-Type is application/json.
func WithoutContentTypeValidation() FetchOption {
	return func(opts *fetchOptions) {
		opts.skipContentTypeValidation = true
	}
}

// WithAcceptedStatuses overrides the set of response statuses treated as
// success (default: 200 only).
func WithAcceptedStatuses(statuses ...int) FetchOption {
	return func(opts *fetchOptions) {
		opts.acceptedStatuses = statuses
	}
}

// FetchJSON performs an HTTP request and parses the JSON response body.
// It sets the Accept header to application/json by default. The body is
// bounded by the configured maximum size. For non-success responses an
// HTTPError with a body preview is returned.
func FetchJSON[T any](
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	opts ...FetchOption,
) (*FetchResult[T], error) {
	options := newFetchOptions()
	for _, opt := range opts {
		opt(options)
	}

	if options.headers.Get("Accept") == "" {
		options.headers.Set("Accept", ContentTypeJSON)
	}

	body, resp, err := fetchRaw(ctx, client, requestURL, options)
	if err != nil {
		return nil, err
	}

	if !options.skipContentTypeValidation {
		contentType := resp.Header.Get("Content-Type")
		if !strings.Contains(strings.ToLower(contentType), ContentTypeJSON) {
			return nil, fmt.Errorf("unexpected content type: %s", contentType)
		}
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}

	return &FetchResult[T]{
		Data:        data,
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// FetchBody performs an HTTP request and returns the raw response body.
// Used for request objects, which arrive as compact JWTs rather than JSON.
func FetchBody(
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	opts ...FetchOption,
) ([]byte, error) {
	options := newFetchOptions()
	options.skipContentTypeValidation = true
	for _, opt := range opts {
		opt(options)
	}

	body, _, err := fetchRaw(ctx, client, requestURL, options)
	return body, err
}

// PostForm performs a POST with a form-urlencoded body and returns the raw
// response. This is the delivery primitive for back-channel logout tokens
// and CIBA ping/push notifications.
func PostForm(
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	formData url.Values,
	opts ...FetchOption,
) error {
	options := newFetchOptions()
	options.method = http.MethodPost
	options.headers.Set("Content-Type", ContentTypeFormURLEncoded)
	options.body = strings.NewReader(formData.Encode())
	options.skipContentTypeValidation = true
	options.acceptedStatuses = []int{http.StatusOK, http.StatusNoContent, http.StatusAccepted}
	for _, opt := range opts {
		opt(options)
	}

	_, _, err := fetchRaw(ctx, client, requestURL, options)
	return err
}

// PostJSON performs a POST with a JSON body and returns the raw response.
func PostJSON(
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	payload any,
	opts ...FetchOption,
) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode JSON body: %w", err)
	}

	options := newFetchOptions()
	options.method = http.MethodPost
	options.headers.Set("Content-Type", ContentTypeJSON)
	options.body = strings.NewReader(string(encoded))
	options.skipContentTypeValidation = true
	options.acceptedStatuses = []int{http.StatusOK, http.StatusNoContent, http.StatusAccepted}
	for _, opt := range opts {
		opt(options)
	}

	_, _, err = fetchRaw(ctx, client, requestURL, options)
	return err
}

// fetchRaw executes the request and returns the bounded body for accepted
// statuses, or an HTTPError with a body preview otherwise.
func fetchRaw(
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	options *fetchOptions,
) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, options.method, requestURL, options.body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range options.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, options.maxResponseSize))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	accepted := false
	for _, status := range options.acceptedStatuses {
		if resp.StatusCode == status {
			accepted = true
			break
		}
	}
	if !accepted {
		preview := string(body)
		if len(preview) > DefaultErrorPreviewSize {
			preview = preview[:DefaultErrorPreviewSize]
		}
		return nil, nil, NewHTTPError(resp.StatusCode, requestURL, preview)
	}

	return body, resp, nil
}
