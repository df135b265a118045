package omada

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/httpkit"
)

// maxResponseBytes bounds a single response body. Client listings on
// large sites run to several megabytes.
const maxResponseBytes = 64 << 20

// errorBodyBytes is how much of a non-JSON error page is logged.
const errorBodyBytes = 512

// Transport sends one HTTP call to the controller and decodes the
// response envelope. It never retries.
type Transport struct {
	client *http.Client
	logger *slog.Logger
}

// NewTransport wraps client, which carries the TLS policy and the
// session cookie jar.
func NewTransport(client *http.Client, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{client: client, logger: logger}
}

// envelope is the common response wrapper. Result is left raw so
// listings can be decoded by the caller.
type envelope struct {
	ErrorCode *int            `json:"errorCode"`
	Msg       string          `json:"msg"`
	Result    json.RawMessage `json:"result"`
}

// Do sends the request and returns the decoded payload: the envelope's
// result when present, otherwise the whole body.
func (t *Transport) Do(ctx context.Context, method, rawURL string, query url.Values, header http.Header, body any) (json.RawMessage, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("missing scheme or host")
		}
		return nil, &RequestError{URL: rawURL, Err: fmt.Errorf("%w: %v", ErrInvalidURL, err)}
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	logURL := redactURL(u)

	var reader io.Reader
	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, &RequestError{URL: logURL, Err: fmt.Errorf("%w: %v", ErrInvalidURL, err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	t.logger.Log(ctx, config.LevelTrace, "omada request",
		"method", method,
		"url", logURL,
		"body", redactBody(payload),
	)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &RequestError{URL: logURL, Err: classifyTransportError(err)}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	isJSON := isJSONContent(resp.Header.Get("Content-Type"))
	if (resp.StatusCode < 200 || resp.StatusCode > 299) && !isJSON {
		t.logger.Warn("controller returned HTTP error",
			"url", logURL,
			"status", resp.StatusCode,
			"body", httpkit.ReadErrorBody(resp.Body, errorBodyBytes),
		)
		return nil, &HTTPError{URL: logURL, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RequestError{URL: logURL, Err: fmt.Errorf("read response: %w", err)}
	}

	t.logger.Log(ctx, config.LevelTrace, "omada response",
		"method", method,
		"url", logURL,
		"status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"),
		"bytes", len(data),
		"body", redactResponse(data),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if err := decodeAPIError(logURL, data); err != nil {
			return nil, err
		}
		t.logger.Warn("controller returned HTTP error",
			"url", logURL, "status", resp.StatusCode)
		return nil, &HTTPError{URL: logURL, StatusCode: resp.StatusCode}
	}

	if !isJSON {
		return nil, fmt.Errorf("%s %s: %w", method, logURL, ErrNonJSON)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		// Top-level arrays and scalars have no envelope.
		return json.RawMessage(trimmed), nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &ParseError{Endpoint: logURL, Err: err}
	}
	if env.ErrorCode != nil && *env.ErrorCode != CodeOK {
		return nil, &APIError{URL: logURL, Code: *env.ErrorCode, Msg: env.Msg}
	}
	if len(env.Result) > 0 {
		return env.Result, nil
	}
	return json.RawMessage(trimmed), nil
}

// decodeAPIError returns an *APIError when data is an envelope with a
// non-zero errorCode, else nil.
func decodeAPIError(logURL string, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	if env.ErrorCode == nil || *env.ErrorCode == CodeOK {
		return nil
	}
	return &APIError{URL: logURL, Code: *env.ErrorCode, Msg: env.Msg}
}

func classifyTransportError(err error) error {
	var (
		verifyErr    *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidCert  x509.CertificateInvalidError
		recordHeader tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidCert):
		return fmt.Errorf("%w: %v", ErrSSL, err)
	case errors.As(err, &recordHeader):
		// Plain HTTP answered a TLS handshake.
		return fmt.Errorf("%w: %v", ErrSSL, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "unsupported protocol scheme") {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return err
}

func isJSONContent(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func redactURL(u *url.URL) string {
	c := *u
	q := c.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		c.RawQuery = q.Encode()
	}
	return c.String()
}

func redactBody(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err == nil {
		if _, ok := m["password"]; ok {
			m["password"] = "REDACTED"
			redacted, _ := json.Marshal(m)
			return string(redacted)
		}
	}
	return truncate(payload, 2048)
}

func redactResponse(data []byte) string {
	if bytes.Contains(data, []byte(`"token"`)) {
		return "(redacted)"
	}
	return truncate(data, 2048)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
