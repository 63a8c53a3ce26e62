package duet

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Verbose enables per-request logging.
var Verbose bool

const (
	DefaultUserAgent = "Cura Plugin Nautilus"
	DefaultTimeout   = 30 * time.Second
)

// Param is one query parameter. Order is preserved on the wire.
type Param struct {
	Key   string
	Value string
}

// ProgressFunc receives upload progress while a request body streams.
type ProgressFunc func(sent, total int64)

// Request describes one exchange with a controller. Path is relative to
// the transport's base URL.
type Request struct {
	// Method defaults to GET, or POST when Body is set.
	Method   string
	Path     string
	Query    []Param
	Body     []byte
	Timeout  time.Duration
	Progress ProgressFunc
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// Doer sends requests to a single controller.
type Doer interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// TransportConfig holds connection settings shared by every request.
type TransportConfig struct {
	UserAgent    string
	HTTPUser     string
	HTTPPassword string
	// Timeout applies to requests that do not set their own.
	Timeout time.Duration
	Client  *http.Client
}

// Transport issues authenticated HTTP requests against one base URL.
type Transport struct {
	baseURL string
	cfg     TransportConfig
	client  *http.Client
}

// NewTransport creates a transport for the controller at baseURL.
func NewTransport(baseURL string, cfg TransportConfig) *Transport {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Transport{baseURL: baseURL, cfg: cfg, client: client}
}

// BaseURL returns the normalized base URL.
func (t *Transport) BaseURL() string {
	return t.baseURL
}

// Send performs req. It returns either a response or an *Error, never both.
func (t *Transport) Send(ctx context.Context, req Request) (*Response, error) {
	u := t.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + encodeQuery(req.Query)
	}
	op := strings.TrimSuffix(req.Path, "/")

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
		if req.Body != nil {
			method = http.MethodPost
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = &progressReader{
			r:     bytes.NewReader(req.Body),
			total: int64(len(req.Body)),
			fn:    req.Progress,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, classify(op, u, fmt.Errorf("creating request: %w", err))
	}
	if req.Body != nil {
		httpReq.ContentLength = int64(len(req.Body))
		httpReq.Header.Set("Content-Type", "application/octet-stream")
	}
	httpReq.Header.Set("User-Agent", t.cfg.UserAgent)
	httpReq.Header.Set("Accept", "application/json, text/javascript")
	httpReq.Header.Set("Connection", "keep-alive")
	if t.cfg.HTTPUser != "" && t.cfg.HTTPPassword != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(t.cfg.HTTPUser + ":" + t.cfg.HTTPPassword))
		httpReq.Header.Set("Authorization", "Basic "+cred)
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		if Verbose {
			log.Printf("duet: %s %s failed after %s: %v", method, u, time.Since(start), err)
		}
		return nil, classify(op, u, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(op, u, fmt.Errorf("reading response: %w", err))
	}

	if Verbose {
		log.Printf("duet: %s %s -> %d (%s)", method, u, resp.StatusCode, time.Since(start))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(op, u, resp.StatusCode, respBody)
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// encodeQuery percent-encodes params in order, with spaces as %20.
func encodeQuery(params []Param) string {
	var sb strings.Builder
	for i, p := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(queryEscape(p.Key))
		sb.WriteByte('=')
		sb.WriteString(queryEscape(p.Value))
	}
	return sb.String()
}

func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// progressReader reports bytes consumed from r.
type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}
