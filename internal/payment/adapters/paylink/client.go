package paylink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/playmaker/internal/clock"
	"github.com/smallbiznis/playmaker/internal/config"
	obsmetrics "github.com/smallbiznis/playmaker/internal/observability/metrics"
	"github.com/smallbiznis/playmaker/internal/payment/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	ProviderName = "paylink"

	pathAuth               = "/api/auth"
	pathAddInvoice         = "/api/addInvoice"
	pathGetInvoice         = "/api/getInvoice/"
	pathGetByOrderNumber   = "/api/getInvoiceByOrderNumber/"
	maxResponseBytes int64 = 1 << 20
)

var (
	errMissingCredentials = errors.New("paylink credentials are not configured")
	errMalformedResponse  = errors.New("malformed provider response")
	errUnauthorized       = errors.New("provider rejected credentials")
)

type Config struct {
	BaseURL      string
	APIID        string
	SecretKey    string
	PersistToken bool
	TokenTTL     time.Duration
	TokenMargin  time.Duration
	Timeout      time.Duration
}

func ConfigFrom(cfg config.PaylinkConfig) Config {
	return Config{
		BaseURL:      cfg.BaseURL,
		APIID:        cfg.APIID,
		SecretKey:    cfg.SecretKey,
		PersistToken: cfg.PersistToken,
		TokenTTL:     cfg.TokenTTL,
		TokenMargin:  cfg.TokenMargin,
		Timeout:      cfg.RequestTimeout,
	}
}

// Client talks to the Paylink REST API and implements domain.Gateway.
type Client struct {
	cfg     Config
	http    *http.Client
	log     *zap.Logger
	metrics *obsmetrics.Metrics
	clock   clock.Clock

	tokens tokenCache
	group  singleflight.Group
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

func WithMetrics(m *obsmetrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func NewClient(cfg Config, log *zap.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * time.Minute
	}
	if cfg.TokenMargin < 0 {
		cfg.TokenMargin = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log:   log.Named("paylink"),
		clock: clock.SystemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Provider() string { return ProviderName }

type tokenCache struct {
	mu        sync.RWMutex
	value     string
	expiresAt time.Time
}

func (t *tokenCache) get(now time.Time, margin time.Duration) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.value == "" || !now.Before(t.expiresAt.Add(-margin)) {
		return "", false
	}
	return t.value, true
}

func (t *tokenCache) set(value string, expiresAt time.Time) {
	t.mu.Lock()
	t.value = value
	t.expiresAt = expiresAt
	t.mu.Unlock()
}

func (t *tokenCache) invalidate(value string) {
	t.mu.Lock()
	if t.value == value {
		t.value = ""
		t.expiresAt = time.Time{}
	}
	t.mu.Unlock()
}

// token returns a cached bearer token, authenticating at most once for all
// concurrent callers when the cache is empty or inside the refresh margin.
func (c *Client) token(ctx context.Context) (string, error) {
	if value, ok := c.tokens.get(c.clock.Now(), c.cfg.TokenMargin); ok {
		return value, nil
	}
	result, err, _ := c.group.Do("token", func() (any, error) {
		if value, ok := c.tokens.get(c.clock.Now(), c.cfg.TokenMargin); ok {
			return value, nil
		}
		value, err := c.authenticate(ctx)
		if err != nil {
			return "", err
		}
		c.tokens.set(value, c.clock.Now().Add(c.cfg.TokenTTL))
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

type authRequest struct {
	APIID        string `json:"apiId"`
	SecretKey    string `json:"secretKey"`
	PersistToken bool   `json:"persistToken"`
}

type authResponse struct {
	IDToken string `json:"id_token"`
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	if c.cfg.APIID == "" || c.cfg.SecretKey == "" {
		return "", &domain.GatewayError{Op: "auth", Err: errMissingCredentials}
	}
	var out authResponse
	status, err := c.send(ctx, http.MethodPost, pathAuth, "", authRequest{
		APIID:        c.cfg.APIID,
		SecretKey:    c.cfg.SecretKey,
		PersistToken: c.cfg.PersistToken,
	}, &out)
	c.metrics.RecordGatewayCall(ctx, ProviderName, "auth", err)
	if err != nil {
		return "", wrap("auth", status, err)
	}
	if strings.TrimSpace(out.IDToken) == "" {
		return "", &domain.GatewayError{Op: "auth", Err: errMalformedResponse}
	}
	c.log.Debug("paylink token refreshed")
	return out.IDToken, nil
}

// call performs an authenticated request. A 401 drops the cached token and
// retries once with a fresh one.
func (c *Client) call(ctx context.Context, op, method, path string, body, out any) error {
	var (
		status int
		err    error
	)
	for attempt := 0; attempt < 2; attempt++ {
		var token string
		token, err = c.token(ctx)
		if err != nil {
			c.metrics.RecordGatewayCall(ctx, ProviderName, op, err)
			return err
		}
		status, err = c.send(ctx, method, path, token, body, out)
		if errors.Is(err, errUnauthorized) && attempt == 0 {
			c.tokens.invalidate(token)
			continue
		}
		break
	}
	c.metrics.RecordGatewayCall(ctx, ProviderName, op, err)
	if err != nil {
		c.log.Warn("paylink request failed",
			zap.String("operation", op),
			zap.Int("status", status),
			zap.Error(err),
		)
		return wrap(op, status, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path, token string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, errMalformedResponse
	}
	if rawOut, ok := out.(*invoiceResponse); ok {
		rawOut.raw = raw
	}
	return resp.StatusCode, nil
}

func wrap(op string, status int, err error) error {
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		return err
	}
	return &domain.GatewayError{Op: op, Status: status, Err: err}
}

type productPayload struct {
	Title       string      `json:"title"`
	Price       json.Number `json:"price"`
	Qty         int         `json:"qty"`
	Description string      `json:"description,omitempty"`
	IsDigital   bool        `json:"isDigital"`
}

type addInvoiceRequest struct {
	OrderNumber  string           `json:"orderNumber"`
	Amount       json.Number      `json:"amount"`
	Currency     string           `json:"currency,omitempty"`
	CallBackURL  string           `json:"callBackUrl"`
	CancelURL    string           `json:"cancelUrl,omitempty"`
	ClientName   string           `json:"clientName"`
	ClientEmail  string           `json:"clientEmail,omitempty"`
	ClientMobile string           `json:"clientMobile"`
	Note         string           `json:"note,omitempty"`
	Products     []productPayload `json:"products"`
}

type addInvoiceResponse struct {
	URL           string `json:"url"`
	TransactionNo string `json:"transactionNo"`
	OrderStatus   string `json:"orderStatus"`
}

func (c *Client) CreateRemoteInvoice(ctx context.Context, req domain.RemoteInvoiceRequest) (domain.RemoteInvoice, error) {
	payload := addInvoiceRequest{
		OrderNumber:  req.OrderNumber,
		Amount:       json.Number(req.Amount.StringFixed(2)),
		Currency:     req.Currency,
		CallBackURL:  req.CallbackURL,
		CancelURL:    req.CancelURL,
		ClientName:   req.Customer.Name,
		ClientEmail:  req.Customer.Email,
		ClientMobile: req.Customer.Mobile,
		Note:         req.Note,
	}
	for _, item := range req.LineItems {
		qty := item.Qty
		if qty <= 0 {
			qty = 1
		}
		payload.Products = append(payload.Products, productPayload{
			Title:       item.Title,
			Price:       json.Number(item.Price.StringFixed(2)),
			Qty:         qty,
			Description: item.Description,
			IsDigital:   true,
		})
	}

	var out addInvoiceResponse
	if err := c.call(ctx, "create_invoice", http.MethodPost, pathAddInvoice, payload, &out); err != nil {
		return domain.RemoteInvoice{}, err
	}
	if strings.TrimSpace(out.URL) == "" || strings.TrimSpace(out.TransactionNo) == "" {
		return domain.RemoteInvoice{}, &domain.GatewayError{Op: "create_invoice", Err: errMalformedResponse}
	}
	return domain.RemoteInvoice{
		PayURL:            out.URL,
		ProviderInvoiceID: out.TransactionNo,
	}, nil
}

func (c *Client) GetInvoiceStatus(ctx context.Context, providerInvoiceID string) (domain.StatusSnapshot, error) {
	providerInvoiceID = strings.TrimSpace(providerInvoiceID)
	if providerInvoiceID == "" {
		return domain.StatusSnapshot{}, &domain.GatewayError{Op: "get_invoice", Err: domain.ErrInvalidEvent}
	}
	var out invoiceResponse
	if err := c.call(ctx, "get_invoice", http.MethodGet, pathGetInvoice+url.PathEscape(providerInvoiceID), nil, &out); err != nil {
		return domain.StatusSnapshot{}, err
	}
	return out.snapshot(), nil
}

func (c *Client) GetOrderStatusByOrderNumber(ctx context.Context, orderNumber string) (domain.StatusSnapshot, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.StatusSnapshot{}, &domain.GatewayError{Op: "get_order", Err: domain.ErrInvalidEvent}
	}
	var out invoiceResponse
	if err := c.call(ctx, "get_order", http.MethodGet, pathGetByOrderNumber+url.PathEscape(orderNumber), nil, &out); err != nil {
		return domain.StatusSnapshot{}, err
	}
	return out.snapshot(), nil
}
