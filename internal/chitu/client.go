package chitu

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"math"
	"math/rand"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Vendor endpoints, relative to Config.BaseURL.
const (
	PathMachineList   = "/api/openapi/machine/list"
	PathMachineByCode = "/api/openapi/machine/detailByCode"
	PathMachineByID   = "/api/openapi/machine/detail"
	PathProductList   = "/api/openapi/product/list"
	PathOrderCreate   = "/api/openapi/order/create"
	PathOrderList     = "/api/openapi/order/list"
	PathQRCodeUpload  = "/api/openapi/machine/uploadQrcode"
)

const statusOK = 200

// RetryConfig bounds retries of read endpoints. Writes are never retried.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Config is everything the client needs; build it once at start-up.
type Config struct {
	BaseURL   string
	AppID     string
	AppSecret string
	Suffix    SignSuffix
	// SignatureFallback re-signs once with the alternate suffix when the
	// vendor answers with a signature error.
	SignatureFallback bool
	Timeout           time.Duration
	Retry             RetryConfig
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
	onFallback func(ctx context.Context, path string, accepted bool)
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithSleep replaces the backoff sleep; tests use it to skip real waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithFallbackHook is called after each retry with the alternate sign suffix.
func WithFallbackHook(fn func(ctx context.Context, path string, accepted bool)) Option {
	return func(c *Client) { c.onFallback = fn }
}

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Suffix == "" {
		cfg.Suffix = SuffixAccessToken
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = 200 * time.Millisecond
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = 3 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SignedParams returns a copy of params with appid and sign attached.
func (c *Client) SignedParams(params map[string]any, suffix SignSuffix) map[string]any {
	out := make(map[string]any, len(params)+2)
	maps.Copy(out, params)
	delete(out, SignField)
	out["appid"] = c.cfg.AppID
	out[SignField] = Sign(out, c.cfg.AppSecret, suffix)
	return out
}

func (c *Client) MachineList(ctx context.Context, page, limit int) ([]Machine, error) {
	data, err := c.call(ctx, PathMachineList, map[string]any{"page": page, "limit": limit}, true)
	if err != nil {
		if IsEmptyResult(err) {
			return []Machine{}, nil
		}
		return nil, err
	}
	var rows listData[Machine]
	if err := decodeData(data, &rows); err != nil {
		return nil, fmt.Errorf("decode machine list: %w", err)
	}
	return []Machine(rows), nil
}

// MachineByCode looks a machine up by its printed device code.
// Returns (nil, nil) when the vendor does not know the code.
func (c *Client) MachineByCode(ctx context.Context, code string) (*Machine, error) {
	return c.machine(ctx, PathMachineByCode, map[string]any{"device_code": code})
}

// MachineByID looks a machine up by the vendor's encrypted id.
func (c *Client) MachineByID(ctx context.Context, encryptedID string) (*Machine, error) {
	return c.machine(ctx, PathMachineByID, map[string]any{"device_id": encryptedID})
}

func (c *Client) machine(ctx context.Context, path string, params map[string]any) (*Machine, error) {
	data, err := c.call(ctx, path, params, true)
	if err != nil {
		if IsEmptyResult(err) {
			return nil, nil
		}
		return nil, err
	}
	if isNull(data) {
		return nil, nil
	}
	var m Machine
	if err := decodeData(data, &m); err != nil {
		return nil, fmt.Errorf("decode machine: %w", err)
	}
	return &m, nil
}

// Products lists the machine catalog. An unconfigured catalog is an empty list.
func (c *Client) Products(ctx context.Context, machineID string, typ ProductType) ([]Product, error) {
	if typ == "" {
		typ = ProductDefault
	}
	data, err := c.call(ctx, PathProductList, map[string]any{"machine_id": machineID, "type": string(typ)}, true)
	if err != nil {
		if IsEmptyResult(err) {
			return []Product{}, nil
		}
		return nil, err
	}
	var rows listData[Product]
	if err := decodeData(data, &rows); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	if rows == nil {
		return []Product{}, nil
	}
	return []Product(rows), nil
}

// CreateOrder places a print order. Not idempotent: a repeated call creates a
// second vendor order, so it is issued exactly once per call.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*VendorOrder, error) {
	if _, err := ParsePayType(string(req.PayType)); err != nil {
		return nil, err
	}
	params := map[string]any{
		"machine_id": req.MachineID,
		"goods_id":   req.ProductID,
		"pay_type":   string(req.PayType),
		"image_url":  req.ImageURL,
	}
	if req.PhoneModel != "" {
		params["phone_model"] = req.PhoneModel
	}
	if req.Amount > 0 {
		params["amount"] = req.Amount
	}
	if req.OutTradeNo != "" {
		params["out_trade_no"] = req.OutTradeNo
	}
	data, err := c.call(ctx, PathOrderCreate, params, false)
	if err != nil {
		return nil, err
	}
	return decodeVendorOrder(data)
}

func (c *Client) Orders(ctx context.Context, machineID string, page, limit int) ([]VendorOrder, error) {
	data, err := c.call(ctx, PathOrderList, map[string]any{"machine_id": machineID, "page": page, "limit": limit}, true)
	if err != nil {
		if IsEmptyResult(err) {
			return []VendorOrder{}, nil
		}
		return nil, err
	}
	var rows listData[VendorOrder]
	if err := decodeData(data, &rows); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return []VendorOrder(rows), nil
}

// UploadQRCode pushes a QR image to a machine. The vendor accepts multipart on
// some deployments and JSON with base64 content on others, so a rejected
// multipart upload is retried once as JSON.
func (c *Client) UploadQRCode(ctx context.Context, machineID, filename string, content []byte) error {
	params := map[string]any{"machine_id": machineID}
	_, err := c.postMultipart(ctx, PathQRCodeUpload, params, filename, content)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || errors.Is(err, ErrSignature) {
		return err
	}
	log.Printf("[chitu] multipart qrcode upload rejected (%v), retrying as json", err)
	params["qrcode"] = base64.StdEncoding.EncodeToString(content)
	params["filename"] = filename
	_, err = c.call(ctx, PathQRCodeUpload, params, false)
	return err
}

// call signs and posts params as JSON. When SignatureFallback is on, a
// signature rejection is retried once with the alternate suffix.
func (c *Client) call(ctx context.Context, path string, params map[string]any, idempotent bool) (json.RawMessage, error) {
	data, err := c.postJSON(ctx, path, params, c.cfg.Suffix, idempotent)
	if err == nil || !c.cfg.SignatureFallback || !errors.Is(err, ErrSignature) {
		return data, err
	}
	alt := c.cfg.Suffix.Alternate()
	log.Printf("[chitu] %s rejected signature with suffix=%s, retrying with suffix=%s", path, c.cfg.Suffix, alt)
	data, err = c.postJSON(ctx, path, params, alt, idempotent)
	if c.onFallback != nil {
		c.onFallback(ctx, path, err == nil)
	}
	if err == nil {
		log.Printf("[chitu] %s accepted suffix=%s; consider setting CHITU_SIGN_SUFFIX", path, alt)
	}
	return data, err
}

func (c *Client) postJSON(ctx context.Context, path string, params map[string]any, suffix SignSuffix, idempotent bool) (json.RawMessage, error) {
	body, err := json.Marshal(c.SignedParams(params, suffix))
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", path, err)
	}
	attempts := 1
	if idempotent {
		attempts = c.cfg.Retry.MaxAttempts
	}
	for attempt := 1; ; attempt++ {
		data, err := c.send(ctx, path, "application/json", body)
		if err == nil {
			return data, nil
		}
		if attempt >= attempts || !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		delay := backoff(c.cfg.Retry, attempt)
		log.Printf("[chitu] %s attempt %d/%d failed: %v; retrying in %s", path, attempt, attempts, err, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) postMultipart(ctx context.Context, path string, params map[string]any, filename string, content []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range c.SignedParams(params, c.cfg.Suffix) {
		if err := w.WriteField(k, FormatValue(v)); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	return c.send(ctx, path, w.FormDataContentType(), buf.Bytes())
}

func (c *Client) send(ctx context.Context, path, contentType string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Endpoint: path, HTTPStatus: resp.StatusCode, Status: resp.StatusCode, Msg: strings.TrimSpace(string(raw))}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", path, err)
	}
	if env.Status != statusOK {
		return nil, &APIError{Endpoint: path, HTTPStatus: resp.StatusCode, Status: env.Status, Msg: env.Msg}
	}
	return env.Data, nil
}

type transportError struct{ err error }

func (e *transportError) Error() string { return "chitu transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return !errors.Is(err, context.Canceled)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatus {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

func backoff(cfg RetryConfig, attempt int) time.Duration {
	ceiling := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if ceiling > float64(cfg.MaxDelay) {
		ceiling = float64(cfg.MaxDelay)
	}
	half := int64(ceiling / 2)
	return time.Duration(half + rand.Int63n(half+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isNull(data json.RawMessage) bool {
	s := strings.TrimSpace(string(data))
	return s == "" || s == "null" || s == "[]" || s == "{}"
}

func decodeData(data json.RawMessage, out any) error {
	if isNull(data) {
		return nil
	}
	return json.Unmarshal(data, out)
}

// decodeVendorOrder accepts either an order object or a bare order id.
func decodeVendorOrder(data json.RawMessage) (*VendorOrder, error) {
	if isNull(data) {
		return nil, errors.New("chitu: order create returned no data")
	}
	var o VendorOrder
	if err := json.Unmarshal(data, &o); err == nil && (o.OrderID != "" || o.OrderNo != "") {
		if o.OrderID == "" {
			o.OrderID = o.OrderNo
		}
		return &o, nil
	}
	var id json.Number
	if err := json.Unmarshal(data, &id); err == nil && id != "" {
		return &VendorOrder{OrderID: id.String()}, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		return &VendorOrder{OrderID: s}, nil
	}
	return nil, fmt.Errorf("chitu: unrecognised order create data: %s", string(data))
}
