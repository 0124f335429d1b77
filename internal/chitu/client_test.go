package chitu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVendor records every request and answers from a per-path handler.
type fakeVendor struct {
	mu       sync.Mutex
	calls    map[string]int
	bodies   map[string][]map[string]any
	handlers map[string]func(w http.ResponseWriter, r *http.Request, body map[string]any)
}

func newFakeVendor() *fakeVendor {
	return &fakeVendor{
		calls:    map[string]int{},
		bodies:   map[string][]map[string]any{},
		handlers: map[string]func(http.ResponseWriter, *http.Request, map[string]any){},
	}
}

func (f *fakeVendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			for k, v := range r.MultipartForm.Value {
				body[k] = v[0]
			}
			if _, ok := r.MultipartForm.File["file"]; ok {
				body["__file"] = true
			}
		}
	} else {
		raw, _ := io.ReadAll(r.Body)
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		_ = dec.Decode(&body)
	}
	f.mu.Lock()
	f.calls[r.URL.Path]++
	f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
	h := f.handlers[r.URL.Path]
	f.mu.Unlock()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r, body)
}

func (f *fakeVendor) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func writeEnvelope(w http.ResponseWriter, status int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "msg": msg, "data": data})
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, f *fakeVendor, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	cfg := Config{BaseURL: srv.URL + "/", AppID: "a1", AppSecret: "s", Retry: RetryConfig{MaxAttempts: 3}}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg, WithSleep(noSleep))
}

func TestMachineByCode_SignsRequest(t *testing.T) {
	f := newFakeVendor()
	f.handlers[PathMachineByCode] = func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeEnvelope(w, 200, "ok", map[string]any{"id": "enc-1", "device_code": "CT01", "name": "Mall kiosk"})
	}
	c := newTestClient(t, f, nil)

	m, err := c.MachineByCode(context.Background(), "CT01")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "enc-1", m.ID)
	assert.Equal(t, "Mall kiosk", m.Name)

	body := f.bodies[PathMachineByCode][0]
	assert.Equal(t, "a1", body["appid"])
	assert.Equal(t, "CT01", body["device_code"])
	assert.Equal(t, sha256Hex("appid=a1&device_code=CT01&access_token=s"), body["sign"])
}

func TestMachineByCode_NotConfiguredIsEmpty(t *testing.T) {
	f := newFakeVendor()
	f.handlers[PathMachineByCode] = func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeEnvelope(w, 400, "设备未设置", nil)
	}
	c := newTestClient(t, f, nil)

	m, err := c.MachineByCode(context.Background(), "CT99")
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 1, f.count(PathMachineByCode), "vendor errors are not retried")
}

func TestProducts_ListShapes(t *testing.T) {
	f := newFakeVendor()
	f.handlers[PathProductList] = func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if body["type"] == "diy" {
			writeEnvelope(w, 200, "ok", map[string]any{"list": []map[string]any{{"id": 7, "name": "iPhone 15 case", "price": 19.9}}})
			return
		}
		writeEnvelope(w, 200, "ok", []map[string]any{{"id": 1, "name": "Stock case", "price": 9}})
	}
	c := newTestClient(t, f, nil)

	diy, err := c.Products(context.Background(), "m1", ProductDIY)
	require.NoError(t, err)
	require.Len(t, diy, 1)
	assert.Equal(t, "iPhone 15 case", diy[0].Name)
	assert.Equal(t, "19.9", diy[0].Price.String())

	def, err := c.Products(context.Background(), "m1", "")
	require.NoError(t, err)
	require.Len(t, def, 1)
	assert.Equal(t, "default", f.bodies[PathProductList][1]["type"])
}

func TestProducts_UnderDevelopmentIsTyped(t *testing.T) {
	f := newFakeVendor()
	f.handlers[PathProductList] = func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeEnvelope(w, 500, "功能开发中", nil)
	}
	c := newTestClient(t, f, nil)

	_, err := c.Products(context.Background(), "m1", ProductDIY)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnderDevelopment)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "功能开发中", apiErr.Msg)
	assert.Equal(t, PathProductList, apiErr.Endpoint)
}

func TestReadRetriesOnServerError(t *testing.T) {
	f := newFakeVendor()
	var n atomic.Int32
	f.handlers[PathMachineList] = func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeEnvelope(w, 200, "ok", []map[string]any{{"id": "m1"}, {"id": "m2"}})
	}
	c := newTestClient(t, f, nil)

	ms, err := c.MachineList(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.Len(t, ms, 2)
	assert.Equal(t, 3, f.count(PathMachineList))
}

func TestReadRetriesAreBounded(t *testing.T) {
	f := newFakeVendor()
	f.handlers[PathOrderList] = func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	c := newTestClient(t, f, nil)

	_, err := c.Orders(context.Background(), "m1", 1, 10)
	require.Error(t, err)
	assert.Equal(t, 3, f.count(PathOrderList))
}

func TestCreateOrder_NeverRetried(t *testing.T) {
	f := newFakeVendor()
	f.handlers[PathOrderCreate] = func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		w.WriteHeader(http.StatusBadGateway)
	}
	c := newTestClient(t, f, nil)

	_, err := c.CreateOrder(context.Background(), CreateOrderRequest{MachineID: "m1", ProductID: "7", PayType: PayNayax, ImageURL: "u"})
	require.Error(t, err)
	assert.Equal(t, 1, f.count(PathOrderCreate))
}

func TestCreateOrder_Success(t *testing.T) {
	f := newFakeVendor()
	f.handlers[PathOrderCreate] = func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeEnvelope(w, 200, "ok", map[string]any{"order_id": "V-100", "out_trade_no": body["out_trade_no"]})
	}
	c := newTestClient(t, f, nil)

	o, err := c.CreateOrder(context.Background(), CreateOrderRequest{
		MachineID: "m1", ProductID: "7", PayType: PayVPOS, ImageURL: "https://cdn/x.png", OutTradeNo: "ord-1", Amount: 19.9,
	})
	require.NoError(t, err)
	assert.Equal(t, "V-100", o.OrderID)
	assert.Equal(t, "ord-1", o.OutTradeNo)

	body := f.bodies[PathOrderCreate][0]
	assert.Equal(t, "vpos", body["pay_type"])
	assert.Equal(t, json.Number("19.9"), body["amount"])
}

func TestCreateOrder_BareIDData(t *testing.T) {
	f := newFakeVendor()
	f.handlers[PathOrderCreate] = func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeEnvelope(w, 200, "ok", 98765)
	}
	c := newTestClient(t, f, nil)

	o, err := c.CreateOrder(context.Background(), CreateOrderRequest{MachineID: "m1", PayType: PayICT})
	require.NoError(t, err)
	assert.Equal(t, "98765", o.OrderID)
}

func TestCreateOrder_RejectsUnknownPayType(t *testing.T) {
	f := newFakeVendor()
	c := newTestClient(t, f, nil)

	_, err := c.CreateOrder(context.Background(), CreateOrderRequest{MachineID: "m1", PayType: "cash"})
	require.Error(t, err)
	assert.Equal(t, 0, f.count(PathOrderCreate))
}

// the fake only accepts signatures made with the app_secret suffix
func appSecretOnly(w http.ResponseWriter, r *http.Request, body map[string]any) {
	if body["sign"] != Sign(body, "s", SuffixAppSecret) {
		writeEnvelope(w, 401, "签名错误", nil)
		return
	}
	writeEnvelope(w, 200, "ok", map[string]any{"id": "enc-2"})
}

func TestSignatureFallback(t *testing.T) {
	f := newFakeVendor()
	f.handlers[PathMachineByID] = appSecretOnly
	c := newTestClient(t, f, func(cfg *Config) { cfg.SignatureFallback = true })

	m, err := c.MachineByID(context.Background(), "enc-2")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 2, f.count(PathMachineByID))
}

func TestSignatureFallback_Hook(t *testing.T) {
	f := newFakeVendor()
	f.handlers[PathMachineByID] = appSecretOnly
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	var paths []string
	var accepted []bool
	c := NewClient(Config{BaseURL: srv.URL, AppID: "a1", AppSecret: "s", SignatureFallback: true},
		WithSleep(noSleep),
		WithFallbackHook(func(_ context.Context, path string, ok bool) {
			paths = append(paths, path)
			accepted = append(accepted, ok)
		}))

	_, err := c.MachineByID(context.Background(), "enc-2")
	require.NoError(t, err)
	assert.Equal(t, []string{PathMachineByID}, paths)
	assert.Equal(t, []bool{true}, accepted)
}

func TestSignatureErrorWithoutFallback(t *testing.T) {
	f := newFakeVendor()
	f.handlers[PathMachineByID] = appSecretOnly
	c := newTestClient(t, f, nil)

	_, err := c.MachineByID(context.Background(), "enc-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignature)
	assert.Equal(t, 1, f.count(PathMachineByID))
}

func TestUploadQRCode_FallsBackToJSON(t *testing.T) {
	f := newFakeVendor()
	f.handlers[PathQRCodeUpload] = func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if body["__file"] == true {
			writeEnvelope(w, 400, "参数错误", nil)
			return
		}
		if body["qrcode"] == nil {
			writeEnvelope(w, 400, "missing qrcode", nil)
			return
		}
		writeEnvelope(w, 200, "ok", nil)
	}
	c := newTestClient(t, f, nil)

	err := c.UploadQRCode(context.Background(), "m1", "qr.png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.count(PathQRCodeUpload))

	first := f.bodies[PathQRCodeUpload][0]
	assert.Equal(t, Sign(map[string]any{"appid": "a1", "machine_id": "m1"}, "s", SuffixAccessToken), first["sign"])
}
