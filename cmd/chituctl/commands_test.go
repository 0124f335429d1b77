package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/casefab/internal/chitu"
)

type stubVendor struct {
	machine  *chitu.Machine
	byID     string
	products []chitu.Product
	gotType  chitu.ProductType
	uploaded map[string][]byte
}

func (s *stubVendor) MachineList(ctx context.Context, page, limit int) ([]chitu.Machine, error) {
	return []chitu.Machine{{ID: "enc-1", DeviceCode: "CT01", Name: "Mall", Status: "1"}}, nil
}

func (s *stubVendor) MachineByCode(ctx context.Context, code string) (*chitu.Machine, error) {
	return s.machine, nil
}

func (s *stubVendor) MachineByID(ctx context.Context, encryptedID string) (*chitu.Machine, error) {
	s.byID = encryptedID
	return s.machine, nil
}

func (s *stubVendor) UploadQRCode(ctx context.Context, machineID, filename string, content []byte) error {
	if s.uploaded == nil {
		s.uploaded = map[string][]byte{}
	}
	s.uploaded[machineID+"/"+filename] = content
	return nil
}

func (s *stubVendor) Products(ctx context.Context, machineID string, typ chitu.ProductType) ([]chitu.Product, error) {
	s.gotType = typ
	return s.products, nil
}

func (s *stubVendor) Orders(ctx context.Context, machineID string, page, limit int) ([]chitu.VendorOrder, error) {
	return []chitu.VendorOrder{{OrderID: "V-1", OutTradeNo: "o-1"}}, nil
}

func run(t *testing.T, v vendorAPI, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommandWith(func() (vendorAPI, error) {
		if v == nil {
			return nil, errors.New("no vendor in this test")
		}
		return v, nil
	})
	cmd.SilenceErrors = true
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSign(t *testing.T) {
	out, err := run(t, nil, "sign", "appid=a1", "device_code=CT01", "--secret", "s")
	require.NoError(t, err)

	assert.Contains(t, out, "appid=a1&device_code=CT01&access_token=s")
	assert.Contains(t, out, "appid=a1&device_code=CT01&app_secret=s")
	params := map[string]any{"appid": "a1", "device_code": "CT01"}
	assert.Contains(t, out, chitu.Sign(params, "s", chitu.SuffixAccessToken))
	assert.Contains(t, out, chitu.Sign(params, "s", chitu.SuffixAppSecret))
}

func TestSign_Errors(t *testing.T) {
	_, err := run(t, nil, "sign", "appid=a1")
	assert.ErrorContains(t, err, "--secret")

	_, err = run(t, nil, "sign", "appid", "--secret", "s")
	assert.ErrorContains(t, err, "key=value")
}

func TestParseParams_KeepsIntegers(t *testing.T) {
	p, err := parseParams([]string{"page=1", "code=CT01", "empty="})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p["page"])
	assert.Equal(t, "CT01", p["code"])
	assert.Equal(t, "", p["empty"])
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, nil, "sign", "a=1", "--secret", "s", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestMachine(t *testing.T) {
	v := &stubVendor{machine: &chitu.Machine{ID: "enc-1", DeviceCode: "CT01", Name: "Mall"}}

	out, err := run(t, v, "machine", "CT01")
	require.NoError(t, err)
	assert.Contains(t, out, "enc-1")
	assert.True(t, strings.HasPrefix(out, "ID"))

	out, err = run(t, v, "machine", "CT01", "--format", "json")
	require.NoError(t, err)
	var ms []chitu.Machine
	require.NoError(t, json.Unmarshal([]byte(out), &ms))
	assert.Equal(t, "Mall", ms[0].Name)

	_, err = run(t, &stubVendor{}, "machine", "NOPE")
	assert.ErrorContains(t, err, "not found")

	_, err = run(t, v, "machine", "enc-1", "--id")
	require.NoError(t, err)
	assert.Equal(t, "enc-1", v.byID)
}

func TestProducts(t *testing.T) {
	v := &stubVendor{products: []chitu.Product{{ID: "7", Name: "Clear", Price: "19.90"}}}

	out, err := run(t, v, "products", "m-1", "--type", "diy")
	require.NoError(t, err)
	assert.Equal(t, chitu.ProductDIY, v.gotType)
	assert.Contains(t, out, "19.90")

	_, err = run(t, v, "products", "m-1", "--type", "poster")
	assert.Error(t, err)
}

func TestOrdersAndMachines(t *testing.T) {
	out, err := run(t, &stubVendor{}, "orders", "m-1")
	require.NoError(t, err)
	assert.Contains(t, out, "V-1")

	out, err = run(t, &stubVendor{}, "machines", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "CT01")
}

func TestUploadQR(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pay.png")
	require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0o600))
	v := &stubVendor{}

	out, err := run(t, v, "upload-qr", "enc-1", path)
	require.NoError(t, err)
	assert.Contains(t, out, "uploaded pay.png to enc-1")
	assert.Equal(t, []byte("png-bytes"), v.uploaded["enc-1/pay.png"])

	_, err = run(t, v, "upload-qr", "enc-1", filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
