package chitu

import (
	"encoding/json"
	"fmt"
)

// ProductType selects the vendor catalog.
type ProductType string

const (
	ProductDefault ProductType = "default"
	ProductDIY     ProductType = "diy"
)

// PayType is the payment channel recorded on a vendor order.
type PayType string

const (
	PayNayax PayType = "nayax"
	PayICT   PayType = "ict"
	PayVPOS  PayType = "vpos"
)

func ParseProductType(s string) (ProductType, error) {
	switch ProductType(s) {
	case "", ProductDefault:
		return ProductDefault, nil
	case ProductDIY:
		return ProductDIY, nil
	}
	return "", fmt.Errorf("unknown product type %q", s)
}

func ParsePayType(s string) (PayType, error) {
	switch PayType(s) {
	case PayNayax, PayICT, PayVPOS:
		return PayType(s), nil
	}
	return "", fmt.Errorf("unknown pay type %q", s)
}

// envelope is the shape of every vendor response.
type envelope struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

// Machine is a vending/printing machine as reported by the vendor.
type Machine struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"device_id"`
	DeviceCode string          `json:"device_code"`
	Name       string          `json:"name"`
	Status     json.Number     `json:"status"`
	Online     json.RawMessage `json:"online,omitempty"`
	Address    string          `json:"address,omitempty"`
}

// Product is one printable item in a machine catalog.
type Product struct {
	ID         json.Number `json:"id"`
	GoodsID    json.Number `json:"goods_id,omitempty"`
	Name       string      `json:"name"`
	Price      json.Number `json:"price"`
	Stock      json.Number `json:"stock,omitempty"`
	Image      string      `json:"image,omitempty"`
	PhoneModel string      `json:"phone_model,omitempty"`
	Width      json.Number `json:"width,omitempty"`
	Height     json.Number `json:"height,omitempty"`
}

// CreateOrderRequest describes a print order sent to a machine.
type CreateOrderRequest struct {
	MachineID  string
	ProductID  string
	PayType    PayType
	ImageURL   string
	PhoneModel string
	Amount     float64
	// OutTradeNo is our own order id, echoed back by the vendor.
	OutTradeNo string
}

// VendorOrder is the vendor's view of an order.
type VendorOrder struct {
	OrderID    string      `json:"order_id"`
	OrderNo    string      `json:"order_no,omitempty"`
	OutTradeNo string      `json:"out_trade_no,omitempty"`
	Status     json.Number `json:"status,omitempty"`
	PayType    string      `json:"pay_type,omitempty"`
	CreatedAt  string      `json:"created_at,omitempty"`
}

// listData covers the vendor's two list layouts: a bare array, or an object
// with the rows under "list".
type listData[T any] []T

func (l *listData[T]) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*l = nil
		return nil
	}
	var rows []T
	if err := json.Unmarshal(b, &rows); err == nil {
		*l = rows
		return nil
	}
	var wrapped struct {
		List []T `json:"list"`
		Data []T `json:"data"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	if wrapped.List != nil {
		*l = wrapped.List
	} else {
		*l = wrapped.Data
	}
	return nil
}
