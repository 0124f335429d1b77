package validation

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

func TestCreateSessionRequest(t *testing.T) {
	v := New()

	if err := v.Struct(CreateSessionRequest{MachineID: "m-1", ProductType: "diy"}); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
	if err := v.Struct(CreateSessionRequest{MachineID: "m-1", ProductType: "poster"}); err == nil {
		t.Fatal("expected error for unknown product type")
	}
	if err := v.Struct(CreateSessionRequest{}); err == nil {
		t.Fatal("expected error for missing machine_id")
	}
	if err := v.Struct(CreateSessionRequest{MachineID: "m-1", SessionID: "SESSION#x"}); err == nil {
		t.Fatal("expected error for session id containing a key separator")
	}
}

func TestSessionActionRequest_SubmitNeedsImage(t *testing.T) {
	v := New()

	err := v.Struct(SessionActionRequest{Action: "submit_design"})
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation errors, got %v", err)
	}
	if ve[0].Tag() != "required_for_submit" {
		t.Fatalf("unexpected tag %s", ve[0].Tag())
	}

	ok := SessionActionRequest{Action: "submit_design", ImageURL: "https://cdn.example.com/designs/a.png", ImageSize: 2048}
	if err := v.Struct(ok); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestSessionActionRequest_DesignFieldsOnlyOnSubmit(t *testing.T) {
	v := New()

	if err := v.Struct(SessionActionRequest{Action: "start_print"}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := v.Struct(SessionActionRequest{Action: "start_print", ImageURL: "https://x.example/a.png"}); err == nil {
		t.Fatal("expected error for image on start_print")
	}
	if err := v.Struct(SessionActionRequest{Action: "cancel"}); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestCreateOrderRequest(t *testing.T) {
	v := New()

	req := CreateOrderRequest{SessionID: "s-1", ProductID: "p-1", PayType: "nayax", Amount: 19.99}
	if err := v.Struct(req); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}

	req.Amount = 19.999
	if err := v.Struct(req); err == nil {
		t.Fatal("expected error for fractional cents")
	}

	req.Amount = 10
	req.PayType = "cash"
	if err := v.Struct(req); err == nil {
		t.Fatal("expected error for unknown pay type")
	}

	req.PayType = "ict"
	req.WidthMM, req.HeightMM = 71.5, 147.6
	if err := v.Struct(req); err != nil {
		t.Fatalf("expected dimensions to be accepted, got %v", err)
	}
	req.HeightMM = -1
	if err := v.Struct(req); err == nil {
		t.Fatal("expected error for negative height")
	}
}

func TestCleanupRequest(t *testing.T) {
	v := New()
	if err := v.Struct(CleanupRequest{Keys: []string{"designs/a.png", ""}}); err == nil {
		t.Fatal("expected error for empty key")
	}
	if err := v.Struct(CleanupRequest{}); err == nil {
		t.Fatal("expected error for no keys")
	}
}

func TestBindAndValidate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := New()

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed", `{"machine_id":`, http.StatusBadRequest},
		{"invalid", `{"product_type":"diy"}`, http.StatusBadRequest},
		{"valid", `{"machine_id":"m-1"}`, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString(tc.body))
			c.Request.Header.Set("Content-Type", "application/json")

			var req CreateSessionRequest
			if err := BindAndValidate(c, &req, v); err == nil {
				c.Status(http.StatusOK)
			}
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestFieldErrors_UseJSONNames(t *testing.T) {
	v := New()

	err := v.Struct(CreateOrderRequest{SessionID: "s-1", PayType: "cash", Amount: 1.005})
	fields := FieldErrors(err)
	if fields["product_id"] != "is required" {
		t.Fatalf("product_id: %q", fields["product_id"])
	}
	if fields["pay_type"] != "must be one of: nayax ict vpos" {
		t.Fatalf("pay_type: %q", fields["pay_type"])
	}
	if fields["amount"] != "must have at most two decimal places" {
		t.Fatalf("amount: %q", fields["amount"])
	}

	err = v.Struct(SessionActionRequest{Action: "queue_print", DesignID: "d-1"})
	if got := FieldErrors(err)["image_url"]; got != "is not accepted for queue_print" {
		t.Fatalf("image_url: %q", got)
	}
}
