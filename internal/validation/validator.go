package validation

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with struct-level rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(jsonName)

	v.RegisterStructValidation(sessionActionStructValidation, SessionActionRequest{})
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})

	return v
}

// sessionActionStructValidation requires the design fields on submit_design
// and rejects them on the other actions.
func sessionActionStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(SessionActionRequest)

	if req.Action == "submit_design" {
		if req.ImageURL == "" {
			sl.ReportError(req.ImageURL, "image_url", "ImageURL", "required_for_submit", "")
		}
		return
	}
	if req.ImageURL != "" || req.DesignID != "" || req.ImageSize != 0 {
		sl.ReportError(req.ImageURL, "image_url", "ImageURL", "only_on_submit", req.Action)
	}
}

// createOrderStructValidation keeps the amount to whole cents.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	cents := req.Amount * 100
	if math.Abs(cents-math.Round(cents)) > 1e-6 {
		sl.ReportError(req.Amount, "amount", "Amount", "whole_cents", fmt.Sprintf("%v", req.Amount))
	}
}

// jsonName reports fields by their JSON key so errors match the request body.
func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}
