package chitu

import (
	"errors"
	"fmt"
	"strings"
)

// Vendor messages are matched verbatim.
const (
	msgSignatureError   = "签名错误"
	msgNotConfigured    = "未设置"
	msgUnderDevelopment = "功能开发中"
	msgNotExist         = "不存在"
)

var (
	ErrSignature        = errors.New("chitu: signature rejected")
	ErrNotConfigured    = errors.New("chitu: not configured")
	ErrUnderDevelopment = errors.New("chitu: feature under development")
	ErrNotFound         = errors.New("chitu: not found")
)

// APIError is a non-200 vendor envelope. Msg keeps the vendor text as sent.
type APIError struct {
	Endpoint   string
	Status     int
	Msg        string
	HTTPStatus int
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("chitu %s: status=%d msg=%q", e.Endpoint, e.Status, e.Msg)
}

// Unwrap maps the vendor message onto one of the package sentinels so callers
// can use errors.Is.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return classify(e.Msg)
}

func classify(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, msgSignatureError), strings.Contains(lower, "sign error"), strings.Contains(lower, "signature"):
		return ErrSignature
	case strings.Contains(msg, msgNotConfigured):
		return ErrNotConfigured
	case strings.Contains(msg, msgUnderDevelopment):
		return ErrUnderDevelopment
	case strings.Contains(msg, msgNotExist), strings.Contains(lower, "not found"):
		return ErrNotFound
	default:
		return nil
	}
}

// IsEmptyResult reports whether err means the vendor has nothing to return
// (missing or unconfigured), as opposed to a real failure.
func IsEmptyResult(err error) bool {
	return errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrNotFound)
}
