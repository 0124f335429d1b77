package chitu

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SignField is the request field carrying the signature.
const SignField = "sign"

// SignSuffix names the key under which the shared secret is appended to the
// canonical string before hashing.
type SignSuffix string

const (
	SuffixAccessToken SignSuffix = "access_token"
	SuffixAppSecret   SignSuffix = "app_secret"
)

// ParseSignSuffix accepts the two variants the vendor has been seen to use.
func ParseSignSuffix(s string) (SignSuffix, error) {
	switch SignSuffix(strings.TrimSpace(s)) {
	case "", SuffixAccessToken:
		return SuffixAccessToken, nil
	case SuffixAppSecret:
		return SuffixAppSecret, nil
	default:
		return "", fmt.Errorf("unknown sign suffix %q", s)
	}
}

// Alternate returns the other suffix variant.
func (s SignSuffix) Alternate() SignSuffix {
	if s == SuffixAppSecret {
		return SuffixAccessToken
	}
	return SuffixAppSecret
}

// CanonicalString builds "k1=v1&k2=v2&<suffix>=<secret>" over params sorted by
// key, skipping any existing sign field.
func CanonicalString(params map[string]any, secret string, suffix SignSuffix) string {
	if suffix == "" {
		suffix = SuffixAccessToken
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == SignField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(FormatValue(params[k]))
		b.WriteByte('&')
	}
	b.WriteString(string(suffix))
	b.WriteByte('=')
	b.WriteString(secret)
	return b.String()
}

// Sign returns the lowercase hex SHA-256 of the canonical string.
func Sign(params map[string]any, secret string, suffix SignSuffix) string {
	sum := sha256.Sum256([]byte(CanonicalString(params, secret, suffix)))
	return hex.EncodeToString(sum[:])
}

// FormatValue stringifies a parameter value the same way it is serialised in
// the JSON body, so the vendor sees identical text on both sides.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	case []any, map[string]any, []string, []map[string]any:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	default:
		return fmt.Sprint(t)
	}
}
