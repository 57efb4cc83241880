package flow

import (
	"encoding/hex"
	"fmt"

	"github.com/status-keycard/keycard-go/keycard"
)

func truthy(v any) bool {
	b, _ := v.(bool)
	return b
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func pathParam(params map[string]any, key string) ([]uint32, bool) {
	raw, ok := params[key]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []uint32:
		return v, true
	case []int:
		out := make([]uint32, len(v))
		for i, n := range v {
			out[i] = uint32(n)
		}
		return out, true
	case []any:
		out := make([]uint32, 0, len(v))
		for _, n := range v {
			switch nv := n.(type) {
			case int:
				out = append(out, uint32(nv))
			case float64:
				out = append(out, uint32(nv))
			case uint32:
				out = append(out, nv)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func hexParam(params map[string]any, key string) ([]byte, error) {
	s := stringParam(params, key)
	if s == "" {
		return nil, fmt.Errorf("flow: missing %q", key)
	}
	return hex.DecodeString(s)
}

// walletKeyToMap renders a keycard.WalletKey as the payload shape the
// flow result envelopes use, per spec.md §4.4's result conventions.
func walletKeyToMap(k keycard.WalletKey) map[string]any {
	m := map[string]any{
		"public-key": hex.EncodeToString(k.PublicKey),
		"address":    hex.EncodeToString(k.Address),
	}
	if len(k.PrivateKey) > 0 {
		m["private-key"] = hex.EncodeToString(k.PrivateKey)
	}
	if len(k.ChainCode) > 0 {
		m["chain-code"] = hex.EncodeToString(k.ChainCode)
	}
	return m
}
