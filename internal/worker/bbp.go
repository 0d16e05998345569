package worker

// ============================================================================
// π 十六進位數字（Bailey–Borwein–Plouffe 公式）
// ============================================================================
//
// 第 n 位（小數點後，從 0 開始）：
//   digit = floor(16 * frac(4*S(1,n) - 2*S(4,n) - S(5,n) - S(6,n)))
//   S(j,n) = Σ_{k=0..n} (16^(n-k) mod (8k+j)) / (8k+j) + Σ_{k>n} 16^(n-k) / (8k+j)
//
// 前半段用模冪精確計算，每一步取小數部分避免溢位；後半段收斂很快，
// 加到小於 float64 精度時停止。
//
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

const (
	TypeBBPHex = "bbp_hex"
	TypeDummy  = "dummy"

	// MaxHexDigits 單一任務最多計算的位數
	MaxHexDigits = 512
)

var errBadRange = errors.New("bad start/count")

const hexDigits = "0123456789ABCDEF"

func frac(x float64) float64 {
	return x - math.Floor(x)
}

// powMod16 計算 16^exp mod m
func powMod16(exp, m int64) int64 {
	if m == 1 {
		return 0
	}
	result, base := int64(1), int64(16)%m
	for exp > 0 {
		if exp&1 == 1 {
			result = result * base % m
		}
		base = base * base % m
		exp >>= 1
	}
	return result
}

func series(j, n int64) float64 {
	s := 0.0
	for k := int64(0); k <= n; k++ {
		ak := 8*k + j
		s = frac(s + float64(powMod16(n-k, ak))/float64(ak))
	}
	for k := n + 1; k <= n+1000; k++ {
		term := math.Pow(16, float64(n-k)) / float64(8*k+j)
		if term < 1e-17 {
			break
		}
		s = frac(s + term)
	}
	return s
}

// PiHexDigit 回傳 π 小數點後第 n 位十六進位數字（0..15）
func PiHexDigit(n int64) int {
	x := 4*series(1, n) - 2*series(4, n) - series(5, n) - series(6, n)
	return int(16 * frac(x))
}

// PiHexRange 回傳從 start 開始的 count 位數字
func PiHexRange(ctx context.Context, start, count int64) (string, error) {
	out := make([]byte, 0, count)
	for i := int64(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out = append(out, hexDigits[PiHexDigit(start+i)])
	}
	return string(out), nil
}

// ExecuteBBPHex 處理 {"type":"bbp_hex","start":S,"count":C}
func ExecuteBBPHex(ctx context.Context, payload types.Payload) (types.Payload, error) {
	start, err := intField(payload, "start")
	if err != nil {
		return nil, err
	}
	count, err := intField(payload, "count")
	if err != nil {
		return nil, err
	}
	if start < 0 || count <= 0 || count > MaxHexDigits {
		return nil, fmt.Errorf("%w: start=%d count=%d (0 < count <= %d)", errBadRange, start, count, MaxHexDigits)
	}

	hex, err := PiHexRange(ctx, start, count)
	if err != nil {
		return nil, err
	}
	return types.Payload{"hex": hex, "start": start, "count": count}, nil
}

// ExecuteDummy 回傳原 payload，用於 seed 任務
func ExecuteDummy(_ context.Context, payload types.Payload) (types.Payload, error) {
	return types.Payload{"echo": map[string]interface{}(payload)}, nil
}

// intField 讀取整數欄位；JSON 解碼後數字為 float64
func intField(p types.Payload, key string) (int64, error) {
	switch v := p[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s must be an integer, got %v", key, v)
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case nil:
		return 0, fmt.Errorf("missing %s", key)
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}
