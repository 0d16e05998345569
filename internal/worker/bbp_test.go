package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

const piHex = "243F6A8885A308D313198A2E03707344"

func TestPiHexRange(t *testing.T) {
	got, err := PiHexRange(context.Background(), 0, int64(len(piHex)))
	require.NoError(t, err)
	assert.Equal(t, piHex, got)

	got, err = PiHexRange(context.Background(), 8, 8)
	require.NoError(t, err)
	assert.Equal(t, piHex[8:16], got)
}

func TestPiHexRangeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := PiHexRange(ctx, 0, 4)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteBBPHex(t *testing.T) {
	// 數字以 JSON 解碼後的 float64 形式傳入
	result, err := ExecuteBBPHex(context.Background(), types.Payload{"type": TypeBBPHex, "start": float64(4), "count": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, "6A88", result["hex"])
	assert.Equal(t, int64(4), result["start"])
	assert.Equal(t, int64(4), result["count"])
}

func TestExecuteBBPHexValidation(t *testing.T) {
	cases := []struct {
		name    string
		payload types.Payload
	}{
		{"negative start", types.Payload{"start": -1, "count": 1}},
		{"zero count", types.Payload{"start": 0, "count": 0}},
		{"too many digits", types.Payload{"start": 0, "count": MaxHexDigits + 1}},
		{"missing start", types.Payload{"count": 1}},
		{"fractional count", types.Payload{"start": 0, "count": 1.5}},
		{"string start", types.Payload{"start": "0", "count": 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExecuteBBPHex(context.Background(), tc.payload)
			assert.Error(t, err)
		})
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	result, err := r.Execute(context.Background(), types.Payload{"type": TypeDummy, "i": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"type": TypeDummy, "i": 1}, result["echo"])

	_, err = r.Execute(context.Background(), types.Payload{"type": "mystery"})
	assert.ErrorIs(t, err, ErrUnknownJobType)

	_, err = r.Execute(context.Background(), types.Payload{})
	assert.ErrorIs(t, err, ErrUnknownJobType)

	r.Register("upper", ExecutorFunc(func(_ context.Context, p types.Payload) (types.Payload, error) {
		return types.Payload{"ok": true}, nil
	}))
	result, err = r.Execute(context.Background(), types.Payload{"type": "upper"})
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
}
