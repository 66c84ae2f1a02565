package types

import (
	"math"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func mustCBOR(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestTypes_DecodeReading_Basic(t *testing.T) {
	t.Parallel()

	payload := mustCBOR(t, map[string]any{
		"timestamp":   uint64(1000),
		"temperature": 21.5,
		"humidity":    55.25,
	})

	r, err := DecodeReading("/sensorBox/data", payload)
	require.NoError(t, err)
	require.Equal(t, "sensorBox/data", r.Topic)
	require.Equal(t, "sensorBox", r.Measurement)
	require.Equal(t, int64(1000), r.Timestamp)
	require.Equal(t, map[string]float64{"temperature": 21.5, "humidity": 55.25}, r.Fields)
	require.Nil(t, r.Spectrum)
}

func TestTypes_DecodeReading_KeepsSentinelsInFields(t *testing.T) {
	t.Parallel()

	payload := mustCBOR(t, map[string]any{
		"timestamp":   uint64(1000),
		"temperature": 21.5,
		"humidity":    -1,
		"pm25":        math.NaN(),
	})

	r, err := DecodeReading("/sensorBox/data", payload)
	require.NoError(t, err)
	require.Len(t, r.Fields, 3)
	require.Equal(t, float64(-1), r.Fields["humidity"])
	require.True(t, math.IsNaN(r.Fields["pm25"]))

	clean := r.CleanFields()
	require.Equal(t, map[string]float64{"temperature": 21.5}, clean)
}

func TestTypes_DecodeReading_SpectrumByteString(t *testing.T) {
	t.Parallel()

	payload := mustCBOR(t, map[string]any{
		"timestamp": uint64(7),
		"audioFft":  []byte{0, 1, 2, 255},
	})

	r, err := DecodeReading("/sensorBox/data", payload)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 1, 2, 255}, r.Spectrum)
	require.Empty(t, r.Fields)
}

func TestTypes_DecodeReading_SpectrumNumericArray(t *testing.T) {
	t.Parallel()

	payload := mustCBOR(t, map[string]any{
		"timestamp": uint64(7),
		"audioFft":  []any{uint64(3), 1.5, int64(-2)},
	})

	r, err := DecodeReading("/sensorBox/data", payload)
	require.NoError(t, err)
	require.Equal(t, []float64{3, 1.5, -2}, r.Spectrum)
}

func TestTypes_DecodeReading_Malformed(t *testing.T) {
	t.Parallel()

	_, err := DecodeReading("/sensorBox/data", []byte{0xff, 0x00, 0x12})
	require.Error(t, err)
}

func TestTypes_DecodeReading_MissingTimestamp(t *testing.T) {
	t.Parallel()

	payload := mustCBOR(t, map[string]any{"temperature": 21.5})
	_, err := DecodeReading("/sensorBox/data", payload)
	require.ErrorIs(t, err, ErrMissingTimestamp)
}

func TestTypes_DecodeReading_EmptyTopic(t *testing.T) {
	t.Parallel()

	payload := mustCBOR(t, map[string]any{"timestamp": uint64(1)})
	_, err := DecodeReading("/", payload)
	require.ErrorIs(t, err, ErrEmptyTopic)
}

func TestTypes_CleanFields_DropsNonFiniteValues(t *testing.T) {
	t.Parallel()

	payload := mustCBOR(t, map[string]any{
		"timestamp":   uint64(1000),
		"temperature": 21.5,
		"soundDbA":    math.Inf(1),
		"pressure":    math.Inf(-1),
		"pm25":        math.NaN(),
	})

	r, err := DecodeReading("/sensorBox/data", payload)
	require.NoError(t, err)
	require.Len(t, r.Fields, 4)

	clean := r.CleanFields()
	require.Equal(t, map[string]float64{"temperature": 21.5}, clean)
}

func TestTypes_DecodeReading_EmptySpectrumIsPresent(t *testing.T) {
	t.Parallel()

	payload := mustCBOR(t, map[string]any{
		"timestamp": uint64(7),
		"audioFft":  []byte{},
	})

	r, err := DecodeReading("/sensorBox/data", payload)
	require.NoError(t, err)
	require.NotNil(t, r.Spectrum)
	require.Empty(t, r.Spectrum)
}
