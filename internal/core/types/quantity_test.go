package types

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		in   string
		want Quantity
	}{
		{"10", Units(10)},
		{"0.5", 5000},
		{"-0.5", -5000},
		{"+3.25", 32500},
		{"1.23456", 12345},
		{".75", 7500},
		{"1e2", Units(100)},
		{"922337203685477.5807", Quantity(math.MaxInt64)},
		{"-922337203685477.5807", Quantity(-math.MaxInt64)},
		{"5.", Units(5)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseQuantity(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseQuantity_Invalid(t *testing.T) {
	for _, in := range []string{
		"", "abc", "1.x", ".", "-", "--5", "1.-5", "1.+5", "+-1", "1 .5",
		"1844674407370956",
		"-1844674407370956",
		"9223372036854775807",
		"1e300",
		"-1e300",
		"1e12",
		"NaNe1",
	} {
		_, err := ParseQuantity(in)
		assert.Error(t, err, in)
	}
}

func TestQuantityJSON(t *testing.T) {
	var payload struct {
		A Quantity `json:"a"`
		B Quantity `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 12.5, "b": "3"}`), &payload))
	assert.Equal(t, Quantity(125000), payload.A)
	assert.Equal(t, Units(3), payload.B)

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 12.5, "b": 3}`, string(out))
}

func TestQuantityJSON_RejectsOverflow(t *testing.T) {
	var payload struct {
		Q Quantity `json:"quantity"`
	}
	err := json.Unmarshal([]byte(`{"quantity": 1844674407370956}`), &payload)
	require.Error(t, err)
	assert.Zero(t, payload.Q)
}

func TestQuantityString(t *testing.T) {
	assert.Equal(t, "20.0000", Units(20).String())
	assert.Equal(t, "-0.0001", Quantity(-1).String())
}

func TestQuantityMul(t *testing.T) {
	total := Quantity(25000).Mul(MustMoney("4.10"))
	assert.True(t, total.Equal(MustMoney("10.25")), total.String())
}
