package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalType_IsNumeric(t *testing.T) {
	tests := []struct {
		name string
		typ  SignalType
		want bool
	}{
		{"lowercase", SignalType("numeric"), true},
		{"uppercase", SignalType("NUMERIC"), true},
		{"mixed case", SignalType("Numeric"), true},
		{"text", SignalType("text"), false},
		{"empty", SignalType(""), false},
		{"different length", SignalType("numericx"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.IsNumeric())
		})
	}
}

func TestNormalizedRecord_RoundTrip(t *testing.T) {
	rec := NormalizedRecord{
		Time:               1700000000,
		DeviceUID:          "1001",
		IdentificationCode: "code-a",
		DataRows: []DataRow{
			{Name: "temp", Value: "21.5"},
			{Name: "status", Value: "ok"},
		},
		Nc:       "nc-1",
		Protocol: "MQTT",
	}

	encoded, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded NormalizedRecord
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, rec, decoded)
}

func TestNormalizedRecord_ProtocolOmittedWhenEmpty(t *testing.T) {
	rec := NormalizedRecord{DeviceUID: "1", IdentificationCode: "c"}
	encoded, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "Protocol")
}
