package scripthost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shilianming/iotgw/internal/model"
)

// TestHost_Transform_S1 runs the literal S1 scenario script from spec.md
// §8 through Host.Transform.
func TestHost_Transform_S1(t *testing.T) {
	h := New()
	source := `function main(m){ return [{"Time":1,"DeviceUid":"7","IdentificationCode":"A","DataRows":[{"Name":"t","Value":"23.5"}],"Nc":"n"}]; }`

	records, err := h.Transform(source, "x")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "7", records[0].DeviceUID)
	assert.Equal(t, "A", records[0].IdentificationCode)
	require.Len(t, records[0].DataRows, 1)
	assert.Equal(t, "t", records[0].DataRows[0].Name)
	assert.Equal(t, "23.5", records[0].DataRows[0].Value)
}

// TestHost_Transform_UsesPayload exercises main(payload) with a script
// that actually reads its argument, proving the calling convention (not
// just a literal return) works.
func TestHost_Transform_UsesPayload(t *testing.T) {
	h := New()
	source := `function main(m){ return [{"Time":1700000000,"DeviceUid":"1001","IdentificationCode":"a","DataRows":[{"Name":"temp","Value":m}],"Nc":"x"}]; }`

	records, err := h.Transform(source, "21.5")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1001", records[0].DeviceUID)
	require.Len(t, records[0].DataRows, 1)
	assert.Equal(t, "21.5", records[0].DataRows[0].Value)
}

func TestHost_Transform_CompileError(t *testing.T) {
	h := New()
	_, err := h.Transform("function main(m){ return [", "x")
	assert.Error(t, err)
}

func TestHost_Transform_NoMainFunction(t *testing.T) {
	h := New()
	_, err := h.Transform(`var x = 1;`, "x")
	assert.Error(t, err)
}

func TestHost_Transform_WrongShape(t *testing.T) {
	h := New()
	_, err := h.Transform(`function main(m){ return "just a string"; }`, "x")
	assert.Error(t, err)
}

func TestHost_Transform_CachesProgram(t *testing.T) {
	h := New()
	source := `function main(m){ return [{"Time":1,"DeviceUid":"1","IdentificationCode":"a","DataRows":[],"Nc":"x"}]; }`
	_, err := h.Transform(source, "a")
	require.NoError(t, err)
	_, ok := h.cache[source]
	require.True(t, ok)
	_, err = h.Transform(source, "b")
	require.NoError(t, err)
}

func TestHost_Predicate_True(t *testing.T) {
	h := New()
	hit, err := h.Predicate(`function main(window){ return window["temp"].length > 1; }`, map[string][]model.TimedValue{
		"temp": {{Time: 1, Value: 1}, {Time: 2, Value: 2}},
	})
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestHost_Predicate_False(t *testing.T) {
	h := New()
	hit, err := h.Predicate(`function main(window){ return window["temp"].length > 10; }`, map[string][]model.TimedValue{
		"temp": {{Time: 1, Value: 1}},
	})
	require.NoError(t, err)
	assert.False(t, hit)
}

// TestHost_Predicate_ReadsFieldNames proves the window argument exposes
// json-tag field names (time/value), matching the wire convention the
// rest of the pipeline uses for TimedValue.
func TestHost_Predicate_ReadsFieldNames(t *testing.T) {
	h := New()
	hit, err := h.Predicate(`function main(window){ return window["temp"][0].value > 20; }`, map[string][]model.TimedValue{
		"temp": {{Time: 1, Value: 23.5}},
	})
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestHost_Predicate_NonBoolCountsFalse(t *testing.T) {
	h := New()
	hit, err := h.Predicate(`function main(window){ return "not a bool"; }`, map[string][]model.TimedValue{})
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestHost_Predicate_ThrowingCountsFalse(t *testing.T) {
	h := New()
	hit, err := h.Predicate(`function main(window){ return window["missing"][99].value > 0; }`, map[string][]model.TimedValue{})
	assert.Error(t, err)
	assert.False(t, hit)
}

func TestHost_Predicate_CompileErrorCountsFalse(t *testing.T) {
	h := New()
	hit, err := h.Predicate("function main(window){ return (", map[string][]model.TimedValue{})
	assert.Error(t, err)
	assert.False(t, hit)
}

func TestHost_Predicate_NoMainFunctionCountsFalse(t *testing.T) {
	h := New()
	hit, err := h.Predicate(`var x = 1;`, map[string][]model.TimedValue{})
	assert.Error(t, err)
	assert.False(t, hit)
}
