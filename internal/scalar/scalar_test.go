package scalar_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KamaTechOrg/BSDFlow/internal/scalar"
)

func TestDateRoundTrip(t *testing.T) {
	when := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	data, err := json.Marshal(scalar.Date(when))
	require.NoError(t, err)
	assert.JSONEq(t, `{"$date":"2024-06-01T12:30:00Z"}`, string(data))

	var back scalar.Value
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, scalar.KindDate, back.Kind())
	assert.True(t, back.Date().Equal(when))
}

func TestDateTagDistinctFromObject(t *testing.T) {
	// A two-key object containing $date is a plain object, not a date.
	var v scalar.Value
	require.NoError(t, json.Unmarshal([]byte(`{"$date":"2024-06-01T12:30:00Z","x":1}`), &v))
	assert.Equal(t, scalar.KindObject, v.Kind())

	var bad scalar.Value
	err := json.Unmarshal([]byte(`{"$date":"not-a-date"}`), &bad)
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	assert.True(t, scalar.Equal(scalar.Number(3), scalar.Number(3)))
	assert.False(t, scalar.Equal(scalar.Number(3), scalar.String("3")))
	assert.True(t, scalar.Equal(scalar.Null(), scalar.Null()))
	assert.True(t, scalar.Equal(
		scalar.Array([]scalar.Value{scalar.String("a"), scalar.Number(1)}),
		scalar.Array([]scalar.Value{scalar.String("a"), scalar.Number(1)}),
	))
	assert.False(t, scalar.Equal(
		scalar.Array([]scalar.Value{scalar.String("a")}),
		scalar.Array([]scalar.Value{scalar.String("b")}),
	))
	assert.True(t, scalar.Equal(
		scalar.Object(map[string]scalar.Value{"k": scalar.Bool(true)}),
		scalar.Object(map[string]scalar.Value{"k": scalar.Bool(true)}),
	))
}

func TestCompare(t *testing.T) {
	cmp, ok := scalar.Compare(scalar.Number(1), scalar.Number(2))
	require.True(t, ok)
	assert.Equal(t, -1, cmp)

	early := scalar.Date(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	late := scalar.Date(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	cmp, ok = scalar.Compare(late, early)
	require.True(t, ok)
	assert.Equal(t, 1, cmp)

	_, ok = scalar.Compare(scalar.String("a"), scalar.String("b"))
	assert.False(t, ok, "strings have no ordering")
	_, ok = scalar.Compare(scalar.Number(1), scalar.String("1"))
	assert.False(t, ok, "mixed kinds have no ordering")
}

func TestFromAnyNumbers(t *testing.T) {
	v, err := scalar.FromAny(json.Number("2.5"))
	require.NoError(t, err)
	assert.Equal(t, 2.5, v.Number())

	v, err = scalar.FromAny([]any{"x", float64(1), nil})
	require.NoError(t, err)
	require.Equal(t, scalar.KindArray, v.Kind())
	require.Len(t, v.Arr(), 3)
	assert.True(t, v.Arr()[2].IsNull())
}

func TestNullIsZeroValue(t *testing.T) {
	var v scalar.Value
	assert.True(t, v.IsNull())
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}
