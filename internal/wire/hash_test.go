package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_SortsObjectKeys(t *testing.T) {
	got, err := Canonicalize(map[string]any{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(got))
}

func TestCanonicalize_NestedStructures(t *testing.T) {
	got, err := Canonicalize(map[string]any{
		"items": map[string]any{
			"$": map[string]any{"where": map[string]any{"done": false}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"items":{"$":{"where":{"done":false}}}}`, string(got))
}

func TestCanonicalize_NFCNormalizesStrings(t *testing.T) {
	// U+00E9 (é) composed vs e + U+0301 combining acute.
	composed, err := Canonicalize("café")
	require.NoError(t, err)
	decomposed, err := Canonicalize("café")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestQueryHash_IndependentOfKeyOrder(t *testing.T) {
	a, err := QueryHash(map[string]any{"x": 1, "y": []any{"p", "q"}})
	require.NoError(t, err)
	b, err := QueryHash(map[string]any{"y": []any{"p", "q"}, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestQueryHash_DistinguishesQueries(t *testing.T) {
	a, err := QueryHash(map[string]any{"$": "items.all"})
	require.NoError(t, err)
	b, err := QueryHash(map[string]any{"$": "items.done"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecodeServerMessage(t *testing.T) {
	msg, err := DecodeServerMessage(`{"type":"query-result","hash":"h1","result":{"store":{"items":[{"id":1}]}}}`)
	require.NoError(t, err)
	assert.Equal(t, TypeQueryResult, msg.Type)
	assert.Equal(t, "h1", msg.Hash)
	require.NotNil(t, msg.Result)

	_, err = DecodeServerMessage(`{"hash":"h1"}`)
	require.ErrorContains(t, err, "missing type")

	_, err = DecodeServerMessage(`not json`)
	require.Error(t, err)
}

func TestClientMessage_Encode(t *testing.T) {
	frame, err := ClientMessage{
		Op:            OpAddQuery,
		ClientEventID: "ce-1",
		EventID:       "ev-1",
		Hash:          "h1",
		Query:         map[string]any{"$": "items.all"},
	}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"op": "add-query",
		"client-event-id": "ce-1",
		"eventId": "ev-1",
		"hash": "h1",
		"query": {"$": "items.all"}
	}`, frame)
}
