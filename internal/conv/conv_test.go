package conv

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"": Group, "Room": Group, " chat ": Group, "Contact": Individual, "private": Individual} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("channel")
	assert.Error(t, err)
}

func TestRefJSON(t *testing.T) {
	raw, err := json.Marshal(Ref{ID: "42", Name: "alice", Kind: Individual})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"42","name":"alice","type":"Contact"}`, string(raw))

	var r Ref
	require.NoError(t, json.Unmarshal([]byte(`{"id":"-100","type":"group"}`), &r))
	assert.Equal(t, Group, r.Kind)
	assert.Error(t, json.Unmarshal([]byte(`{"id":"1","type":"robot"}`), &r))
}

func TestRefIdentity(t *testing.T) {
	a := Ref{ID: "-100", Name: "East", Kind: Group}
	b := Ref{ID: "-100", Name: "East (renamed)", Kind: Group}
	assert.True(t, a.Equal(b))
	assert.Equal(t, "East(-100)", a.String())
	assert.Equal(t, "7", Ref{ID: "7", Name: "  "}.Label())
	assert.True(t, Ref{Name: "x"}.IsZero())
}

func TestResolve(t *testing.T) {
	assert.Equal(t, Ref{ID: "42", Name: "Al", Kind: Individual}, Resolve(Contact{ID: "42", Name: "alice", Alias: "Al"}))
	assert.Equal(t, Ref{ID: "42", Name: "alice", Kind: Individual}, Resolve(Contact{ID: "42", Name: "alice"}))
	assert.Equal(t, Ref{ID: "-100", Name: "East", Kind: Group}, Resolve(Room{ID: "-100", Topic: "East"}))
	assert.True(t, Resolve(nil).IsZero())
}
