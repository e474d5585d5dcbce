package classify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstYesWins(t *testing.T) {
	r := NewRegistry()
	r.Register(Classifier{Kind: "a", Probe: ExtensionProbe(".db")})
	r.Register(Classifier{Kind: "b", Probe: ExtensionProbe(".db")})

	c, err := r.Classify("hello.db")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "a", c.Kind)
}

func TestIndeterminateContinuesToNextClassifier(t *testing.T) {
	r := NewRegistry()
	r.Register(Classifier{Kind: "a", Probe: ExtensionProbe(".xlsx")})
	r.Register(Classifier{Kind: "b", Probe: ExtensionProbe(".db")})

	c, err := r.Classify("hello.db")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "b", c.Kind)
}

func TestNoMatchReturnsNil(t *testing.T) {
	r := DefaultRegistry()
	c, err := r.Classify("hello.txt")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestProbeErrorDoesNotPanic(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register(Classifier{Kind: "broken", Probe: func(string) (Result, error) {
		return Indeterminate, boom
	}})

	c, err := r.Classify("anything")
	assert.Nil(t, c)
	require.Error(t, err)
	var probeErr *ProbeError
	require.ErrorAs(t, err, &probeErr)
	assert.Equal(t, "broken", probeErr.Kind)
	assert.ErrorIs(t, err, boom)
}

func TestDefaultRegistryOrdering(t *testing.T) {
	r := DefaultRegistry()
	c, err := r.Classify("controls/hello.db")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "sqlite-embedded", c.Kind)

	c, err = r.Classify("reports/q1.xlsx")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "spreadsheet", c.Kind)
}
