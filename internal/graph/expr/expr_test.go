package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndEval(t *testing.T) {
	p, err := Compile(`score >= 0.8 && status == "ready"`)
	require.NoError(t, err)

	assert.True(t, p.Eval(map[string]any{"score": 0.9, "status": "ready"}))
	assert.False(t, p.Eval(map[string]any{"score": 0.5, "status": "ready"}))
	assert.False(t, p.Eval(map[string]any{"score": 0.9, "status": "draft"}))
}

func TestMissingKeyYieldsFalse(t *testing.T) {
	p, err := Compile(`approved == true`)
	require.NoError(t, err)

	assert.False(t, p.Eval(map[string]any{}))
	assert.False(t, p.Eval(nil))
}

func TestNullLiterals(t *testing.T) {
	p, err := Compile(`draft != null`)
	require.NoError(t, err)
	assert.True(t, p.Eval(map[string]any{"draft": "text"}))
	assert.False(t, p.Eval(map[string]any{"draft": nil}))

	p2, err := Compile(`draft == None`)
	require.NoError(t, err)
	assert.True(t, p2.Eval(map[string]any{"draft": nil}))
}

func TestRejectsCalls(t *testing.T) {
	_, err := Compile(`len(items) > 0`)
	require.Error(t, err)

	_, err = Compile(`exec("rm -rf /")`)
	require.Error(t, err)

	_, err = Compile(`all(items, {# > 0})`)
	require.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	_, err := Compile(`score >=`)
	require.Error(t, err)
}

func TestTypeMismatchYieldsFalse(t *testing.T) {
	p, err := Compile(`count > 3`)
	require.NoError(t, err)
	assert.False(t, p.Eval(map[string]any{"count": "many"}))
}

func TestSourcePreserved(t *testing.T) {
	src := `retries < 3`
	p, err := Compile(src)
	require.NoError(t, err)
	assert.Equal(t, src, p.Source())
}
