package spawnplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sijucj/dbyard/pkg/config"
)

func TestDefaultIdentityAndPrefix(t *testing.T) {
	id := DefaultIdentity("controls/hello.db")
	assert.Equal(t, "controls/hello", id)
	assert.Equal(t, "/controls/hello", DefaultProxyPrefix(id))
}

func TestParseOverridesBasic(t *testing.T) {
	block := "instance.id=shared\nlisten.port=4001\nsqlite-embedded.bin=\"/usr/bin/sqlite-ui\"\n"
	ov, err := ParseOverrides(block)
	require.NoError(t, err)

	id, ok := ov.InstanceID()
	assert.True(t, ok)
	assert.Equal(t, "shared", id)

	port, ok := ov.ListenPort()
	assert.True(t, ok)
	assert.Equal(t, 4001, port)

	bin, ok := ov.Bin("sqlite-embedded")
	assert.True(t, ok)
	assert.Equal(t, "/usr/bin/sqlite-ui", bin)
}

func TestParseOverridesEnvBlockAndExportPrefix(t *testing.T) {
	block := "export .env=\"FOO=bar\\nBAZ=qux\"\n"
	ov, err := ParseOverrides(block)
	require.NoError(t, err)

	env := ov.FreeEnv()
	assert.Equal(t, "bar", env["FOO"])
	assert.Equal(t, "qux", env["BAZ"])
}

func TestParseOverridesArgsUsesShellQuoting(t *testing.T) {
	block := `sqlite-embedded.args="--flag value" --other`
	ov, err := ParseOverrides(block)
	require.NoError(t, err)

	args, ok := ov.Args("sqlite-embedded")
	require.True(t, ok)
	assert.Equal(t, []string{"--flag value", "--other"}, args)
}

func TestParseOverridesMalformedLineErrors(t *testing.T) {
	_, err := ParseOverrides("not-a-kv-line")
	assert.Error(t, err)
}

func TestPlannerResolvesCommandArgsEnv(t *testing.T) {
	uc := &config.UserConfig{
		Kinds: map[string]config.KindSpec{
			"sqlite-embedded": {
				Command: "/usr/bin/sqlite-ui",
				Args:    []string{"--port", "{{port}}", "--prefix", "{{proxyPrefix}}"},
				Env:     map[string]string{"ENVIRONMENT": "production"},
			},
		},
	}
	pl := NewPlanner(uc)

	params := Params{
		ListenHost:  "127.0.0.1",
		Port:        3000,
		ProxyPrefix: "/controls/hello",
		Kind:        "sqlite-embedded",
		Identity:    "controls/hello",
		Tags:        map[string]string{"SERVICE_ID": "controls/hello"},
	}

	plan, err := pl.Plan("sqlite-embedded", Overrides{}, params)
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/sqlite-ui", plan.Command)
	assert.Equal(t, []string{"--port", "3000", "--prefix", "/controls/hello"}, plan.Args)
	assert.Equal(t, "production", plan.Env["ENVIRONMENT"])
	assert.Equal(t, "controls/hello", plan.Env["SERVICE_ID"])
}

func TestPlannerTagsAlwaysWinOverOverrideEnv(t *testing.T) {
	uc := &config.UserConfig{Kinds: map[string]config.KindSpec{
		"k": {Command: "/bin/k"},
	}}
	pl := NewPlanner(uc)

	ov, err := ParseOverrides(`k.env="SERVICE_ID=wrong"`)
	require.NoError(t, err)

	plan, err := pl.Plan("k", ov, Params{Tags: map[string]string{"SERVICE_ID": "right"}})
	require.NoError(t, err)
	assert.Equal(t, "right", plan.Env["SERVICE_ID"])
}

func TestPlannerUnknownKindIsPlanError(t *testing.T) {
	uc := &config.UserConfig{Kinds: map[string]config.KindSpec{}}
	pl := NewPlanner(uc)

	_, err := pl.Plan("nope", Overrides{}, Params{})
	require.Error(t, err)
	var planErr *PlanError
	require.ErrorAs(t, err, &planErr)
}

func TestPlannerSpawnDriverOverridesKind(t *testing.T) {
	uc := &config.UserConfig{Kinds: map[string]config.KindSpec{
		"other": {Command: "/bin/other"},
	}}
	pl := NewPlanner(uc)

	ov, err := ParseOverrides("spawn-driver=other\n")
	require.NoError(t, err)

	plan, err := pl.Plan("sqlite-embedded", ov, Params{})
	require.NoError(t, err)
	assert.Equal(t, "/bin/other", plan.Command)
}
