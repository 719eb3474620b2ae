package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseInputs(dir string) Inputs {
	return Inputs{
		Plugin:    "lint-plugin",
		HookName:  "PostToolUse",
		Command:   "gofmt -l .",
		Directory: dir,
		EffectiveConfig: map[string]any{
			"timeoutMs": 5000,
			"strict":    true,
		},
	}
}

func TestCompute_DeterministicAcrossMapOrdering(t *testing.T) {
	dir := t.TempDir()

	a := baseInputs(dir)
	a.EffectiveConfig = map[string]any{"strict": true, "timeoutMs": 5000}
	b := baseInputs(dir)
	b.EffectiveConfig = map[string]any{"timeoutMs": 5000, "strict": true}

	da, err := Compute(a)
	require.NoError(t, err)
	db, err := Compute(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestCompute_CommandWhitespaceNormalized(t *testing.T) {
	dir := t.TempDir()

	a := baseInputs(dir)
	a.Command = "gofmt   -l    ."
	b := baseInputs(dir)
	b.Command = "gofmt -l ."

	da, err := Compute(a)
	require.NoError(t, err)
	db, err := Compute(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestCompute_DifferentPluginsDiffer(t *testing.T) {
	dir := t.TempDir()

	a := baseInputs(dir)
	b := baseInputs(dir)
	b.Plugin = "other-plugin"

	da, err := Compute(a)
	require.NoError(t, err)
	db, err := Compute(b)
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestCompute_TrackedFileChangeInvalidatesFingerprint(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))

	in := baseInputs(dir)
	in.IfChanged = []string{"*.go"}

	before, err := Compute(in)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))

	after, err := Compute(in)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestCompute_MissingTrackedFileStillDigestsStably(t *testing.T) {
	dir := t.TempDir()
	in := baseInputs(dir)
	in.IfChanged = []string{"does-not-exist.txt"}

	d1, err := Compute(in)
	require.NoError(t, err)
	d2, err := Compute(in)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestCompute_EnvWhitelistOnlyAffectsDigest(t *testing.T) {
	dir := t.TempDir()

	lookup := func(values map[string]string) func(string) (string, bool) {
		return func(name string) (string, bool) {
			v, ok := values[name]
			return v, ok
		}
	}

	in := baseInputs(dir)
	in.EnvWhitelist = []string{"CI"}
	in.Lookup = lookup(map[string]string{"CI": "true", "SECRET": "leaked"})

	withCI, err := Compute(in)
	require.NoError(t, err)

	in.Lookup = lookup(map[string]string{"CI": "false", "SECRET": "leaked"})
	withoutCI, err := Compute(in)
	require.NoError(t, err)

	assert.NotEqual(t, withCI, withoutCI)

	in.Lookup = lookup(map[string]string{"CI": "false", "SECRET": "different-but-not-whitelisted"})
	stillWithoutCI, err := Compute(in)
	require.NoError(t, err)
	assert.Equal(t, withoutCI, stillWithoutCI)
}

func TestCompute_UnsetVsEmptyEnvDistinguished(t *testing.T) {
	dir := t.TempDir()

	in := baseInputs(dir)
	in.EnvWhitelist = []string{"FLAG"}
	in.Lookup = func(name string) (string, bool) { return "", false }
	unset, err := Compute(in)
	require.NoError(t, err)

	in.Lookup = func(name string) (string, bool) { return "", true }
	empty, err := Compute(in)
	require.NoError(t, err)

	assert.NotEqual(t, unset, empty)
}

func TestCompute_IsFull256BitHexDigest(t *testing.T) {
	dir := t.TempDir()
	d, err := Compute(baseInputs(dir))
	require.NoError(t, err)
	assert.Len(t, string(d), 64, "fingerprint must be a full, untruncated SHA-256 hex digest")
}

func TestTrackedFileDigest_DeduplicatesOverlappingGlobs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))

	withOverlap, err := TrackedFileDigest(dir, []string{"*.go", "a.go"})
	require.NoError(t, err)
	withoutOverlap, err := TrackedFileDigest(dir, []string{"*.go"})
	require.NoError(t, err)
	assert.Equal(t, withoutOverlap, withOverlap)
}
