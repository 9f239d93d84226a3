package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const groovyConfig = `android {
    defaultConfig {
        applicationId "com.example.demo"
        ndk {
            abiFilters 'x86_64', 'x86'
        }
    }
}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "build.gradle")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDiscoverVariantsOrdersThirtyTwoBitFirst(t *testing.T) {
	variants, err := DiscoverVariants(writeConfig(t, groovyConfig))
	require.NoError(t, err)
	require.Equal(t, []Variant{
		{Name: "x86", ABI: "x86"},
		{Name: "x64", ABI: "x86_64", Bits64: true},
	}, variants)
}

func TestDiscoverVariantsKotlinDSL(t *testing.T) {
	path := writeConfig(t, `ndk { abiFilters += listOf("armeabi-v7a", "arm64-v8a") }`)
	variants, err := DiscoverVariants(path)
	require.NoError(t, err)
	require.Len(t, variants, 2)
	require.Equal(t, "arm", variants[0].Name)
	require.Equal(t, "arm64", variants[1].Name)
}

func TestDiscoverVariantsWithoutMarkers(t *testing.T) {
	variants, err := DiscoverVariants(writeConfig(t, "android {}\n"))
	require.NoError(t, err)
	require.Equal(t, []Variant{Universal}, variants)

	variants, err = DiscoverVariants(filepath.Join(t.TempDir(), "missing.gradle"))
	require.NoError(t, err)
	require.Equal(t, []Variant{Universal}, variants)
}

func TestIsolateABI(t *testing.T) {
	out := string(isolateABI([]byte(groovyConfig), "x86"))
	require.Contains(t, out, "abiFilters 'x86'\n")
	require.NotContains(t, out, "x86_64")
	require.Contains(t, out, `applicationId "com.example.demo"`)

	kts := string(isolateABI([]byte(`abiFilters += listOf("x86", "x86_64")`), "x86_64"))
	require.Equal(t, `abiFilters += listOf("x86_64")`, kts)
}

func TestWithVariantRestoresOnSuccessAndFailure(t *testing.T) {
	path := writeConfig(t, groovyConfig)
	x64 := knownABIs["x86_64"]

	err := WithVariant(path, x64, func() error {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Contains(t, string(data), "abiFilters 'x86_64'\n")
		return nil
	})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, groovyConfig, string(data))

	boom := errors.New("boom")
	err = WithVariant(path, x64, func() error { return boom })
	require.ErrorIs(t, err, boom)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, groovyConfig, string(data))
}

func TestWithVariantRestoresOnPanic(t *testing.T) {
	path := writeConfig(t, groovyConfig)

	require.Panics(t, func() {
		_ = WithVariant(path, knownABIs["x86"], func() error { panic("toolchain crashed") })
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, groovyConfig, string(data))
}

func TestWithVariantUniversalDoesNotTouchConfig(t *testing.T) {
	called := false
	err := WithVariant(filepath.Join(t.TempDir(), "absent"), Universal, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}
