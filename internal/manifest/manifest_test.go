package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verso-tools/verso/internal/model"
)

const sampleManifest = `{
  "name": "@acme/auth",
  "private": true,
  "version": "1.4.2",
  "scripts": {
    "build": "tsc",
    "test": "vitest run"
  },
  "dependencies": {
    "zlib-shim": "^2.0.0",
    "@acme/core": "workspace:^1.0.0",
    "left-pad": "1.3.0"
  },
  "devDependencies": {
    "@acme/testkit": "workspace:*"
  }
}
`

func TestParse_FieldsAndSections(t *testing.T) {
	d, err := Parse("pkg/package.json", []byte(sampleManifest))
	require.NoError(t, err)

	assert.Equal(t, "@acme/auth", d.Name)
	assert.Equal(t, "1.4.2", d.Version)

	deps := d.Dependencies(model.SectionDependencies)
	require.Len(t, deps, 3)
	// Manifest order, not sorted
	assert.Equal(t, "zlib-shim", deps[0].Name)
	assert.Equal(t, "@acme/core", deps[1].Name)
	assert.Equal(t, "left-pad", deps[2].Name)

	spec, ok := d.DepSpec(model.SectionDevDependencies, "@acme/testkit")
	require.True(t, ok)
	assert.Equal(t, "workspace:*", spec)

	_, ok = d.DepSpec(model.SectionPeerDependencies, "anything")
	assert.False(t, ok)
}

func TestRender_PreservesOrderAndUnknownFields(t *testing.T) {
	d, err := Parse("pkg/package.json", []byte(sampleManifest))
	require.NoError(t, err)

	out := string(d.Render())
	assert.Equal(t, sampleManifest, out, "untouched document must round-trip byte for byte")
}

func TestRewriteVersion_PureAndOrdered(t *testing.T) {
	d, err := Parse("pkg/package.json", []byte(sampleManifest))
	require.NoError(t, err)

	next := d.RewriteVersion("1.5.0")
	assert.Equal(t, "1.5.0", next.Version)
	assert.Equal(t, "1.4.2", d.Version, "original must stay untouched")

	out := string(next.Render())
	assert.Contains(t, out, `"version": "1.5.0"`)
	// Unknown fields survive verbatim
	assert.Contains(t, out, `"private": true`)
	assert.Contains(t, out, `"build": "tsc"`)
	// name still precedes version, version still precedes scripts
	nameIdx := strings.Index(out, `"name"`)
	verIdx := strings.Index(out, `"version"`)
	scriptsIdx := strings.Index(out, `"scripts"`)
	assert.Less(t, nameIdx, verIdx)
	assert.Less(t, verIdx, scriptsIdx)
}

func TestRewriteDepSpec(t *testing.T) {
	d, err := Parse("pkg/package.json", []byte(sampleManifest))
	require.NoError(t, err)

	next, err := d.RewriteDepSpec(model.SectionDependencies, "@acme/core", "workspace:^1.1.0")
	require.NoError(t, err)

	spec, _ := next.DepSpec(model.SectionDependencies, "@acme/core")
	assert.Equal(t, "workspace:^1.1.0", spec)
	old, _ := d.DepSpec(model.SectionDependencies, "@acme/core")
	assert.Equal(t, "workspace:^1.0.0", old, "original must stay untouched")

	// Key order within the section is preserved
	deps := next.Dependencies(model.SectionDependencies)
	assert.Equal(t, "zlib-shim", deps[0].Name)
	assert.Equal(t, "@acme/core", deps[1].Name)

	// Idempotent when the spec already matches
	again, err := next.RewriteDepSpec(model.SectionDependencies, "@acme/core", "workspace:^1.1.0")
	require.NoError(t, err)
	assert.Equal(t, string(next.Render()), string(again.Render()))

	// Absent dependency fails with a schema error
	_, err = d.RewriteDepSpec(model.SectionDependencies, "ghost", "^1.0.0")
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "dependencies.ghost", se.Field)

	// Absent section fails too
	_, err = d.RewriteDepSpec(model.SectionPeerDependencies, "@acme/core", "^1.0.0")
	assert.Error(t, err)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not an object", `[1, 2]`},
		{"syntax error", "{\n  \"name\": \"a\",\n  \"version\": 1.2.3\n}"},
		{"missing name", `{"version": "1.0.0"}`},
		{"missing version", `{"name": "a"}`},
		{"non-string name", `{"name": 42, "version": "1.0.0"}`},
		{"non-object deps", `{"name": "a", "version": "1.0.0", "dependencies": []}`},
		{"non-string spec", `{"name": "a", "version": "1.0.0", "dependencies": {"b": 1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("pkg/package.json", []byte(tt.data))
			require.Error(t, err)
		})
	}
}

func TestParse_SyntaxErrorPosition(t *testing.T) {
	data := "{\n  \"name\": \"a\",\n  \"version\": oops\n}"
	_, err := Parse("pkg/package.json", []byte(data))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "pkg/package.json", pe.Path)
	assert.Equal(t, 3, pe.Line)
	assert.Greater(t, pe.Column, 0)
}

func TestLoadAndSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	d, err := LoadDir(dir)
	require.NoError(t, err)

	next := d.RewriteVersion("2.0.0")
	require.NoError(t, Save(path, next))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", back.Version)
	deps := back.Dependencies(model.SectionDependencies)
	assert.Equal(t, "zlib-shim", deps[0].Name)

	_, err = Load(filepath.Join(dir, "nope", Filename))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPackage_ParsesSpecifiers(t *testing.T) {
	d, err := Parse(filepath.Join("pkgs", "auth", Filename), []byte(sampleManifest))
	require.NoError(t, err)

	pkg, err := d.Package()
	require.NoError(t, err)
	assert.Equal(t, "@acme/auth", pkg.Name)
	assert.Equal(t, filepath.Join("pkgs", "auth"), pkg.Dir)
	require.Len(t, pkg.Dependencies, 4)

	core := pkg.DependencyOn("@acme/core")
	require.Len(t, core, 1)
	assert.Equal(t, model.SpecWorkspace, core[0].Spec.Kind)

	bad := `{"name": "a", "version": "1.0.0", "dependencies": {"b": "not a spec"}}`
	d, err = Parse("x/package.json", []byte(bad))
	require.NoError(t, err)
	_, err = d.Package()
	require.Error(t, err)
}
