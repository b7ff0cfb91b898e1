// Package manifest reads and writes per-package manifests
// (package.json). Documents round-trip: unknown top-level fields are
// preserved verbatim and dependency key order is kept. Writes go through
// the atomic temp-file + rename primitive so readers never observe a
// truncated manifest.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/verso-tools/verso/internal/jsonio"
	"github.com/verso-tools/verso/internal/model"
)

// Filename is the manifest file name inside a package directory.
const Filename = "package.json"

var sectionKeys = map[string]model.DepSection{
	"dependencies":     model.SectionDependencies,
	"devDependencies":  model.SectionDevDependencies,
	"peerDependencies": model.SectionPeerDependencies,
}

// DepEntry is one ordered dependency map entry.
type DepEntry struct {
	Name string
	Spec string
}

type depSection struct {
	entries []DepEntry
}

// field is a top-level manifest field in document order. Known fields
// (name, version, dependency sections) are re-rendered on save; anything
// else keeps its raw bytes.
type field struct {
	key string
	raw json.RawMessage
}

// Document is a parsed manifest. Mutating methods return a modified
// clone; a loaded Document is never changed in place.
type Document struct {
	Path    string
	Name    string
	Version string

	fields   []field
	sections map[model.DepSection]*depSection
}

// Load reads and parses the manifest at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(path, data)
}

// LoadDir reads the manifest inside a package directory.
func LoadDir(dir string) (*Document, error) {
	return Load(filepath.Join(dir, Filename))
}

// Parse parses manifest bytes. path is used for error reporting only.
func Parse(path string, data []byte) (*Document, error) {
	d := &Document{
		Path:     path,
		sections: make(map[model.DepSection]*depSection),
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, parseError(path, data, dec.InputOffset(), err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		line, col := lineCol(data, dec.InputOffset())
		return nil, &ParseError{Path: path, Line: line, Column: col, Reason: "manifest is not a JSON object"}
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, parseError(path, data, dec.InputOffset(), err)
		}
		key, ok := keyTok.(string)
		if !ok {
			line, col := lineCol(data, dec.InputOffset())
			return nil, &ParseError{Path: path, Line: line, Column: col, Reason: "non-string object key"}
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, parseError(path, data, dec.InputOffset(), err)
		}
		d.fields = append(d.fields, field{key: key, raw: raw})

		switch {
		case key == "name":
			if err := json.Unmarshal(raw, &d.Name); err != nil {
				return nil, &SchemaError{Path: path, Field: "name", Reason: "must be a string"}
			}
		case key == "version":
			if err := json.Unmarshal(raw, &d.Version); err != nil {
				return nil, &SchemaError{Path: path, Field: "version", Reason: "must be a string"}
			}
		default:
			if section, isDep := sectionKeys[key]; isDep {
				sec, err := parseDepSection(path, key, raw)
				if err != nil {
					return nil, err
				}
				d.sections[section] = sec
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, parseError(path, data, dec.InputOffset(), err)
	}

	if d.Name == "" {
		return nil, &SchemaError{Path: path, Field: "name", Reason: "required"}
	}
	if d.Version == "" {
		return nil, &SchemaError{Path: path, Field: "version", Reason: "required"}
	}
	return d, nil
}

func parseDepSection(path, key string, raw json.RawMessage) (*depSection, error) {
	sec := &depSection{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, &SchemaError{Path: path, Field: key, Reason: err.Error()}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, &SchemaError{Path: path, Field: key, Reason: "must be an object"}
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, &SchemaError{Path: path, Field: key, Reason: err.Error()}
		}
		name, _ := keyTok.(string)
		var spec string
		if err := dec.Decode(&spec); err != nil {
			return nil, &SchemaError{Path: path, Field: key + "." + name, Reason: "specifier must be a string"}
		}
		sec.entries = append(sec.entries, DepEntry{Name: name, Spec: spec})
	}
	return sec, nil
}

func parseError(path string, data []byte, offset int64, err error) error {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		offset = syn.Offset
	}
	line, col := lineCol(data, offset)
	return &ParseError{Path: path, Line: line, Column: col, Reason: err.Error()}
}

// Save writes the document atomically to path.
func Save(path string, d *Document) error {
	return jsonio.AtomicWriteRaw(path, d.Render())
}

// Render serializes the document, emitting top-level fields in their
// original order. Known fields reflect the document's current state;
// unknown fields are the bytes read at parse time.
func (d *Document) Render() []byte {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, f := range d.fields {
		keyJSON, _ := json.Marshal(f.key)
		buf.WriteString("  ")
		buf.Write(keyJSON)
		buf.WriteString(": ")
		buf.Write(d.renderField(f))
		if i < len(d.fields)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}

func (d *Document) renderField(f field) []byte {
	switch {
	case f.key == "name":
		b, _ := json.Marshal(d.Name)
		return b
	case f.key == "version":
		b, _ := json.Marshal(d.Version)
		return b
	}
	if section, isDep := sectionKeys[f.key]; isDep {
		if sec, ok := d.sections[section]; ok {
			return renderDepSection(sec)
		}
	}
	return f.raw
}

func renderDepSection(sec *depSection) []byte {
	if len(sec.entries) == 0 {
		return []byte("{}")
	}
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, e := range sec.entries {
		name, _ := json.Marshal(e.Name)
		spec, _ := json.Marshal(e.Spec)
		buf.WriteString("    ")
		buf.Write(name)
		buf.WriteString(": ")
		buf.Write(spec)
		if i < len(sec.entries)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("  }")
	return buf.Bytes()
}

// Clone deep-copies the document.
func (d *Document) Clone() *Document {
	out := &Document{
		Path:     d.Path,
		Name:     d.Name,
		Version:  d.Version,
		fields:   make([]field, len(d.fields)),
		sections: make(map[model.DepSection]*depSection, len(d.sections)),
	}
	copy(out.fields, d.fields)
	for s, sec := range d.sections {
		c := &depSection{entries: make([]DepEntry, len(sec.entries))}
		copy(c.entries, sec.entries)
		out.sections[s] = c
	}
	return out
}

// RewriteVersion returns a copy with the version field replaced.
func (d *Document) RewriteVersion(version string) *Document {
	out := d.Clone()
	out.Version = version
	return out
}

// RewriteDepSpec returns a copy with one dependency's specifier
// replaced. Idempotent when the spec already matches. Fails when the
// dependency is absent from the section.
func (d *Document) RewriteDepSpec(section model.DepSection, dep, newSpec string) (*Document, error) {
	sec, ok := d.sections[section]
	if !ok {
		return nil, &SchemaError{Path: d.Path, Field: string(section), Reason: "section absent"}
	}
	idx := -1
	for i, e := range sec.entries {
		if e.Name == dep {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, &SchemaError{Path: d.Path, Field: string(section) + "." + dep, Reason: "dependency absent"}
	}
	if sec.entries[idx].Spec == newSpec {
		return d.Clone(), nil
	}
	out := d.Clone()
	out.sections[section].entries[idx].Spec = newSpec
	return out, nil
}

// DepSpec returns the specifier string for a dependency, if present.
func (d *Document) DepSpec(section model.DepSection, dep string) (string, bool) {
	sec, ok := d.sections[section]
	if !ok {
		return "", false
	}
	for _, e := range sec.entries {
		if e.Name == dep {
			return e.Spec, true
		}
	}
	return "", false
}

// Dependencies returns a section's entries in manifest order.
func (d *Document) Dependencies(section model.DepSection) []DepEntry {
	sec, ok := d.sections[section]
	if !ok {
		return nil
	}
	out := make([]DepEntry, len(sec.entries))
	copy(out, sec.entries)
	return out
}

// Package converts the document into the model form, parsing every
// dependency specifier. The package dir is derived from the manifest path.
func (d *Document) Package() (*model.Package, error) {
	pkg := &model.Package{
		Name:    d.Name,
		Dir:     filepath.Dir(d.Path),
		Version: d.Version,
	}
	for _, section := range model.DepSections {
		sec, ok := d.sections[section]
		if !ok {
			continue
		}
		for _, e := range sec.entries {
			spec, err := model.ParseSpecifier(e.Spec)
			if err != nil {
				return nil, &SchemaError{Path: d.Path, Field: string(section) + "." + e.Name, Reason: err.Error()}
			}
			pkg.Dependencies = append(pkg.Dependencies, model.Dependency{
				Name:    e.Name,
				Section: section,
				Spec:    spec,
			})
		}
	}
	return pkg, nil
}
