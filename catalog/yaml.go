package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clltk/tracekit/argcodec"
)

// YAMLSource is the catalog's sidecar-file backing, the alternative spec
// §4.4 names to reading the catalog out of a compiled artifact. The file
// groups entries per tracebuffer name, matching the toolchain's contract.
type YAMLSource struct {
	entries map[string][]Entry
}

type yamlFile struct {
	Tracebuffers map[string][]yamlEntry `yaml:"tracebuffers"`
}

type yamlEntry struct {
	Kind       string   `yaml:"kind"`
	SourceFile string   `yaml:"source_file"`
	SourceLine uint32   `yaml:"source_line"`
	ArgTypes   []string `yaml:"arg_types"`
	Format     string   `yaml:"format"`
}

// LoadYAMLSource reads and parses a sidecar catalog file at path.
func LoadYAMLSource(path string) (*YAMLSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read sidecar %s: %w", path, err)
	}

	var doc yamlFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse sidecar %s: %w", path, err)
	}

	entries := make(map[string][]Entry, len(doc.Tracebuffers))
	for name, raw := range doc.Tracebuffers {
		converted := make([]Entry, 0, len(raw))
		for _, re := range raw {
			e, err := convertYAMLEntry(re)
			if err != nil {
				return nil, fmt.Errorf("catalog: sidecar %s, tracebuffer %q: %w", path, name, err)
			}
			converted = append(converted, e)
		}
		entries[name] = converted
	}

	return &YAMLSource{entries: entries}, nil
}

func convertYAMLEntry(re yamlEntry) (Entry, error) {
	kind, err := parseKind(re.Kind)
	if err != nil {
		return Entry{}, err
	}

	argTypes := make([]argcodec.Type, 0, len(re.ArgTypes))
	for _, name := range re.ArgTypes {
		t, err := parseArgType(name)
		if err != nil {
			return Entry{}, err
		}
		argTypes = append(argTypes, t)
	}

	return Entry{
		Kind:          kind,
		SourceFile:    re.SourceFile,
		SourceLine:    re.SourceLine,
		ArgTypes:      argTypes,
		FormatOrLabel: re.Format,
	}, nil
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "printf", "":
		return Printf, nil
	case "dump":
		return DumpKind, nil
	default:
		return 0, fmt.Errorf("unknown entry kind %q", s)
	}
}

var argTypeNames = map[string]argcodec.Type{
	"u8": argcodec.U8, "i8": argcodec.I8,
	"u16": argcodec.U16, "i16": argcodec.I16,
	"u32": argcodec.U32, "i32": argcodec.I32,
	"u64": argcodec.U64, "i64": argcodec.I64,
	"u128": argcodec.U128, "i128": argcodec.I128,
	"f32": argcodec.F32, "f64": argcodec.F64,
	"string": argcodec.String, "dump": argcodec.Dump,
	"pointer": argcodec.Pointer, "unknown": argcodec.Unknown,
}

func parseArgType(name string) (argcodec.Type, error) {
	t, ok := argTypeNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown arg type %q", name)
	}
	return t, nil
}

// Lookup implements Source.
func (y *YAMLSource) Lookup(tracebuffer string, offset uint32) (Entry, bool) {
	region, ok := y.entries[tracebuffer]
	if !ok || offset >= uint32(len(region)) {
		return Entry{}, false
	}
	return region[offset], true
}
