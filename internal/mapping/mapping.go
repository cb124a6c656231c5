// Package mapping translates the encoded field values of the roll format
// (municipality, way type, way link, cardinal point and the auxiliary code
// tables) into human-readable values.
package mapping

import (
	_ "embed"
	"errors"
	"os"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed codes.yaml
var defaultCodes []byte

// ErrUnknownCode is returned when a code is not part of its table.
var ErrUnknownCode = errors.New("mapping: unknown code")

// Code is one id/value pair of an auxiliary lookup table.
type Code struct {
	ID    string
	Value string
}

// Table holds every code table of the roll format.
type Table struct {
	Municipalities   map[string]string `yaml:"municipalities"`
	WayTypes         map[string]string `yaml:"way_types"`
	WayLinks         map[string]string `yaml:"way_links"`
	CardinalPoints   map[string]string `yaml:"cardinal_points"`
	OwnerStatusCodes map[string]string `yaml:"owner_statuses"`
	PhysLinkCodes    map[string]string `yaml:"physical_links"`
	ConstTypeCodes   map[string]string `yaml:"construction_types"`
}

var defaultTable = sync.OnceValues(func() (*Table, error) {
	return Parse(defaultCodes)
})

// Default returns the code tables embedded in the binary.
func Default() (*Table, error) {
	t, err := defaultTable()
	if err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// Parse decodes a YAML document into a Table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "mapping: parse codes")
	}
	return &t, nil
}

// Load returns the default tables with the entries of the YAML file at path
// merged over them. An empty path returns the defaults.
func Load(path string) (*Table, error) {
	base, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "mapping: read %s", path)
	}
	extra, err := Parse(data)
	if err != nil {
		return nil, err
	}
	base.merge(extra)
	return base, nil
}

// Municipality returns the municipality name for a 5-digit municipal code.
func (t *Table) Municipality(code string) (string, error) {
	return lookup("municipality", t.Municipalities, code)
}

// WayType returns the way type (Rue, Avenue, ...) for a way-type code.
func (t *Table) WayType(code string) (string, error) {
	return lookup("way type", t.WayTypes, code)
}

// WayLink returns the article linking the way type and the street name.
func (t *Table) WayLink(code string) (string, error) {
	return lookup("way link", t.WayLinks, code)
}

// CardinalPoint returns the cardinal point suffix of an address.
func (t *Table) CardinalPoint(code string) (string, error) {
	return lookup("cardinal point", t.CardinalPoints, code)
}

// OwnerStatuses returns the owner status lookup table sorted by id.
func (t *Table) OwnerStatuses() []Code { return sortedCodes(t.OwnerStatusCodes) }

// PhysicalLinks returns the physical link lookup table sorted by id.
func (t *Table) PhysicalLinks() []Code { return sortedCodes(t.PhysLinkCodes) }

// ConstructionTypes returns the construction type lookup table sorted by id.
func (t *Table) ConstructionTypes() []Code { return sortedCodes(t.ConstTypeCodes) }

func lookup(kind string, m map[string]string, code string) (string, error) {
	if v, ok := m[code]; ok {
		return v, nil
	}
	return "", eris.Wrapf(ErrUnknownCode, "%s %q", kind, code)
}

func sortedCodes(m map[string]string) []Code {
	codes := make([]Code, 0, len(m))
	for id, v := range m {
		codes = append(codes, Code{ID: id, Value: v})
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].ID < codes[j].ID })
	return codes
}

func (t *Table) tables() []*map[string]string {
	return []*map[string]string{
		&t.Municipalities, &t.WayTypes, &t.WayLinks, &t.CardinalPoints,
		&t.OwnerStatusCodes, &t.PhysLinkCodes, &t.ConstTypeCodes,
	}
}

func (t *Table) clone() *Table {
	c := &Table{}
	c.merge(t)
	return c
}

func (t *Table) merge(other *Table) {
	dst, src := t.tables(), other.tables()
	for i := range dst {
		if *dst[i] == nil {
			*dst[i] = make(map[string]string, len(*src[i]))
		}
		for k, v := range *src[i] {
			(*dst[i])[k] = v
		}
	}
}
