// Package rollxml streams evaluation units out of the provincial assessment
// roll XML files.
package rollxml

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/roll-cli/internal/mapping"
	"github.com/sells-group/roll-cli/internal/model"
)

// Document-level and unit-level tags.
const (
	tagMuniCode = "RLM01A"
	tagYear     = "RLM02A"
	tagUnit     = "RLUEx"
)

// ErrMalformedRecord is returned when a mandatory element is missing or
// unreadable. It is fatal for the document being decoded.
var ErrMalformedRecord = errors.New("rollxml: malformed record")

// ErrUnknownMunicipality is returned when the document's municipality code
// is missing from the code table.
var ErrUnknownMunicipality = errors.New("rollxml: unknown municipality")

// ExistsFunc reports whether a unit id is already stored.
type ExistsFunc func(ctx context.Context, id string) (bool, error)

// Header holds the constants that apply to every unit of a document.
type Header struct {
	MuniCode string
	Muni     string
	Year     int
}

// Stats counts what a Decoder has seen so far.
type Stats struct {
	Units     int // units returned by Next
	Skipped   int // units already stored
	Malformed int // optional values that could not be read and were nulled
}

// Decoder reads units one at a time from a roll document. Only the current
// unit's subtree is held in memory.
type Decoder struct {
	dec    *xml.Decoder
	codes  *mapping.Table
	header Header
	stats  Stats
	log    *zap.Logger
}

// NewDecoder reads the document header from r. The municipality code and
// year must both appear before the first unit.
func NewDecoder(r io.Reader, codes *mapping.Table) (*Decoder, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "rollxml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	d := &Decoder{
		dec:   dec,
		codes: codes,
		log:   zap.L().With(zap.String("component", "rollxml")),
	}
	if err := d.readHeader(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Decoder) readHeader() error {
	var muniCode, year string
	for muniCode == "" || year == "" {
		tok, err := d.dec.Token()
		if err == io.EOF {
			return eris.Wrap(ErrMalformedRecord, "document header: missing municipality code or year")
		}
		if err != nil {
			return eris.Wrap(err, "rollxml: read header")
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var dst *string
		switch {
		case strings.EqualFold(se.Name.Local, tagMuniCode):
			dst = &muniCode
		case strings.EqualFold(se.Name.Local, tagYear):
			dst = &year
		case strings.EqualFold(se.Name.Local, tagUnit):
			return eris.Wrap(ErrMalformedRecord, "document header: unit before municipality code and year")
		default:
			continue
		}

		var text string
		if err := d.dec.DecodeElement(&text, &se); err != nil {
			return eris.Wrapf(err, "rollxml: decode %s", se.Name.Local)
		}
		*dst = strings.TrimSpace(text)
	}

	y, err := strconv.Atoi(year)
	if err != nil {
		return eris.Wrapf(ErrMalformedRecord, "document header: year %q", year)
	}
	muni, err := d.codes.Municipality(muniCode)
	if err != nil {
		return eris.Wrapf(ErrUnknownMunicipality, "document header: code %q", muniCode)
	}
	d.header = Header{MuniCode: muniCode, Muni: muni, Year: y}
	return nil
}

// Header returns the document constants.
func (d *Decoder) Header() Header { return d.header }

// Stats returns the counters accumulated so far.
func (d *Decoder) Stats() Stats { return d.stats }

// Next returns the next unit not already stored. exists is called once per
// unit, right after its id is known; a nil exists stores everything. Next
// returns io.EOF once the document is exhausted.
func (d *Decoder) Next(ctx context.Context, exists ExistsFunc) (*model.Unit, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "rollxml: context cancelled")
		}

		tok, err := d.dec.Token()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, eris.Wrap(err, "rollxml: read token")
		}
		se, ok := tok.(xml.StartElement)
		if !ok || !strings.EqualFold(se.Name.Local, tagUnit) {
			continue
		}

		var n node
		if err := d.dec.DecodeElement(&n, &se); err != nil {
			return nil, eris.Wrap(err, "rollxml: decode unit")
		}

		id, mat18, err := d.identity(&n)
		if err != nil {
			return nil, err
		}
		if exists != nil {
			found, err := exists(ctx, id)
			if err != nil {
				return nil, eris.Wrapf(err, "rollxml: exists %s", id)
			}
			if found {
				d.stats.Skipped++
				continue
			}
		}

		u, err := d.extract(&n, id, mat18)
		if err != nil {
			return nil, err
		}
		d.stats.Units++
		return u, nil
	}
}
