package rollxml

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/roll-cli/internal/model"
)

const dateLayout = "2006-01-02"

// ownerPhysicalFlag marks a physical person in RL0201Hx.
const ownerPhysicalFlag = "1"

// GenerateMat18 builds the 18-character material code from the three
// mandatory cadastral parts and the optional check digit, building number
// and local number. Absent optional parts are zero-filled to their width.
func GenerateMat18(a, b, c string, d, e, f *string) (string, error) {
	var sb strings.Builder
	sb.WriteString(a)
	sb.WriteString(b)
	sb.WriteString(c)
	for _, part := range []struct {
		v     *string
		width int
	}{{d, 1}, {e, 3}, {f, 4}} {
		if part.v != nil {
			sb.WriteString(*part.v)
		} else {
			sb.WriteString(strings.Repeat("0", part.width))
		}
	}

	mat18 := sb.String()
	if len(mat18) != model.Mat18Length {
		return "", eris.Wrapf(ErrMalformedRecord, "mat18 %q has length %d", mat18, len(mat18))
	}
	return mat18, nil
}

// identity derives mat18 and the provincial id from RL0104.
func (d *Decoder) identity(n *node) (id, mat18 string, err error) {
	rl0104 := n.find("RL0104")
	if rl0104 == nil {
		return "", "", eris.Wrap(ErrMalformedRecord, "missing RL0104")
	}

	var mandatory [3]string
	for i, tag := range []string{"RL0104A", "RL0104B", "RL0104C"} {
		v, ok := rl0104.value(tag)
		if !ok {
			return "", "", eris.Wrapf(ErrMalformedRecord, "missing %s", tag)
		}
		mandatory[i] = v
	}

	mat18, err = GenerateMat18(mandatory[0], mandatory[1], mandatory[2],
		optional(rl0104, "RL0104D"), optional(rl0104, "RL0104E"), optional(rl0104, "RL0104F"))
	if err != nil {
		return "", "", err
	}
	return d.header.MuniCode + mat18, mat18, nil
}

func optional(n *node, tag string) *string {
	if v, ok := n.value(tag); ok {
		return &v
	}
	return nil
}

// extract fills a unit from an expanded RLUEx element.
func (d *Decoder) extract(n *node, id, mat18 string) (*model.Unit, error) {
	u := &model.Unit{
		ID:       id,
		Year:     d.header.Year,
		Muni:     d.header.Muni,
		MuniCode: d.header.MuniCode,
		Mat18:    mat18,
	}

	rl0101x := n.find("RL0101x")
	if rl0101x == nil {
		return nil, eris.Wrapf(ErrMalformedRecord, "unit %s: missing RL0101x", id)
	}
	f := &fields{root: n}
	d.resolveAddress(rl0101x, u, f)
	resolveApt(rl0101x, u)

	cubf, ok := n.value("RL0105A")
	if !ok {
		return nil, eris.Wrapf(ErrMalformedRecord, "unit %s: missing RL0105A", id)
	}
	c, err := strconv.Atoi(cubf)
	if err != nil {
		return nil, eris.Wrapf(ErrMalformedRecord, "unit %s: RL0105A %q", id, cubf)
	}
	u.CUBF = c

	u.Arrond = f.text("RL0102A")
	u.FileNum = f.text("RL0106A")
	u.NghbrUnit = f.text("RL0107A")

	rl0201 := n.find("RL0201")
	if rl0201 == nil {
		return nil, eris.Wrapf(ErrMalformedRecord, "unit %s: missing RL0201", id)
	}
	f.owner(rl0201, u)
	u.OwnerStatus = (&fields{root: rl0201}).text("RL0201U")

	u.LotLinDim = f.float("RL0301A")
	u.LotArea = f.float("RL0302A")
	u.MaxFloors = f.int("RL0306A")
	u.ConstYr = f.int("RL0307A")
	u.ConstYrReal = f.text("RL0307B")
	u.FloorArea = f.float("RL0308A")
	u.PhysLink = f.text("RL0309A")
	u.ConstType = f.text("RL0310A")
	u.NumDwelling = f.int("RL0311A")
	u.NumRental = f.int("RL0312A")
	u.NumNonRes = f.int("RL0313A")

	u.AppraisDate = f.date("RL0401A")
	u.LotValue = f.float("RL0402A")
	u.BuildingValue = f.float("RL0403A")
	u.Value = f.float("RL0404A")
	u.PrevValue = f.float("RL0405A")

	for _, tag := range f.malformed {
		d.log.Debug("malformed optional field",
			zap.String("id", id),
			zap.String("field", tag),
		)
	}
	d.stats.Malformed += len(f.malformed)
	return u, nil
}

// addressPart is one RL0101x sub-field. Coded parts are translated through
// the mapping table before joining.
type addressPart struct {
	tag    string
	dst    func(u *model.Unit) **string
	lookup func(d *Decoder, code string) (string, error)
}

var addressParts = []addressPart{
	{tag: "RL0101Ax", dst: func(u *model.Unit) **string { return &u.NumAdrInf }},
	{tag: "RL0101Bx", dst: func(u *model.Unit) **string { return &u.NumAdrInf2 }},
	{tag: "RL0101Cx", dst: func(u *model.Unit) **string { return &u.NumAdrSup }},
	{tag: "RL0101Dx", dst: func(u *model.Unit) **string { return &u.NumAdrSup2 }},
	{tag: "RL0101Ex", dst: func(u *model.Unit) **string { return &u.WayType },
		lookup: func(d *Decoder, c string) (string, error) { return d.codes.WayType(c) }},
	{tag: "RL0101Fx", dst: func(u *model.Unit) **string { return &u.WayLink },
		lookup: func(d *Decoder, c string) (string, error) { return d.codes.WayLink(c) }},
	{tag: "RL0101Gx", dst: func(u *model.Unit) **string { return &u.StreetName }},
	{tag: "RL0101Hx", dst: func(u *model.Unit) **string { return &u.CardinalPt },
		lookup: func(d *Decoder, c string) (string, error) { return d.codes.CardinalPoint(c) }},
}

// resolveAddress stores the raw address parts and joins the present ones,
// translated where coded, into u.Address. An unknown code keeps its raw
// column but is left out of the address and counted as malformed.
func (d *Decoder) resolveAddress(rl0101x *node, u *model.Unit, f *fields) {
	var parts []string
	for _, p := range addressParts {
		v, ok := rl0101x.value(p.tag)
		if !ok {
			continue
		}
		*p.dst(u) = &v
		if p.lookup == nil {
			parts = append(parts, v)
			continue
		}
		resolved, err := p.lookup(d, v)
		if err != nil {
			f.malformed = append(f.malformed, p.tag)
			continue
		}
		parts = append(parts, resolved)
	}
	u.Address = strings.Join(parts, " ")
}

// resolveApt keeps the apartment number apart from the street address so
// units of one building share an address.
func resolveApt(rl0101x *node, u *model.Unit) {
	var parts []string
	if v, ok := rl0101x.value("RL0101Ix"); ok {
		u.AptNum1 = &v
		parts = append(parts, v)
	}
	if v, ok := rl0101x.value("RL0101Jx"); ok {
		u.AptNum2 = &v
		parts = append(parts, v)
	}
	if len(parts) > 0 {
		apt := strings.Join(parts, " ")
		u.AptNum = &apt
	}
}

// fields reads optional values and records the tags that failed coercion.
type fields struct {
	root      *node
	malformed []string
}

func (f *fields) text(tag string) *string {
	return optional(f.root, tag)
}

func (f *fields) int(tag string) *int {
	v, ok := f.root.value(tag)
	if !ok {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		f.malformed = append(f.malformed, tag)
		return nil
	}
	return &i
}

func (f *fields) float(tag string) *float64 {
	v, ok := f.root.value(tag)
	if !ok {
		return nil
	}
	x, err := strconv.ParseFloat(v, 64)
	if err != nil {
		f.malformed = append(f.malformed, tag)
		return nil
	}
	return &x
}

func (f *fields) date(tag string) *time.Time {
	v, ok := f.root.value(tag)
	if !ok {
		return nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		f.malformed = append(f.malformed, tag)
		return nil
	}
	return &t
}

// owner keeps the most recent RL0201x entry. Ties go to the entry seen
// last; entries with an unreadable date are ignored.
func (f *fields) owner(rl0201 *node, u *model.Unit) {
	var (
		best     *time.Time
		physical bool
	)
	for _, entry := range rl0201.findAll("RL0201x") {
		raw, ok := entry.value("RL0201Gx")
		if !ok {
			continue
		}
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			f.malformed = append(f.malformed, "RL0201Gx")
			continue
		}
		if best != nil && t.Before(*best) {
			continue
		}
		best = &t
		flag, _ := entry.value("RL0201Hx")
		physical = flag == ownerPhysicalFlag
	}
	if best == nil {
		return
	}

	ownerType := model.OwnerMoral
	if physical {
		ownerType = model.OwnerPhysical
	}
	u.OwnerDate = best
	u.OwnerType = &ownerType
}
