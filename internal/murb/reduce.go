package murb

import (
	"math"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/roll-cli/internal/model"
	"github.com/sells-group/roll-cli/internal/store"
)

// ErrEmptyGroup is returned when a group has no members to reduce.
var ErrEmptyGroup = eris.New("murb: empty group")

// Apartment numbering thresholds used to infer the floor count.
const (
	floorsTenThousands = 10_000
	floorsThousands    = 1_000
	floorsCap          = 10
)

// A known building whose apartment numbers exceed 10 000 despite having
// three floors.
const (
	anomalyLat    = 46.7174122671
	anomalyLng    = -71.2773427875
	anomalyFloors = 3
)

// InferFloors estimates the floor count of a building from the highest
// apartment number among its units. Apartment numbers encode the floor in
// their leading digits.
func InferFloors(maxApt int, lat, lng float64) int {
	switch {
	case maxApt >= floorsTenThousands:
		if lat == anomalyLat && lng == anomalyLng {
			return anomalyFloors
		}
		return floorsCap
	case maxApt >= floorsThousands:
		return maxApt / 100
	default:
		return maxApt / 10
	}
}

// Reduce folds the members of a duplicate group into one building-level
// unit. Members are expected in a stable order; mode ties go to the value
// seen first and fields shared by every unit of the building come from the
// last member.
func Reduce(key store.GroupKey, members []model.Unit) (model.Unit, error) {
	if len(members) == 0 {
		return model.Unit{}, eris.Wrapf(ErrEmptyGroup, "address %q, muni %q", key.Address, key.Muni)
	}
	last := members[len(members)-1]

	agg := model.Unit{
		ID:      model.AggregateID(last.ID),
		Mat18:   model.AggregateID(last.Mat18),
		Lat:     key.Lat,
		Lng:     key.Lng,
		Muni:    key.Muni,
		Address: key.Address,

		MuniCode:   last.MuniCode,
		Arrond:     last.Arrond,
		CUBF:       last.CUBF,
		NumAdrInf:  last.NumAdrInf,
		NumAdrInf2: last.NumAdrInf2,
		NumAdrSup:  last.NumAdrSup,
		NumAdrSup2: last.NumAdrSup2,
		WayType:    last.WayType,
		WayLink:    last.WayLink,
		StreetName: last.StreetName,
		CardinalPt: last.CardinalPt,

		PhysLink:  model.Ptr(model.PhysLinkDetached),
		ConstType: model.Ptr(model.ConstTypeFullStory),
	}

	agg.Year = modeBy(members, func(u *model.Unit) int { return u.Year }, identity[int])
	agg.NghbrUnit = modeBy(members, func(u *model.Unit) *string { return u.NghbrUnit }, stringKey)
	agg.OwnerDate = modeBy(members, func(u *model.Unit) *time.Time { return u.OwnerDate }, dateKey)
	agg.OwnerType = modeBy(members, func(u *model.Unit) *string { return u.OwnerType }, stringKey)
	agg.OwnerStatus = modeBy(members, func(u *model.Unit) *string { return u.OwnerStatus }, stringKey)
	agg.ConstYr = modeBy(members, func(u *model.Unit) *int { return u.ConstYr }, intKey)
	agg.ConstYrReal = modeBy(members, func(u *model.Unit) *string { return u.ConstYrReal }, stringKey)
	agg.AppraisDate = modeBy(members, func(u *model.Unit) *time.Time { return u.AppraisDate }, dateKey)

	agg.LotLinDim = mean(members, func(u *model.Unit) *float64 { return u.LotLinDim })
	agg.LotArea = mean(members, func(u *model.Unit) *float64 { return u.LotArea })
	agg.FloorArea = mean(members, func(u *model.Unit) *float64 { return u.FloorArea })
	agg.LotValue = mean(members, func(u *model.Unit) *float64 { return u.LotValue })
	agg.BuildingValue = mean(members, func(u *model.Unit) *float64 { return u.BuildingValue })
	agg.Value = mean(members, func(u *model.Unit) *float64 { return u.Value })
	agg.PrevValue = mean(members, func(u *model.Unit) *float64 { return u.PrevValue })

	agg.NumRental = model.Ptr(sum(members, func(u *model.Unit) *int { return u.NumRental }))
	agg.NumNonRes = model.Ptr(sum(members, func(u *model.Unit) *int { return u.NumNonRes }))
	agg.NumDwelling = sumOrNil(members, func(u *model.Unit) *int { return u.NumDwelling })

	agg.MaxFloors = model.Ptr(InferFloors(maxApartment(members), coord(key.Lat), coord(key.Lng)))
	return agg, nil
}

// modeBy returns the most frequent value of get across members, comparing
// values by key. Nil is counted like any other value and ties go to the
// value seen first.
func modeBy[V any, K comparable](members []model.Unit, get func(*model.Unit) V, key func(V) K) V {
	counts := make(map[K]int, len(members))
	firsts := make(map[K]V, len(members))
	var order []K
	for i := range members {
		v := get(&members[i])
		k := key(v)
		if _, seen := counts[k]; !seen {
			firsts[k] = v
			order = append(order, k)
		}
		counts[k]++
	}

	var (
		best  V
		bestN int
	)
	for _, k := range order {
		if counts[k] > bestN {
			best, bestN = firsts[k], counts[k]
		}
	}
	return best
}

// The zero value of each key type is reserved for nil.
type (
	optString struct {
		set bool
		v   string
	}
	optInt struct {
		set bool
		v   int
	}
)

func identity[T comparable](v T) T { return v }

func stringKey(p *string) optString {
	if p == nil {
		return optString{}
	}
	return optString{set: true, v: *p}
}

func intKey(p *int) optInt {
	if p == nil {
		return optInt{}
	}
	return optInt{set: true, v: *p}
}

func dateKey(p *time.Time) optString {
	if p == nil {
		return optString{}
	}
	return optString{set: true, v: p.UTC().Format(time.DateOnly)}
}

// mean averages the non-nil, non-zero values, rounded to 2 decimals. It
// returns nil when no member has a value.
func mean(members []model.Unit, get func(*model.Unit) *float64) *float64 {
	var (
		total float64
		n     int
	)
	for i := range members {
		v := get(&members[i])
		if v == nil || *v == 0 {
			continue
		}
		total += *v
		n++
	}
	if n == 0 {
		return nil
	}
	m := math.Round(total/float64(n)*100) / 100
	return &m
}

func sum(members []model.Unit, get func(*model.Unit) *int) int {
	var total int
	for i := range members {
		if v := get(&members[i]); v != nil {
			total += *v
		}
	}
	return total
}

// sumOrNil follows SQL SUM: nil when every value is nil.
func sumOrNil(members []model.Unit, get func(*model.Unit) *int) *int {
	var (
		total int
		seen  bool
	)
	for i := range members {
		if v := get(&members[i]); v != nil {
			total += *v
			seen = true
		}
	}
	if !seen {
		return nil
	}
	return &total
}

// maxApartment returns the highest numeric apt_num_1 among members.
// Non-numeric apartment numbers are ignored.
func maxApartment(members []model.Unit) int {
	var highest int
	for _, m := range members {
		if m.AptNum1 == nil {
			continue
		}
		n, err := strconv.Atoi(*m.AptNum1)
		if err != nil {
			continue
		}
		highest = max(highest, n)
	}
	return highest
}

func coord(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

// sharedFields are the columns every unit of one building should agree on.
var sharedFields = []struct {
	name string
	get  func(*model.Unit) optString
}{
	{"muni_code", func(u *model.Unit) optString { return optString{set: true, v: u.MuniCode} }},
	{"arrond", func(u *model.Unit) optString { return stringKey(u.Arrond) }},
	{"num_adr_inf", func(u *model.Unit) optString { return stringKey(u.NumAdrInf) }},
	{"num_adr_inf_2", func(u *model.Unit) optString { return stringKey(u.NumAdrInf2) }},
	{"num_adr_sup", func(u *model.Unit) optString { return stringKey(u.NumAdrSup) }},
	{"num_adr_sup_2", func(u *model.Unit) optString { return stringKey(u.NumAdrSup2) }},
	{"way_type", func(u *model.Unit) optString { return stringKey(u.WayType) }},
	{"way_link", func(u *model.Unit) optString { return stringKey(u.WayLink) }},
	{"street_name", func(u *model.Unit) optString { return stringKey(u.StreetName) }},
	{"cardinal_pt", func(u *model.Unit) optString { return stringKey(u.CardinalPt) }},
	{"cubf", func(u *model.Unit) optString { return optString{set: true, v: strconv.Itoa(u.CUBF)} }},
}

// SharedFieldConflicts returns the shared columns on which members
// disagree, in column order.
func SharedFieldConflicts(members []model.Unit) []string {
	if len(members) < 2 {
		return nil
	}
	var conflicts []string
	for _, f := range sharedFields {
		first := f.get(&members[0])
		for i := 1; i < len(members); i++ {
			if f.get(&members[i]) != first {
				conflicts = append(conflicts, f.name)
				break
			}
		}
	}
	return conflicts
}
