package model

import (
	"strings"
	"time"
)

const (
	// IDLength is the length of a provincial unit id (muni code + MAT18).
	IDLength = 23
	// Mat18Length is the length of the encoded material code.
	Mat18Length = 18
	// AggregateSuffix replaces the last 4 characters of id and mat18 on
	// synthetic building-level records.
	AggregateSuffix = "9999"
)

// OwnerType values derived from the most recent ownership entry.
const (
	OwnerPhysical = "physical"
	OwnerMoral    = "moral"
)

// Fixed codes written on aggregated buildings.
const (
	PhysLinkDetached   = "1"
	ConstTypeFullStory = "5"
)

// Columns lists the roll table columns in table order. Values() follows the
// same order.
var Columns = []string{
	"id", "lat", "lng", "year", "muni", "muni_code", "arrond", "address",
	"num_adr_inf", "num_adr_inf_2", "num_adr_sup", "num_adr_sup_2",
	"way_type", "way_link", "street_name", "cardinal_pt",
	"apt_num", "apt_num_1", "apt_num_2", "mat18", "cubf", "file_num", "nghbr_unit",
	"owner_date", "owner_type", "owner_status",
	"lot_lin_dim", "lot_area", "max_floors", "const_yr", "const_yr_real", "floor_area",
	"phys_link", "const_type", "num_dwelling", "num_rental", "num_non_res",
	"apprais_date", "lot_value", "building_value", "value", "prev_value",
}

// Unit is one evaluation unit of the assessment roll. The same shape backs
// the primary table, the archive of disaggregated units and the synthetic
// aggregated buildings. Nullable columns are pointers.
type Unit struct {
	ID       string   `json:"id"`
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
	Year     int      `json:"year"`
	Muni     string   `json:"muni"`
	MuniCode string   `json:"muni_code"`
	Arrond   *string  `json:"arrond,omitempty"`

	Address     string  `json:"address"`
	NumAdrInf   *string `json:"num_adr_inf,omitempty"`
	NumAdrInf2  *string `json:"num_adr_inf_2,omitempty"`
	NumAdrSup   *string `json:"num_adr_sup,omitempty"`
	NumAdrSup2  *string `json:"num_adr_sup_2,omitempty"`
	WayType     *string `json:"way_type,omitempty"`
	WayLink     *string `json:"way_link,omitempty"`
	StreetName  *string `json:"street_name,omitempty"`
	CardinalPt  *string `json:"cardinal_pt,omitempty"`
	AptNum      *string `json:"apt_num,omitempty"`
	AptNum1     *string `json:"apt_num_1,omitempty"`
	AptNum2     *string `json:"apt_num_2,omitempty"`
	Mat18       string  `json:"mat18"`
	CUBF        int     `json:"cubf"`
	FileNum     *string `json:"file_num,omitempty"`
	NghbrUnit   *string `json:"nghbr_unit,omitempty"`

	OwnerDate   *time.Time `json:"owner_date,omitempty"`
	OwnerType   *string    `json:"owner_type,omitempty"`
	OwnerStatus *string    `json:"owner_status,omitempty"`

	LotLinDim   *float64 `json:"lot_lin_dim,omitempty"`
	LotArea     *float64 `json:"lot_area,omitempty"`
	MaxFloors   *int     `json:"max_floors,omitempty"`
	ConstYr     *int     `json:"const_yr,omitempty"`
	ConstYrReal *string  `json:"const_yr_real,omitempty"`
	FloorArea   *float64 `json:"floor_area,omitempty"`
	PhysLink    *string  `json:"phys_link,omitempty"`
	ConstType   *string  `json:"const_type,omitempty"`
	NumDwelling *int     `json:"num_dwelling,omitempty"`
	NumRental   *int     `json:"num_rental,omitempty"`
	NumNonRes   *int     `json:"num_non_res,omitempty"`

	AppraisDate   *time.Time `json:"apprais_date,omitempty"`
	LotValue      *float64   `json:"lot_value,omitempty"`
	BuildingValue *float64   `json:"building_value,omitempty"`
	Value         *float64   `json:"value,omitempty"`
	PrevValue     *float64   `json:"prev_value,omitempty"`
}

// Values returns the column values in Columns order.
func (u *Unit) Values() []any {
	return []any{
		u.ID, u.Lat, u.Lng, u.Year, u.Muni, u.MuniCode, u.Arrond, u.Address,
		u.NumAdrInf, u.NumAdrInf2, u.NumAdrSup, u.NumAdrSup2,
		u.WayType, u.WayLink, u.StreetName, u.CardinalPt,
		u.AptNum, u.AptNum1, u.AptNum2, u.Mat18, u.CUBF, u.FileNum, u.NghbrUnit,
		u.OwnerDate, u.OwnerType, u.OwnerStatus,
		u.LotLinDim, u.LotArea, u.MaxFloors, u.ConstYr, u.ConstYrReal, u.FloorArea,
		u.PhysLink, u.ConstType, u.NumDwelling, u.NumRental, u.NumNonRes,
		u.AppraisDate, u.LotValue, u.BuildingValue, u.Value, u.PrevValue,
	}
}

// ScanTargets returns pointers to every field in Columns order, for use with
// rows.Scan.
func (u *Unit) ScanTargets() []any {
	return []any{
		&u.ID, &u.Lat, &u.Lng, &u.Year, &u.Muni, &u.MuniCode, &u.Arrond, &u.Address,
		&u.NumAdrInf, &u.NumAdrInf2, &u.NumAdrSup, &u.NumAdrSup2,
		&u.WayType, &u.WayLink, &u.StreetName, &u.CardinalPt,
		&u.AptNum, &u.AptNum1, &u.AptNum2, &u.Mat18, &u.CUBF, &u.FileNum, &u.NghbrUnit,
		&u.OwnerDate, &u.OwnerType, &u.OwnerStatus,
		&u.LotLinDim, &u.LotArea, &u.MaxFloors, &u.ConstYr, &u.ConstYrReal, &u.FloorArea,
		&u.PhysLink, &u.ConstType, &u.NumDwelling, &u.NumRental, &u.NumNonRes,
		&u.AppraisDate, &u.LotValue, &u.BuildingValue, &u.Value, &u.PrevValue,
	}
}

// IsAggregate reports whether the unit is a synthetic building-level record.
func (u *Unit) IsAggregate() bool {
	return len(u.ID) == IDLength && strings.HasSuffix(u.ID, AggregateSuffix)
}

// AggregateID replaces the last 4 characters of an id or mat18 with the
// aggregate sentinel. Codes shorter than the sentinel are returned unchanged.
func AggregateID(code string) string {
	if len(code) < len(AggregateSuffix) {
		return code
	}
	return code[:len(code)-len(AggregateSuffix)] + AggregateSuffix
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
