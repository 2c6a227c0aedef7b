package datastore

import "time"

// SearchArea is one row of the userpolygons table. Only the SAR columns and
// the run arguments are owned by this package; the polygon and elevation
// columns are maintained elsewhere.
type SearchArea struct {
	AreaName     string     `gorm:"primaryKey;column:area_name;size:255"`
	SARPath      string     `gorm:"column:sar_path"`
	SARCollected time.Time  `gorm:"column:sar_collected"`
	SARAcquired  *time.Time `gorm:"column:sar_acquired"`
	SARProcessed *string    `gorm:"column:sar_processed"` // set by downstream detection, cleared on every new artifact
	ArgS         string     `gorm:"column:arg_s;size:10"`
	ArgE         string     `gorm:"column:arg_e;size:10"`
	ArgB         string     `gorm:"column:arg_b;size:2"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

// TableName returns the table SearchArea maps to.
func (SearchArea) TableName() string {
	return "userpolygons"
}

// RunArgs are the arguments of the run that produced an artifact.
type RunArgs struct {
	Start string // YYYY-MM-DD
	End   string // YYYY-MM-DD
	Band  string // VV, VH or empty for both
}
