package tle

import "time"

// Record is a single object's element set as read from a feed.
// Records are immutable once parsed.
type Record struct {
	CatalogID int
	Name      string
	Glyph     string
	Epoch     time.Time // zero if the epoch field could not be read
	Line1     string
	Line2     string
}

// Group names one element-set feed.
type Group struct {
	Name string `mapstructure:"name" json:"name"`
	URL  string `mapstructure:"url" json:"url"`
}
