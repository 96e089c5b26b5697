package models

// Metadata is the database envelope: bookkeeping about the database itself
// and the mdserver instances (locations) managing it.
type Metadata struct {
	// Initialised is the creation timestamp of the database file
	Initialised *float64 `json:"initialised"`

	// Updated is the timestamp of the most recent recorded change
	Updated *float64 `json:"updated"`

	// Locations maps location name to the record for that mdserver instance
	Locations map[string]*Location `json:"locations"`
}

// NewMetadata returns a fresh metadata envelope with an empty locations map.
func NewMetadata() *Metadata {
	return &Metadata{
		Locations: map[string]*Location{},
	}
}

// Document is the current on-disk root shape. The legacy shape - a bare
// array of entries - is recognised on load and upgraded one-way into this.
type Document struct {
	Metadata *Metadata `json:"metadata"`
	Entries  []*Entry  `json:"entries"`
}

// NewDocument returns an empty document with initialised metadata.
func NewDocument() *Document {
	return &Document{
		Metadata: NewMetadata(),
		Entries:  []*Entry{},
	}
}
