package models

// Location describes one mdserver instance cooperating on a shared database
// file. Locations live in the database metadata, keyed by location name.
type Location struct {
	// Hostname is the FQDN of the serving host
	Hostname *string `json:"hostname"`

	// Version is the mdserver version last seen at this location
	Version *string `json:"version"`

	// FirstSeen is set when the location is first recorded, then never changes
	FirstSeen *float64 `json:"first_seen"`

	// LastSeen is refreshed every time the location checks in
	LastSeen *float64 `json:"last_seen"`
}

// NewLocation returns a location record with all fields defaulted to null.
func NewLocation() *Location {
	return &Location{}
}
