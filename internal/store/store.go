// Package store implements the mdserver instance database: a single-file
// JSON store of domain entries with in-memory indices, merge-based upserts
// and network address allocation.
//
// A Store does not hold a persistent handle on the backing file - it
// encapsulates one transaction. Open loads and parses the whole file,
// migrates any legacy-shaped content, and builds the indices; operations
// then run against the in-memory state; Save serialises everything back and
// atomically renames over the original file.
//
// The store takes no locks. A database file can be shared between mdserver
// instances on a filesystem with atomic rename (readers always see a
// complete file), but concurrent load-mutate-save cycles can lose updates.
// Deployments that need genuine multi-writer safety should hold an advisory
// lock around the Open-to-Save span; Open is the extension point for that.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/sjjf/md-server/models"
)

// IndexFields are the entry fields the store maintains lookup indices for.
// Only non-null values are indexed.
var IndexFields = []string{
	"domain_name",
	"domain_uuid",
	"mds_mac",
	"mds_ipv4",
	"mds_ipv6",
}

// DefaultIDField is the identity field used by callers that have no reason
// to key an upsert on anything else.
const DefaultIDField = "domain_name"

// Store is an in-memory view of the instance database.
type Store struct {
	path    string
	meta    *models.Metadata
	entries []*models.Entry
	indices map[string]map[string]*models.Entry
}

// New creates an empty, transient store. Save is a no-op unless given an
// explicit path.
func New() *Store {
	s := &Store{
		meta:    models.NewMetadata(),
		entries: []*models.Entry{},
	}
	s.reindex()
	return s
}

// Open loads the database at path. A missing file yields an empty store;
// unparseable content or an unrecognised root shape is fatal.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.meta = models.NewMetadata()
			s.entries = []*models.Entry{}
			s.reindex()
			return s, nil
		}
		return nil, err
	}
	meta, rawEntries, err := parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("loading database %s: %w", path, err)
	}
	s.meta = meta
	s.entries, err = refreshFormat(rawEntries)
	if err != nil {
		return nil, fmt.Errorf("loading database %s: %w", path, err)
	}
	s.reindex()
	return s, nil
}

// parseDocument detects the root shape of a database file. A bare array is
// the legacy shape and gets wrapped in a fresh metadata envelope; an object
// must carry both "metadata" and "entries" keys. The legacy upgrade is
// one-way - the next Save writes the current shape.
func parseDocument(data []byte) (*models.Metadata, []map[string]json.RawMessage, error) {
	var root json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, nil, err
	}
	switch firstToken(root) {
	case '[':
		var entries []map[string]json.RawMessage
		if err := json.Unmarshal(root, &entries); err != nil {
			return nil, nil, err
		}
		log.Printf("Updating old-style database file to new format")
		return models.NewMetadata(), entries, nil
	case '{':
		var doc struct {
			Metadata *models.Metadata             `json:"metadata"`
			Entries  []map[string]json.RawMessage `json:"entries"`
		}
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(root, &keys); err != nil {
			return nil, nil, err
		}
		if _, ok := keys["metadata"]; !ok {
			return nil, nil, ErrUnknownFormat
		}
		if _, ok := keys["entries"]; !ok {
			return nil, nil, ErrUnknownFormat
		}
		if err := json.Unmarshal(root, &doc); err != nil {
			return nil, nil, err
		}
		if doc.Metadata == nil {
			doc.Metadata = models.NewMetadata()
		}
		if doc.Metadata.Locations == nil {
			doc.Metadata.Locations = map[string]*models.Location{}
		}
		return doc.Metadata, doc.Entries, nil
	default:
		return nil, nil, ErrUnknownFormat
	}
}

func firstToken(raw json.RawMessage) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}

// refreshFormat checks every raw entry against the canonical schema.
// Entries that pass are decoded unchanged; entries that fail are projected
// onto the canonical shape first. Schema drift is self-healing, never an
// error - only genuinely malformed values are fatal.
func refreshFormat(raw []map[string]json.RawMessage) ([]*models.Entry, error) {
	entries := make([]*models.Entry, 0, len(raw))
	for _, r := range raw {
		if err := models.CheckEntryKeys(r); err != nil {
			r = models.ReformatEntry(r)
		}
		e, err := models.DecodeEntry(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// reindex rebuilds every index from scratch. Run after any mutation; a full
// rebuild keeps the merge engine simple and is cheap at the fleet sizes
// this server manages.
func (s *Store) reindex() {
	s.indices = make(map[string]map[string]*models.Entry, len(IndexFields))
	for _, field := range IndexFields {
		idx := make(map[string]*models.Entry)
		for _, e := range s.entries {
			if v := fieldValue(e, field); v != nil {
				idx[*v] = e
			}
		}
		s.indices[field] = idx
	}
}

// fieldValue maps an index field name to the entry's value for it.
func fieldValue(e *models.Entry, field string) *string {
	switch field {
	case "domain_name":
		return e.DomainName
	case "domain_uuid":
		return e.DomainUUID
	case "mds_mac":
		return e.MdsMAC
	case "mds_ipv4":
		return e.MdsIPv4
	case "mds_ipv6":
		return e.MdsIPv6
	}
	return nil
}

// Query looks up the entry whose field equals value. Absence is a normal
// outcome and returns (nil, nil); only an unknown field name is an error.
// The returned pointer is the live entry, not a copy.
func (s *Store) Query(field, value string) (*models.Entry, error) {
	idx, ok := s.indices[field]
	if !ok {
		return nil, fmt.Errorf("%q: %w", field, ErrUnknownIndexField)
	}
	return idx[value], nil
}

// Entries returns the live entry slice, in insertion order. Callers iterate
// it read-only; mutations go through Upsert.
func (s *Store) Entries() []*models.Entry {
	return s.entries
}

// Len returns the number of entries in the store.
func (s *Store) Len() int {
	return len(s.entries)
}

// Locations returns the location records from the database metadata.
func (s *Store) Locations() map[string]*models.Location {
	return s.meta.Locations
}

// Metadata returns the database metadata envelope.
func (s *Store) Metadata() *models.Metadata {
	return s.meta
}

// Upsert adds entry to the store, or merges it into an existing entry with
// the same idField value. It returns the post-mutation state of the entry.
//
// The merge is field-level: every non-null field of entry replaces the
// corresponding field of the existing entry, a null field leaves the
// existing value unchanged. FirstSeen is set once by the creating upsert
// and never touched again; LastUpdate is refreshed on every call.
func (s *Store) Upsert(entry *models.Entry, idField string) (*models.Entry, error) {
	idx, ok := s.indices[idField]
	if !ok {
		return nil, fmt.Errorf("%q: %w", idField, ErrUnknownIndexField)
	}
	now := timestamp()
	id := fieldValue(entry, idField)
	var current *models.Entry
	if id != nil {
		current = idx[*id]
	}
	if current != nil {
		mergeEntry(current, entry)
		current.LastUpdate = &now
		log.Printf("Updated entry for %s (using %s)", *id, idField)
	} else {
		entry.FirstSeen = &now
		entry.LastUpdate = &now
		s.entries = append(s.entries, entry)
		current = entry
		log.Printf("Added entry for %s", entry)
	}
	s.reindex()
	if id != nil {
		return s.Query(idField, *id)
	}
	return current, nil
}

// UpsertRaw validates a raw JSON entry object against the canonical schema
// and upserts it. Unlike load-time migration, schema drift here is the
// caller's bug and is rejected before any mutation.
func (s *Store) UpsertRaw(raw map[string]json.RawMessage, idField string) (*models.Entry, error) {
	if err := models.CheckEntryKeys(raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEntry, err)
	}
	entry, err := models.DecodeEntry(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEntry, err)
	}
	return s.Upsert(entry, idField)
}

// mergeEntry copies every non-null data field of src onto dst. FirstSeen
// and LastUpdate are managed by Upsert, not merged.
func mergeEntry(dst, src *models.Entry) {
	if src.Location != nil {
		dst.Location = src.Location
	}
	if src.DomainName != nil {
		dst.DomainName = src.DomainName
	}
	if src.DomainUUID != nil {
		dst.DomainUUID = src.DomainUUID
	}
	if src.DomainMetadata != nil {
		dst.DomainMetadata = src.DomainMetadata
	}
	if src.MdsMAC != nil {
		dst.MdsMAC = src.MdsMAC
	}
	if src.MdsIPv4 != nil {
		dst.MdsIPv4 = src.MdsIPv4
	}
	if src.MdsIPv6 != nil {
		dst.MdsIPv6 = src.MdsIPv6
	}
}

// UpsertLocation records loc in the database metadata under name, following
// the same merge rule as entries: non-null fields replace, FirstSeen is
// immutable, LastSeen is always refreshed.
func (s *Store) UpsertLocation(name string, loc *models.Location) {
	now := timestamp()
	if current, ok := s.meta.Locations[name]; ok {
		if loc.Hostname != nil {
			current.Hostname = loc.Hostname
		}
		if loc.Version != nil {
			current.Version = loc.Version
		}
		current.LastSeen = &now
		log.Printf("Updated location data for %s", name)
	} else {
		loc.FirstSeen = &now
		loc.LastSeen = &now
		s.meta.Locations[name] = loc
		log.Printf("Added location data for %s", name)
	}
}

// Delete is a declared capability with no behavior: it validates idField
// and returns without mutating the store. Deleting an entry does not
// release its addresses for re-allocation; callers must not rely on
// deletion until a backend implements it.
func (s *Store) Delete(id, idField string) error {
	if _, ok := s.indices[idField]; !ok {
		return fmt.Errorf("%q: %w", idField, ErrUnknownIndexField)
	}
	return nil
}

// Save serialises the store to disk. With no argument it writes to the path
// the store was opened with; a transient store without a path is a no-op.
// The document is written to a temporary file next to the target and
// renamed into place, so a concurrent reader sees either the old complete
// file or the new one, never a torn write.
func (s *Store) Save(path ...string) error {
	target := s.path
	if len(path) > 0 && path[0] != "" {
		target = path[0]
	}
	if target == "" {
		return nil
	}
	doc := &models.Document{
		Metadata: s.meta,
		Entries:  s.entries,
	}
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		return err
	}
	log.Printf("Wrote %d records to %s", len(s.entries), target)
	return nil
}

// timestamp returns the current wall-clock time as float seconds, the
// format the database files have always used.
func timestamp() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
