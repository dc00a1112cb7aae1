// Package reference holds the static country/document table that decides
// which machine-readable scan a document needs and whether its back side
// must be captured.
package reference

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// Modality is the machine-readable scan technique used for a document.
type Modality string

const (
	ModalityUnknown Modality = "unknown"
	ModalityMRZ     Modality = "mrz"
	ModalityBarcode Modality = "barcode"
)

var mrzTypes = map[string]struct{}{
	"TD1": {}, "TD2": {}, "TD3": {},
	"TD1 F": {}, "TD2 F": {}, "TD3 F": {},
	"TD1 B": {}, "TD2 B": {}, "TD3 B": {},
}

var barcodeTypes = map[string]struct{}{
	"PDF417": {}, "PDF417 B": {}, "PDF417 F": {},
	"QR B": {}, "QR F": {}, "QR AADHAAR": {},
	"ITF B": {}, "ITF F": {},
}

// documentLabels names the common document type codes for selection screens.
var documentLabels = map[string]string{
	"PP":      "Passport",
	"DL":      "Driving License",
	"NI":      "National ID",
	"AADHAAR": "Aadhaar",
}

//go:embed reference.json
var embedded []byte

// Row is one record of the reference dataset as shipped.
type Row struct {
	ID              int    `json:"id"`
	Country         string `json:"country"`
	CountryCode     string `json:"country_code"`
	Type            string `json:"type"`
	AlternativeText string `json:"alternative_text"`
	Barcode         string `json:"barcode"`
}

// Entry is a canonicalized row with its derived scan requirements.
type Entry struct {
	Country         string   `json:"country"`
	CountryCode     string   `json:"country_code"`
	DocumentType    string   `json:"document_type"`
	AlternativeText string   `json:"alternative_text"`
	Barcode         string   `json:"barcode"`
	Modality        Modality `json:"modality"`
	RequiresBack    bool     `json:"requires_back"`

	typeKey string
	altKey  string
}

// Country is one selectable issuing country.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// DocumentOption is one selectable document type for a country.
type DocumentOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Table is an immutable, in-memory reference table. It is safe for concurrent use.
type Table struct {
	entries   []Entry
	byCountry map[string][]int
}

// Classify maps a reference barcode type to its modality and back-side requirement.
// The back side is required when the type carries a "B" qualifier ("TD1 B", "PDF417 B").
func Classify(barcode string) (Modality, bool) {
	code := canonicalBarcode(barcode)
	requiresBack := false
	for i, field := range strings.Fields(code) {
		if i > 0 && field == "B" {
			requiresBack = true
		}
	}

	if _, ok := mrzTypes[code]; ok {
		return ModalityMRZ, requiresBack
	}
	if _, ok := barcodeTypes[code]; ok {
		return ModalityBarcode, requiresBack
	}
	return ModalityUnknown, requiresBack
}

// New builds a table from raw rows, canonicalizing every key once.
func New(rows []Row) *Table {
	t := &Table{
		entries:   make([]Entry, 0, len(rows)),
		byCountry: make(map[string][]int),
	}
	for _, row := range rows {
		modality, requiresBack := Classify(row.Barcode)
		entry := Entry{
			Country:         strings.TrimSpace(row.Country),
			CountryCode:     canonicalCountry(row.CountryCode),
			DocumentType:    strings.TrimSpace(row.Type),
			AlternativeText: strings.TrimSpace(row.AlternativeText),
			Barcode:         canonicalBarcode(row.Barcode),
			Modality:        modality,
			RequiresBack:    requiresBack,
			typeKey:         canonicalDocumentType(row.Type),
			altKey:          canonicalDocumentType(row.AlternativeText),
		}
		t.byCountry[entry.CountryCode] = append(t.byCountry[entry.CountryCode], len(t.entries))
		t.entries = append(t.entries, entry)
	}
	return t
}

// Load decodes a JSON array of rows.
func Load(r io.Reader) (*Table, error) {
	var rows []Row
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("reference: decode rows: %w", err)
	}
	return New(rows), nil
}

// LoadFile reads a reference dataset from disk.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reference: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

var defaultTable = sync.OnceValue(func() *Table {
	var rows []Row
	if err := json.Unmarshal(embedded, &rows); err != nil {
		panic(fmt.Sprintf("reference: embedded dataset is invalid: %v", err))
	}
	return New(rows)
})

// Default returns the table built from the embedded dataset.
func Default() *Table {
	return defaultTable()
}

// Lookup finds the entry for an exact country code and a case-insensitive
// match on either the document type code or its alternate label.
// A miss is a normal result, not an error.
func (t *Table) Lookup(countryCode, documentType string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	key := canonicalDocumentType(documentType)
	if key == "" {
		return Entry{}, false
	}
	for _, idx := range t.byCountry[canonicalCountry(countryCode)] {
		entry := t.entries[idx]
		if entry.typeKey == key || entry.altKey == key {
			return entry, true
		}
	}
	return Entry{}, false
}

// Len reports the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns a copy of every entry in dataset order.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Countries lists the distinct issuing countries sorted by name.
func (t *Table) Countries() []Country {
	if t == nil {
		return nil
	}
	out := make([]Country, 0, len(t.byCountry))
	for code, idxs := range t.byCountry {
		out = append(out, Country{Code: code, Name: t.entries[idxs[0]].Country})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Code < out[j].Code
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// DocumentTypes lists the distinct document types offered for a country.
func (t *Table) DocumentTypes(countryCode string) []DocumentOption {
	if t == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []DocumentOption
	for _, idx := range t.byCountry[canonicalCountry(countryCode)] {
		entry := t.entries[idx]
		value := entry.DocumentType
		if value == "" {
			value = entry.AlternativeText
		}
		key := canonicalDocumentType(value)
		if _, dup := seen[key]; dup || key == "" {
			continue
		}
		seen[key] = struct{}{}

		label, ok := documentLabels[strings.ToUpper(value)]
		if !ok {
			label = entry.AlternativeText
		}
		if label == "" {
			label = value
		}
		out = append(out, DocumentOption{Value: value, Label: label})
	}
	return out
}

func canonicalCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func canonicalDocumentType(docType string) string {
	return strings.ToLower(strings.TrimSpace(docType))
}

func canonicalBarcode(barcode string) string {
	return strings.ToUpper(strings.Join(strings.Fields(barcode), " "))
}
