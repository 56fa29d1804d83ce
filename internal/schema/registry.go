package schema

import (
	"fmt"
	"strings"
)

// DefaultNoAmendPrefix marks class codes whose segment rejects in-place amendment.
const DefaultNoAmendPrefix = "TQ"

// InstrumentInfo describes a tradable instrument known by alias.
type InstrumentInfo struct {
	Alias      string
	Instrument Instrument
	LotSize    int64
}

// Registry stores alias and instrument mappings plus per-segment capabilities.
// It is populated once at startup and read concurrently afterwards.
type Registry struct {
	instruments  []InstrumentInfo
	byAlias      map[string]int
	byInstrument map[Instrument]int
	amend        map[string]bool
	noAmendPrefs []string
}

// NewRegistry creates an empty registry with the default segment rule.
func NewRegistry() *Registry {
	return &Registry{
		byAlias:      make(map[string]int),
		byInstrument: make(map[Instrument]int),
		amend:        make(map[string]bool),
		noAmendPrefs: []string{DefaultNoAmendPrefix},
	}
}

// AddInstrument registers an alias for an instrument.
func (r *Registry) AddInstrument(alias string, ins Instrument, lotSize int64) error {
	if alias == "" {
		return fmt.Errorf("instrument alias is empty")
	}
	if ins.ClassCode == "" || ins.SecCode == "" {
		return fmt.Errorf("instrument %s needs class and sec code", alias)
	}
	if _, ok := r.byAlias[alias]; ok {
		return fmt.Errorf("instrument alias already exists: %s", alias)
	}
	if other, ok := r.byInstrument[ins]; ok {
		return fmt.Errorf("instrument %s already registered as %s", ins, r.instruments[other].Alias)
	}
	if lotSize <= 0 {
		lotSize = 1
	}
	r.instruments = append(r.instruments, InstrumentInfo{Alias: alias, Instrument: ins, LotSize: lotSize})
	idx := len(r.instruments) - 1
	r.byAlias[alias] = idx
	r.byInstrument[ins] = idx
	return nil
}

// SetSegmentAmend overrides the amend capability of a class code.
func (r *Registry) SetSegmentAmend(classCode string, supported bool) {
	r.amend[classCode] = supported
}

// SetNoAmendPrefixes replaces the class code prefixes that default to no amend support.
func (r *Registry) SetNoAmendPrefixes(prefixes []string) {
	r.noAmendPrefs = append([]string(nil), prefixes...)
}

// SupportsAmend reports whether orders on classCode can be modified in place.
func (r *Registry) SupportsAmend(classCode string) bool {
	if v, ok := r.amend[classCode]; ok {
		return v
	}
	for _, prefix := range r.noAmendPrefs {
		if prefix != "" && strings.HasPrefix(classCode, prefix) {
			return false
		}
	}
	return true
}

// ByAlias returns the instrument registered under alias.
func (r *Registry) ByAlias(alias string) (InstrumentInfo, bool) {
	idx, ok := r.byAlias[alias]
	if !ok {
		return InstrumentInfo{}, false
	}
	return r.instruments[idx], true
}

// AliasOf returns the alias of an instrument.
func (r *Registry) AliasOf(ins Instrument) (string, bool) {
	idx, ok := r.byInstrument[ins]
	if !ok {
		return "", false
	}
	return r.instruments[idx].Alias, true
}

// Count returns the number of instruments in the registry.
func (r *Registry) Count() int {
	return len(r.instruments)
}

// At returns the instrument by zero-based index.
func (r *Registry) At(index int) (InstrumentInfo, bool) {
	if index < 0 || index >= len(r.instruments) {
		return InstrumentInfo{}, false
	}
	return r.instruments[index], true
}
