package source

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/dkeye/focus/internal/domain"
)

// EndpointSources is one owner's ordered sources and groups.
type EndpointSources struct {
	Sources []Source
	Groups  []SsrcGroup
}

func (e *EndpointSources) Copy() *EndpointSources {
	out := &EndpointSources{
		Sources: slices.Clone(e.Sources),
		Groups:  make([]SsrcGroup, 0, len(e.Groups)),
	}
	for _, g := range e.Groups {
		out.Groups = append(out.Groups, g.Copy())
	}
	return out
}

func (e *EndpointSources) isEmpty() bool {
	return len(e.Sources) == 0 && len(e.Groups) == 0
}

// SSRCConflictError reports a single SSRC value claimed by two different
// owners. The merge that detected it was not applied.
type SSRCConflictError struct {
	SSRC     uint32
	Existing domain.EndpointID
	Claimed  domain.EndpointID
}

func (e *SSRCConflictError) Error() string {
	return fmt.Sprintf("ssrc %d already owned by %s, claimed by %s", e.SSRC, e.Existing, e.Claimed)
}

// ConferenceSourceMap maps owner identity to that owner's source set. One
// instance exists per conference; an absent owner entry is equivalent to
// empty. Mutations happen only under the owning conference's serialization
// discipline; concurrent readers must work on a Copy.
type ConferenceSourceMap map[domain.EndpointID]*EndpointSources

func NewConferenceSourceMap() ConferenceSourceMap {
	return make(ConferenceSourceMap)
}

// Copy returns a deep, independent snapshot.
func (m ConferenceSourceMap) Copy() ConferenceSourceMap {
	out := make(ConferenceSourceMap, len(m))
	for owner, es := range m {
		out[owner] = es.Copy()
	}
	return out
}

// AddSources appends sources and groups for one owner. It checks the new
// SSRCs against every existing owner; on a cross-owner collision nothing is
// applied and an *SSRCConflictError is returned.
func (m ConferenceSourceMap) AddSources(owner domain.EndpointID, sources []Source, groups ...SsrcGroup) error {
	other := ConferenceSourceMap{owner: {Sources: sources, Groups: groups}}
	return m.Add(other)
}

// Add unions another map into this one. A single SSRC value must never be
// claimed by two owners at once: on any cross-owner collision the whole
// merge is rejected and the receiver is left untouched. Within the same
// owner, duplicate sources are dropped.
func (m ConferenceSourceMap) Add(other ConferenceSourceMap) error {
	owners := make(map[uint32]domain.EndpointID)
	for owner, es := range m {
		for _, s := range es.Sources {
			owners[s.SSRC] = owner
		}
	}
	for owner, es := range other {
		for _, s := range es.Sources {
			if existing, ok := owners[s.SSRC]; ok && existing != owner {
				return &SSRCConflictError{SSRC: s.SSRC, Existing: existing, Claimed: owner}
			}
		}
	}

	for owner, es := range other {
		dst, ok := m[owner]
		if !ok {
			m[owner] = es.Copy()
			continue
		}
		for _, s := range es.Sources {
			if !slices.Contains(dst.Sources, s) {
				dst.Sources = append(dst.Sources, s)
			}
		}
		for _, g := range es.Groups {
			dst.Groups = append(dst.Groups, g.Copy())
		}
	}
	return nil
}

// Remove drops one owner's entries; no-op if absent.
func (m ConferenceSourceMap) Remove(owner domain.EndpointID) {
	delete(m, owner)
}

// Strip removes grouped simulcast layers and/or RTX-only sources in place,
// keeping each group's primary. The reduced map is safe to send to
// endpoints that do not need the full layer set. Stripping an
// already-stripped map is a no-op. Returns the receiver for chaining.
func (m ConferenceSourceMap) Strip(stripSimulcast, stripRtx bool) ConferenceSourceMap {
	for owner, es := range m {
		drop := make(map[uint32]bool)
		kept := es.Groups[:0]
		for _, g := range es.Groups {
			switch {
			case stripSimulcast && g.Semantics == SemanticsSim,
				stripRtx && g.Semantics == SemanticsFid:
				for _, ssrc := range g.Secondaries() {
					drop[ssrc] = true
				}
			default:
				kept = append(kept, g)
			}
		}
		es.Groups = kept
		if len(drop) > 0 {
			es.Sources = slices.DeleteFunc(es.Sources, func(s Source) bool {
				return drop[s.SSRC]
			})
		}
		if es.isEmpty() {
			delete(m, owner)
		}
	}
	return m
}

// StripByMediaType removes all sources whose media type is not allowed.
// Groups whose primary is gone are dropped with it.
func (m ConferenceSourceMap) StripByMediaType(allowed MediaTypes) ConferenceSourceMap {
	for owner, es := range m {
		removed := make(map[uint32]bool)
		es.Sources = slices.DeleteFunc(es.Sources, func(s Source) bool {
			if !allowed[s.MediaType] {
				removed[s.SSRC] = true
				return true
			}
			return false
		})
		if len(removed) > 0 {
			es.Groups = slices.DeleteFunc(es.Groups, func(g SsrcGroup) bool {
				primary, ok := g.Primary()
				return !ok || removed[primary]
			})
		}
		if es.isEmpty() {
			delete(m, owner)
		}
	}
	return m
}

// Sources returns one owner's sources, or nil when absent.
func (m ConferenceSourceMap) Sources(owner domain.EndpointID) []Source {
	if es, ok := m[owner]; ok {
		return es.Sources
	}
	return nil
}

// ToWire flattens the map into wire elements, attaching each owner.
func (m ConferenceSourceMap) ToWire() []Wire {
	var out []Wire
	for owner, es := range m {
		for _, s := range es.Sources {
			out = append(out, s.ToWire(owner))
		}
	}
	return out
}

// ToCompact renders every owner's sources in the compact form, grouped by
// media type (the container carries the type, entries omit it).
func (m ConferenceSourceMap) ToCompact() (map[domain.EndpointID]map[string][]json.RawMessage, error) {
	out := make(map[domain.EndpointID]map[string][]json.RawMessage, len(m))
	for owner, es := range m {
		byMedia := make(map[string][]json.RawMessage)
		for _, s := range es.Sources {
			b, err := s.Compact()
			if err != nil {
				return nil, err
			}
			byMedia[s.MediaType.String()] = append(byMedia[s.MediaType.String()], b)
		}
		out[owner] = byMedia
	}
	return out, nil
}

func (m ConferenceSourceMap) IsEmpty() bool {
	for _, es := range m {
		if !es.isEmpty() {
			return false
		}
	}
	return true
}
