package source

import "slices"

// GroupSemantics names how the members of an SSRC group relate.
type GroupSemantics string

const (
	// SemanticsSim groups simulcast layers of one video source.
	SemanticsSim GroupSemantics = "SIM"
	// SemanticsFid pairs a source with its RTX retransmission stream.
	SemanticsFid GroupSemantics = "FID"
)

// SsrcGroup is a named set of sources that must be treated as one
// simulcast/FID unit: stripped together, advertised together.
type SsrcGroup struct {
	Semantics GroupSemantics
	SSRCs     []uint32
}

func (g SsrcGroup) Copy() SsrcGroup {
	return SsrcGroup{Semantics: g.Semantics, SSRCs: slices.Clone(g.SSRCs)}
}

// Primary returns the first member, the one that survives stripping.
func (g SsrcGroup) Primary() (uint32, bool) {
	if len(g.SSRCs) == 0 {
		return 0, false
	}
	return g.SSRCs[0], true
}

// Secondaries returns every member except the primary.
func (g SsrcGroup) Secondaries() []uint32 {
	if len(g.SSRCs) < 2 {
		return nil
	}
	return g.SSRCs[1:]
}
