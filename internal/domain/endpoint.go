// Package domain contains entity without logic, just meta-data
package domain

// EndpointID is the conference-scoped address of a participant, assigned by
// the membership collaborator when the participant enters the room.
type EndpointID string

// Feature names a capability advertised by a participant's client.
type Feature string

const (
	FeatureAudio       Feature = "audio"
	FeatureVideo       Feature = "video"
	FeatureRtx         Feature = "rtx"
	FeatureSctp        Feature = "sctp"
	FeatureRemb        Feature = "remb"
	FeatureTcc         Feature = "tcc"
	FeatureJSONSources Feature = "json-sources"
)

// Features is the set of capabilities discovered for one participant.
type Features map[Feature]bool

// NewFeatures avoids raw map literals in adapters and keeps construction obvious.
func NewFeatures(list ...Feature) Features {
	f := make(Features, len(list))
	for _, name := range list {
		f[name] = true
	}
	return f
}

func (f Features) Has(name Feature) bool { return f[name] }
