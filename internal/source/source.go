package source

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/focus/internal/domain"
)

// OwnerBridge is the sentinel owner for sources synthesized by a bridge
// rather than advertised by a real endpoint.
const OwnerBridge = domain.EndpointID("bridge")

// Source is one media source advertised by one endpoint. It is an immutable
// value: never mutated in place, only replaced.
type Source struct {
	SSRC      uint32
	MediaType MediaType
	Name      string
	MSID      string
	VideoType VideoType
	Injected  bool
}

func (s Source) String() string {
	return fmt.Sprintf("%s:%d", s.MediaType, s.SSRC)
}

// compactSource is the compact machine-readable form. Field order is the
// wire key order (s, n, m, v, i); every default-valued field is omitted so
// the output stays byte-stable for logging and diffing.
type compactSource struct {
	SSRC      uint32 `json:"s"`
	Name      string `json:"n,omitempty"`
	MSID      string `json:"m,omitempty"`
	VideoType string `json:"v,omitempty"`
	Injected  bool   `json:"i,omitempty"`
}

// Compact returns the compact serialization of the source. The media type is
// carried by the enclosing per-media-type container, not repeated per entry.
func (s Source) Compact() ([]byte, error) {
	return json.Marshal(compactSource{
		SSRC:      s.SSRC,
		Name:      s.Name,
		MSID:      s.MSID,
		VideoType: string(s.VideoType),
		Injected:  s.Injected,
	})
}

// ParseCompact reconstructs a source from its compact form. The media type
// comes from the container the entry was read from.
func ParseCompact(data []byte, mediaType MediaType) (Source, error) {
	var c compactSource
	if err := json.Unmarshal(data, &c); err != nil {
		return Source{}, fmt.Errorf("bad compact source: %w", err)
	}
	return Source{
		SSRC:      c.SSRC,
		MediaType: mediaType,
		Name:      c.Name,
		MSID:      c.MSID,
		VideoType: VideoType(c.VideoType),
		Injected:  c.Injected,
	}, nil
}

// Wire is the structured element form of a source. The owner is not part of
// the Source value; it is attached only at serialization time.
type Wire struct {
	SSRC      uint32 `json:"ssrc"`
	MediaType string `json:"mediaType"`
	Name      string `json:"name,omitempty"`
	MSID      string `json:"msid,omitempty"`
	VideoType string `json:"videoType,omitempty"`
	Injected  bool   `json:"injected,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

// ToWire serializes the source for the given owning identity.
func (s Source) ToWire(owner domain.EndpointID) Wire {
	return Wire{
		SSRC:      s.SSRC,
		MediaType: s.MediaType.String(),
		Name:      s.Name,
		MSID:      s.MSID,
		VideoType: string(s.VideoType),
		Injected:  s.Injected,
		Owner:     string(owner),
	}
}

// ParseWire reconstructs a source and its owner from the wire form.
func ParseWire(w Wire) (Source, domain.EndpointID, error) {
	mt, err := ParseMediaType(w.MediaType)
	if err != nil {
		return Source{}, "", err
	}
	s := Source{
		SSRC:      w.SSRC,
		MediaType: mt,
		Name:      w.Name,
		MSID:      w.MSID,
		VideoType: VideoType(w.VideoType),
		Injected:  w.Injected,
	}
	return s, domain.EndpointID(w.Owner), nil
}
