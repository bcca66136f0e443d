// Package source holds the conference-wide media source model: immutable
// per-stream descriptors and the per-conference map of who advertises what.
package source

import "fmt"

// MediaType tags a source as audio or video.
type MediaType int

const (
	MediaAudio MediaType = iota
	MediaVideo
)

func (m MediaType) String() string {
	switch m {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	default:
		return fmt.Sprintf("media(%d)", int(m))
	}
}

func ParseMediaType(s string) (MediaType, error) {
	switch s {
	case "audio":
		return MediaAudio, nil
	case "video":
		return MediaVideo, nil
	default:
		return 0, fmt.Errorf("unknown media type %q", s)
	}
}

// MediaTypes is an allow-set used when filtering a source map down to what a
// participant can actually receive.
type MediaTypes map[MediaType]bool

func NewMediaTypes(list ...MediaType) MediaTypes {
	m := make(MediaTypes, len(list))
	for _, mt := range list {
		m[mt] = true
	}
	return m
}

// VideoType distinguishes a camera feed from screen sharing.
type VideoType string

const (
	VideoTypeNone    VideoType = ""
	VideoTypeCamera  VideoType = "camera"
	VideoTypeDesktop VideoType = "desktop"
)
