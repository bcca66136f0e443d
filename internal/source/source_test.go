package source

import (
	"testing"

	"github.com/dkeye/focus/internal/domain"
)

func TestCompactOmitsDefaults(t *testing.T) {
	tests := []struct {
		name string
		src  Source
		want string
	}{
		{
			name: "minimal audio",
			src:  Source{SSRC: 1234, MediaType: MediaAudio},
			want: `{"s":1234}`,
		},
		{
			name: "named video",
			src:  Source{SSRC: 42, MediaType: MediaVideo, Name: "v0", MSID: "ms-a"},
			want: `{"s":42,"n":"v0","m":"ms-a"}`,
		},
		{
			name: "desktop injected",
			src:  Source{SSRC: 7, MediaType: MediaVideo, VideoType: VideoTypeDesktop, Injected: true},
			want: `{"s":7,"v":"desktop","i":true}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.src.Compact()
			if err != nil {
				t.Fatalf("Compact: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Compact = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseCompactRoundTrip(t *testing.T) {
	orig := Source{
		SSRC:      99,
		MediaType: MediaVideo,
		Name:      "v1",
		MSID:      "ms-b",
		VideoType: VideoTypeCamera,
	}
	data, err := orig.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	got, err := ParseCompact(data, MediaVideo)
	if err != nil {
		t.Fatalf("ParseCompact: %v", err)
	}
	if got != orig {
		t.Errorf("round trip = %+v, want %+v", got, orig)
	}
}

func TestParseCompactBadInput(t *testing.T) {
	if _, err := ParseCompact([]byte("{"), MediaAudio); err == nil {
		t.Error("expected error for truncated input")
	}
}

func TestWireRoundTrip(t *testing.T) {
	orig := Source{
		SSRC:      555,
		MediaType: MediaAudio,
		Name:      "a0",
		MSID:      "ms-c",
		Injected:  true,
	}
	owner := domain.EndpointID("ep-1")

	w := orig.ToWire(owner)
	if w.Owner != "ep-1" {
		t.Errorf("wire owner = %q, want ep-1", w.Owner)
	}

	got, gotOwner, err := ParseWire(w)
	if err != nil {
		t.Fatalf("ParseWire: %v", err)
	}
	if got != orig {
		t.Errorf("round trip = %+v, want %+v", got, orig)
	}
	if gotOwner != owner {
		t.Errorf("owner = %q, want %q", gotOwner, owner)
	}
}

func TestParseWireUnknownMedia(t *testing.T) {
	if _, _, err := ParseWire(Wire{SSRC: 1, MediaType: "hologram"}); err == nil {
		t.Error("expected error for unknown media type")
	}
}
