package source

import (
	"errors"
	"testing"

	"github.com/dkeye/focus/internal/domain"
)

const (
	epA = domain.EndpointID("ep-a")
	epB = domain.EndpointID("ep-b")
)

func audioSrc(ssrc uint32) Source {
	return Source{SSRC: ssrc, MediaType: MediaAudio}
}

func videoSrc(ssrc uint32) Source {
	return Source{SSRC: ssrc, MediaType: MediaVideo}
}

func TestAddSources(t *testing.T) {
	m := NewConferenceSourceMap()
	if err := m.AddSources(epA, []Source{audioSrc(1), videoSrc(2)}); err != nil {
		t.Fatalf("AddSources: %v", err)
	}
	if got := len(m.Sources(epA)); got != 2 {
		t.Errorf("sources for %s = %d, want 2", epA, got)
	}
}

func TestAddDuplicateSameOwnerIsDropped(t *testing.T) {
	m := NewConferenceSourceMap()
	if err := m.AddSources(epA, []Source{audioSrc(1)}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := m.AddSources(epA, []Source{audioSrc(1)}); err != nil {
		t.Fatalf("second add: %v", err)
	}
	if got := len(m.Sources(epA)); got != 1 {
		t.Errorf("sources after duplicate add = %d, want 1", got)
	}
}

func TestAddCrossOwnerConflictRejectsWholeMerge(t *testing.T) {
	m := NewConferenceSourceMap()
	if err := m.AddSources(epA, []Source{audioSrc(1)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// One colliding SSRC must reject the whole merge, including the clean
	// entries that came with it.
	other := ConferenceSourceMap{
		epB: {Sources: []Source{audioSrc(99), audioSrc(1)}},
	}
	err := m.Add(other)
	if err == nil {
		t.Fatal("expected conflict error")
	}
	var conflict *SSRCConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %T, want *SSRCConflictError", err)
	}
	if conflict.SSRC != 1 || conflict.Existing != epA || conflict.Claimed != epB {
		t.Errorf("conflict = %+v", conflict)
	}
	if got := m.Sources(epB); got != nil {
		t.Errorf("map modified on rejected merge: %v", got)
	}
}

func TestCopyIsIndependent(t *testing.T) {
	m := NewConferenceSourceMap()
	if err := m.AddSources(epA, []Source{audioSrc(1)}, SsrcGroup{Semantics: SemanticsFid, SSRCs: []uint32{1, 2}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cp := m.Copy()
	if err := cp.AddSources(epA, []Source{audioSrc(5)}); err != nil {
		t.Fatalf("add to copy: %v", err)
	}
	cp[epA].Groups[0].SSRCs[0] = 777

	if got := len(m.Sources(epA)); got != 1 {
		t.Errorf("original grew with copy, len = %d", got)
	}
	if m[epA].Groups[0].SSRCs[0] != 1 {
		t.Error("group mutation leaked into original")
	}
}

func TestRemove(t *testing.T) {
	m := NewConferenceSourceMap()
	if err := m.AddSources(epA, []Source{audioSrc(1)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m.Remove(epA)
	m.Remove(epB) // absent owner is a no-op
	if !m.IsEmpty() {
		t.Error("map not empty after remove")
	}
}

func TestStripSimulcast(t *testing.T) {
	m := ConferenceSourceMap{
		epA: {
			Sources: []Source{videoSrc(10), videoSrc(11), videoSrc(12), audioSrc(20)},
			Groups:  []SsrcGroup{{Semantics: SemanticsSim, SSRCs: []uint32{10, 11, 12}}},
		},
	}
	m.Strip(true, false)

	got := m.Sources(epA)
	if len(got) != 2 {
		t.Fatalf("sources after strip = %v, want primary and audio only", got)
	}
	for _, s := range got {
		if s.SSRC == 11 || s.SSRC == 12 {
			t.Errorf("secondary layer %d survived strip", s.SSRC)
		}
	}
	if len(m[epA].Groups) != 0 {
		t.Errorf("SIM group survived strip: %v", m[epA].Groups)
	}
}

func TestStripRtx(t *testing.T) {
	m := ConferenceSourceMap{
		epA: {
			Sources: []Source{videoSrc(10), videoSrc(11)},
			Groups:  []SsrcGroup{{Semantics: SemanticsFid, SSRCs: []uint32{10, 11}}},
		},
	}
	m.Strip(false, true)

	if got := m.Sources(epA); len(got) != 1 || got[0].SSRC != 10 {
		t.Errorf("sources after rtx strip = %v, want only 10", got)
	}
}

func TestStripIsIdempotent(t *testing.T) {
	m := ConferenceSourceMap{
		epA: {
			Sources: []Source{videoSrc(10), videoSrc(11), videoSrc(12)},
			Groups:  []SsrcGroup{{Semantics: SemanticsSim, SSRCs: []uint32{10, 11, 12}}},
		},
	}
	m.Strip(true, true).Strip(true, true)

	if got := m.Sources(epA); len(got) != 1 || got[0].SSRC != 10 {
		t.Errorf("sources after double strip = %v, want only 10", got)
	}
}

func TestStripDropsEmptiedOwner(t *testing.T) {
	m := ConferenceSourceMap{
		epA: {Groups: []SsrcGroup{{Semantics: SemanticsSim, SSRCs: []uint32{1, 2}}}},
	}
	m.Strip(true, false)
	if _, ok := m[epA]; ok {
		t.Error("emptied owner entry kept")
	}
}

func TestStripByMediaType(t *testing.T) {
	m := ConferenceSourceMap{
		epA: {
			Sources: []Source{audioSrc(1), videoSrc(10), videoSrc(11)},
			Groups:  []SsrcGroup{{Semantics: SemanticsFid, SSRCs: []uint32{10, 11}}},
		},
		epB: {Sources: []Source{videoSrc(30)}},
	}
	m.StripByMediaType(NewMediaTypes(MediaAudio))

	if got := m.Sources(epA); len(got) != 1 || got[0].MediaType != MediaAudio {
		t.Errorf("sources for %s = %v, want audio only", epA, got)
	}
	if len(m[epA].Groups) != 0 {
		t.Errorf("group with removed primary kept: %v", m[epA].Groups)
	}
	if _, ok := m[epB]; ok {
		t.Error("video-only owner should be dropped entirely")
	}
}

func TestToCompactGroupsByMediaType(t *testing.T) {
	m := ConferenceSourceMap{
		epA: {Sources: []Source{audioSrc(1), videoSrc(2), videoSrc(3)}},
	}
	compact, err := m.ToCompact()
	if err != nil {
		t.Fatalf("ToCompact: %v", err)
	}
	byMedia := compact[epA]
	if len(byMedia["audio"]) != 1 || len(byMedia["video"]) != 2 {
		t.Errorf("compact grouping = %v", byMedia)
	}
	if got := string(byMedia["audio"][0]); got != `{"s":1}` {
		t.Errorf("compact entry = %s, want {\"s\":1}", got)
	}
}

func TestToWireAttachesOwner(t *testing.T) {
	m := ConferenceSourceMap{
		epA: {Sources: []Source{audioSrc(1)}},
		epB: {Sources: []Source{videoSrc(2)}},
	}
	wires := m.ToWire()
	if len(wires) != 2 {
		t.Fatalf("wire count = %d, want 2", len(wires))
	}
	byOwner := make(map[string]uint32)
	for _, w := range wires {
		byOwner[w.Owner] = w.SSRC
	}
	if byOwner["ep-a"] != 1 || byOwner["ep-b"] != 2 {
		t.Errorf("wire ownership = %v", byOwner)
	}
}
