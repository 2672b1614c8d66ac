package tts_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxwire/voxwire/pkg/provider/tts"
	"github.com/voxwire/voxwire/pkg/provider/tts/mock"
)

func TestCollect_ConcatenatesChunks(t *testing.T) {
	p := &mock.StreamProvider{Audio: [][]byte{{1, 2}, {3, 4}, {5}}}

	pcm, err := tts.Collect(context.Background(), p, "say this", tts.Voice{ID: "v"})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := []byte{1, 2, 3, 4, 5}
	if len(pcm) != len(want) {
		t.Fatalf("pcm length = %d, want %d", len(pcm), len(want))
	}
	for i := range want {
		if pcm[i] != want[i] {
			t.Fatalf("pcm[%d] = %d, want %d", i, pcm[i], want[i])
		}
	}
	if p.CallCount() != 1 {
		t.Errorf("call count = %d, want 1", p.CallCount())
	}
	if p.Calls[0] != "say this" {
		t.Errorf("synthesised text = %q, want %q", p.Calls[0], "say this")
	}
}

func TestVoiceLookup_Resolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voices/primary_agent" {
			t.Errorf("path = %q, want /voices/primary_agent", r.URL.Path)
		}
		json.NewEncoder(w).Encode(tts.Voice{ID: "v42", Name: "Nova", Provider: "elevenlabs"})
	}))
	defer srv.Close()

	l, err := tts.NewVoiceLookup(srv.URL)
	if err != nil {
		t.Fatalf("NewVoiceLookup: %v", err)
	}

	v, err := l.Resolve(context.Background(), "primary_agent")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.ID != "v42" {
		t.Errorf("voice ID = %q, want %q", v.ID, "v42")
	}
	if v.Provider != "elevenlabs" {
		t.Errorf("voice provider = %q, want %q", v.Provider, "elevenlabs")
	}
}

func TestVoiceLookup_MissingVoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(tts.Voice{})
	}))
	defer srv.Close()

	l, err := tts.NewVoiceLookup(srv.URL)
	if err != nil {
		t.Fatalf("NewVoiceLookup: %v", err)
	}
	if _, err := l.Resolve(context.Background(), "ghost"); err == nil {
		t.Error("Resolve() error = nil, want non-nil for empty voice ID")
	}
}

func TestVoiceLookup_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such agent", http.StatusNotFound)
	}))
	defer srv.Close()

	l, err := tts.NewVoiceLookup(srv.URL)
	if err != nil {
		t.Fatalf("NewVoiceLookup: %v", err)
	}
	if _, err := l.Resolve(context.Background(), "unknown"); err == nil {
		t.Error("Resolve() error = nil, want non-nil on 404")
	}
}
