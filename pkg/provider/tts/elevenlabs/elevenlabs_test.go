package elevenlabs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/voxwire/voxwire/pkg/provider/tts"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("outputFormat = %q, want %q", p.outputFormat, defaultOutputFmt)
	}
}

func TestNew_Options(t *testing.T) {
	p, err := New("key", WithModel("eleven_turbo_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_turbo_v2" {
		t.Errorf("model = %q", p.model)
	}
	if p.outputFormat != "pcm_24000" {
		t.Errorf("outputFormat = %q", p.outputFormat)
	}
}

func TestBuildURLForVoice(t *testing.T) {
	got := buildURLForVoice("voice123", "eleven_flash_v2_5")
	if !strings.Contains(got, "/text-to-speech/voice123/stream-input") {
		t.Errorf("URL missing voice path: %s", got)
	}
	if !strings.Contains(got, "model_id=eleven_flash_v2_5") {
		t.Errorf("URL missing model param: %s", got)
	}
}

func TestSynthesizeStream_EmptyVoiceID(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	textCh := make(chan string)
	if _, err := p.SynthesizeStream(context.Background(), textCh, tts.Voice{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
}

func TestTextMessage_Shape(t *testing.T) {
	msg := textMessage{
		Text:          "Hello.",
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["text"] != "Hello." {
		t.Errorf("text = %v", decoded["text"])
	}
	vs, ok := decoded["voice_settings"].(map[string]any)
	if !ok {
		t.Fatal("voice_settings missing")
	}
	if vs["stability"] != 0.5 {
		t.Errorf("stability = %v", vs["stability"])
	}

	// Without voice settings the key must be omitted entirely.
	data, _ = json.Marshal(textMessage{Text: "More."})
	if strings.Contains(string(data), "voice_settings") {
		t.Errorf("voice_settings not omitted: %s", data)
	}
}
