package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/voxwire/voxwire/internal/bus"
	"github.com/voxwire/voxwire/pkg/audio"
	"github.com/voxwire/voxwire/pkg/types"
)

// RunTTSConsumer reads synthesized speech off the carrier TTS queue and
// plays it onto the matching live media stream until ctx is cancelled.
func (a *Adapter) RunTTSConsumer(ctx context.Context, conn *bus.Conn) error {
	return bus.Consume(ctx, conn, bus.QueueTwilioTTS, a.handleTTSFrame)
}

// handleTTSFrame reframes one synthesized blob into 160-byte (20 ms) media
// packets with inter-frame pacing for smooth carrier playback. A frame for
// a call whose stream is gone is dropped, not requeued.
func (a *Adapter) handleTTSFrame(ctx context.Context, d amqp.Delivery) error {
	var frame types.TwilioTTSFrame
	if err := json.Unmarshal(d.Body, &frame); err != nil {
		slog.Error("tts frame unmarshal failed", "err", err)
		return nil
	}

	s := a.stream(frame.CallSID)
	if s == nil {
		slog.Warn("tts frame for dead stream", "call_sid", frame.CallSID)
		return nil
	}

	mulaw, err := base64.StdEncoding.DecodeString(frame.AudioData)
	if err != nil {
		slog.Error("tts frame decode failed", "call_sid", frame.CallSID, "err", err)
		return nil
	}

	for _, packet := range audio.CarrierFrames(mulaw) {
		if err := s.sendMedia(ctx, packet); err != nil {
			slog.Warn("tts playback aborted", "call_sid", frame.CallSID, "err", err)
			return nil
		}
		if a.framePacing > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.framePacing):
			}
		}
	}
	return nil
}
