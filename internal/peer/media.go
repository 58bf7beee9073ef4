package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// SilentAudioSource publishes a single opus track carrying silence. It
// keeps negotiation honest for headless clients that have no capture
// device but still need an audio section in their offers.
type SilentAudioSource struct {
	track *webrtc.TrackLocalStaticSample
}

func NewSilentAudioSource() (*SilentAudioSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "parlor-silence",
	)
	if err != nil {
		return nil, fmt.Errorf("peer: create silent track: %w", err)
	}
	return &SilentAudioSource{track: track}, nil
}

func (s *SilentAudioSource) Tracks() ([]webrtc.TrackLocal, error) {
	return []webrtc.TrackLocal{s.track}, nil
}

// Pump writes a silent opus frame every 20ms until ctx is cancelled.
func (s *SilentAudioSource) Pump(ctx context.Context) error {
	// Canonical opus silence frame.
	silence := []byte{0xf8, 0xff, 0xfe}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := s.track.WriteSample(media.Sample{
				Data:     silence,
				Duration: 20 * time.Millisecond,
			})
			if err != nil {
				return fmt.Errorf("peer: write silence: %w", err)
			}
		}
	}
}

// NoMediaSource attaches no tracks at all; sessions negotiate transport
// only.
type NoMediaSource struct{}

func (NoMediaSource) Tracks() ([]webrtc.TrackLocal, error) { return nil, nil }
