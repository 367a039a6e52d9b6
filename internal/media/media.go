// Package media is the boundary to the local media collaborator. The call
// engine only needs scoped access to outbound tracks; device capture lives
// behind the Acquirer so deployments can plug in real microphones/cameras
// without the engine knowing.
package media

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// ErrAcquisitionDenied is returned when the platform refuses access to the
// requested capture devices. It is fatal for the call attempt: no retry.
var ErrAcquisitionDenied = errors.New("media acquisition denied")

// Constraints describes which outbound media the caller wants.
type Constraints struct {
	Audio bool
	Video bool
}

// Source is a scoped handle over the acquired local tracks. Close releases
// the underlying devices and must be safe to call more than once; the
// termination path may race a failed setup path.
type Source interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Acquirer obtains a Source for the given constraints. Implementations map
// platform permission failures to ErrAcquisitionDenied.
type Acquirer func(Constraints) (Source, error)

type staticSource struct {
	tracks []webrtc.TrackLocal

	mu     sync.Mutex
	closed bool
}

// Synthetic returns a Source backed by sample tracks that carry no device
// capture. It satisfies negotiation (the SDP advertises real audio/video
// sections) and is what tests and the loopback demo use. Constraints with
// neither audio nor video yield a track-less source; the negotiation guard
// rejects it before any record is written.
func Synthetic(c Constraints) (Source, error) {
	src := &staticSource{}
	streamID := "voxline-" + uuid.NewString()

	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			return nil, err
		}
		src.tracks = append(src.tracks, track)
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, err
		}
		src.tracks = append(src.tracks, track)
	}
	return src, nil
}

func (s *staticSource) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *staticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Static tracks hold no device handles; Close only needs to be
	// idempotent so double release is harmless.
	s.closed = true
	return nil
}
