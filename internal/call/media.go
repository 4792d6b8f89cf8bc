package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 100 * time.Millisecond
)

var (
	// a single opus silence frame
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// VP8 key frame header for a 16x16 picture followed by an empty partition
	vp8KeyFrame = []byte{
		0x50, 0x01, 0x00,
		0x9d, 0x01, 0x2a,
		0x10, 0x00, 0x10, 0x00,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// LocalStream is captured local media. Stop releases the devices.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	Active() bool
	Stop()
}

// MediaSource opens local capture. Failures are reported to the caller as
// MediaAccessError.
type MediaSource interface {
	Open(ctx context.Context) (LocalStream, error)
}

// SampleSource produces an opus audio track and a VP8 video track carrying
// silence and a blank picture until the stream is stopped. Opening while a
// stream is active returns that stream.
type SampleSource struct {
	StreamID string

	mu     sync.Mutex
	active *sampleStream
}

func (s *SampleSource) Open(context.Context) (LocalStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.Active() {
		return s.active, nil
	}
	id := s.StreamID
	if id == "" {
		id = "huddle"
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", id)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
	if err != nil {
		return nil, err
	}
	s.active = &sampleStream{audio: audio, video: video, done: make(chan struct{})}
	go s.active.pace()
	return s.active, nil
}

type sampleStream struct {
	audio, video *webrtc.TrackLocalStaticSample
	done         chan struct{}

	mu      sync.Mutex
	stopped bool
}

// pace writes samples until Stop. Tracks without a bound sender drop them.
func (s *sampleStream) pace() {
	audioTick := time.NewTicker(audioFrame)
	videoTick := time.NewTicker(videoFrame)
	defer audioTick.Stop()
	defer videoTick.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-audioTick.C:
			_ = s.audio.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrame})
		case <-videoTick.C:
			_ = s.video.WriteSample(media.Sample{Data: vp8KeyFrame, Duration: videoFrame})
		}
	}
}

func (s *sampleStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

func (s *sampleStream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

func (s *sampleStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
}

// ReceiveOnly is a MediaSource with no local tracks; the call only receives.
type ReceiveOnly struct{}

func (ReceiveOnly) Open(context.Context) (LocalStream, error) {
	return &emptyStream{}, nil
}

type emptyStream struct {
	mu      sync.Mutex
	stopped bool
}

func (*emptyStream) Tracks() []webrtc.TrackLocal { return nil }

func (e *emptyStream) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.stopped
}

func (e *emptyStream) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}
