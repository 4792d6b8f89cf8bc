package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServer is the only ICE server configured by default.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// PeerConnection is the slice of a WebRTC peer connection used by Session.
type PeerConnection interface {
	AddTracks(tracks []webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate receives nil when gathering is complete.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnTrack(func(*webrtc.TrackRemote))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	Close() error
}

// PeerFactory creates a peer connection for one call attempt.
type PeerFactory func(webrtc.Configuration) (PeerConnection, error)

// NewPionFactory returns a factory backed by pion with the default codecs and
// interceptors registered.
func NewPionFactory() (PeerFactory, error) {
	return NewPionFactoryWithSettings(webrtc.SettingEngine{})
}

// NewPionFactoryWithSettings is NewPionFactory with a custom setting engine,
// e.g. to allow loopback candidates.
func NewPionFactoryWithSettings(settings webrtc.SettingEngine) (PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settings),
	)
	return func(cfg webrtc.Configuration) (PeerConnection, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionPeer{pc: pc}, nil
	}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTracks(tracks []webrtc.TrackLocal) error {
	if len(tracks) == 0 {
		// recvonly m-lines so the SDP still carries ICE credentials
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return err
			}
		}
		return nil
	}
	for _, track := range tracks {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return err
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP keeps interceptors fed until the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *pionPeer) OnTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *pionPeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
