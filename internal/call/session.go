package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"huddle/internal/logger"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	defaultMaxBuffered    = 64
	sendTimeout           = 5 * time.Second
)

// Sink receives remote media. Clear is called when the call ends.
type Sink interface {
	Attach(track *webrtc.TrackRemote)
	Clear()
}

type Options struct {
	Transport Transport
	Media     MediaSource
	// NewPeer defaults to a pion peer connection.
	NewPeer    PeerFactory
	ICEServers []string
	// ConnectTimeout bounds the time spent in connecting.
	ConnectTimeout time.Duration
	// MaxBufferedCandidates caps early candidates kept per peer.
	MaxBufferedCandidates int
	Sink                  Sink

	// OnStateChange is called after every transition, outside any lock.
	OnStateChange func(from, to State, err error)
	// OnError reports failures that have no caller to return to, such as a
	// media error while answering an incoming offer.
	OnError      func(error)
	OnPeerJoined func(peerID string)
	Logger       *zap.Logger
}

// Session is the single call a client can hold at a time. It moves through
// idle, connecting, connected and closed, and can start again from closed.
type Session struct {
	transport Transport
	media     MediaSource
	newPeer   PeerFactory
	config    webrtc.Configuration
	timeout   time.Duration
	maxBuf    int
	sink      Sink
	onState   func(from, to State, err error)
	onError   func(error)
	onJoined  func(string)
	log       *zap.Logger

	mu        sync.Mutex
	state     State
	remote    string
	pc        PeerConnection
	remoteSet bool
	stream    LocalStream
	pending   map[string][]webrtc.ICECandidateInit
	timer     *time.Timer
	attempt   uint64
	lastErr   error
}

func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("call: transport is required")
	}
	if opts.Media == nil {
		opts.Media = ReceiveOnly{}
	}
	if opts.NewPeer == nil {
		factory, err := NewPionFactory()
		if err != nil {
			return nil, err
		}
		opts.NewPeer = factory
	}
	if len(opts.ICEServers) == 0 {
		opts.ICEServers = []string{DefaultSTUNServer}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.MaxBufferedCandidates <= 0 {
		opts.MaxBufferedCandidates = defaultMaxBuffered
	}
	s := &Session{
		transport: opts.Transport,
		media:     opts.Media,
		newPeer:   opts.NewPeer,
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: opts.ICEServers}},
		},
		timeout:  opts.ConnectTimeout,
		maxBuf:   opts.MaxBufferedCandidates,
		sink:     opts.Sink,
		onState:  opts.OnStateChange,
		onError:  opts.OnError,
		onJoined: opts.OnPeerJoined,
		log:      logger.OrNop(opts.Logger).Named("call"),
		pending:  make(map[string][]webrtc.ICECandidateInit),
	}
	opts.Transport.OnSignal(s.handleSignal)
	opts.Transport.OnPeerLeft(s.handlePeerLeft)
	opts.Transport.OnPeerJoined(func(peerID string) {
		if s.onJoined != nil {
			s.onJoined(peerID)
		}
	})
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Remote returns the peer of the current or last call.
func (s *Session) Remote() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Err returns why the last call closed, nil for a local hangup.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) busyLocked() bool {
	return s.state == Connecting || s.state == Connected
}

// Start calls peerID: it opens local media, creates the peer connection and
// sends an offer.
func (s *Session) Start(ctx context.Context, peerID string) error {
	if peerID == "" {
		return errors.New("call: peer id is required")
	}
	s.mu.Lock()
	if s.busyLocked() {
		s.mu.Unlock()
		return ErrBusy
	}
	pc, attempt, err := s.prepareLocked(ctx, peerID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	offer, err := pc.CreateOffer()
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		s.abortLocked()
		s.mu.Unlock()
		return fmt.Errorf("call: create offer: %w", err)
	}
	notify := s.enterConnectingLocked(attempt)
	s.mu.Unlock()
	notify()

	s.log.Info("calling", zap.String("peer", peerID))
	if err := s.send(SignalOffer, peerID, offer); err != nil {
		s.closeAttempt(attempt, &SignalingError{Type: SignalOffer, Peer: peerID, Err: err}, false)
		return err
	}
	return nil
}

// Hangup ends the call and tells the remote peer. Calling it when there is
// no call, or again after closing, does nothing.
func (s *Session) Hangup() {
	s.close(nil, true)
}

// prepareLocked opens media and a peer connection for a new attempt with
// peerID. On success the session owns both.
func (s *Session) prepareLocked(ctx context.Context, peerID string) (PeerConnection, uint64, error) {
	// sources hand back their active stream, if any
	stream, err := s.media.Open(ctx)
	if err != nil {
		return nil, 0, &MediaAccessError{Err: err}
	}
	pc, err := s.newPeer(s.config)
	if err != nil {
		stream.Stop()
		return nil, 0, fmt.Errorf("call: create peer connection: %w", err)
	}
	s.attempt++
	attempt := s.attempt
	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) { s.onLocalCandidate(attempt, c) })
	pc.OnTrack(func(t *webrtc.TrackRemote) { s.onRemoteTrack(attempt, t) })
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) { s.onICEState(attempt, st) })
	if err := pc.AddTracks(stream.Tracks()); err != nil {
		_ = pc.Close()
		stream.Stop()
		return nil, 0, fmt.Errorf("call: add tracks: %w", err)
	}
	s.pc = pc
	s.stream = stream
	s.remote = peerID
	s.remoteSet = false
	s.lastErr = nil
	return pc, attempt, nil
}

// abortLocked undoes prepareLocked without a state change.
func (s *Session) abortLocked() {
	if s.pc != nil {
		_ = s.pc.Close()
	}
	if s.stream != nil {
		s.stream.Stop()
	}
	s.pc, s.stream, s.remoteSet = nil, nil, false
	s.attempt++
}

func (s *Session) enterConnectingLocked(attempt uint64) func() {
	from := s.state
	s.state = Connecting
	s.timer = time.AfterFunc(s.timeout, func() {
		s.closeAttempt(attempt, &SignalingError{Err: ErrConnectTimeout}, true)
	})
	return s.stateNotifier(from, Connecting, nil)
}

func (s *Session) stateNotifier(from, to State, err error) func() {
	return func() {
		s.log.Debug("state", zap.Stringer("from", from), zap.Stringer("to", to), zap.Error(err))
		if s.onState != nil {
			s.onState(from, to, err)
		}
	}
}

func (s *Session) handleSignal(sig Signal) {
	switch sig.Type {
	case SignalOffer:
		s.acceptOffer(sig)
	case SignalAnswer:
		s.applyAnswer(sig)
	case SignalCandidate:
		s.addCandidate(sig)
	case SignalHangup:
		s.closeFrom(sig.From, ErrRemoteHangup)
	case SignalBusy:
		s.closeFrom(sig.From, ErrBusy)
	default:
		s.dropped(&SignalingError{Type: sig.Type, Peer: sig.From, Err: ErrUnexpectedSignal})
	}
}

func (s *Session) handlePeerLeft(peerID string) {
	s.mu.Lock()
	delete(s.pending, peerID)
	s.mu.Unlock()
	s.closeFrom(peerID, ErrPeerLeft)
}

func (s *Session) acceptOffer(sig Signal) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Payload, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		s.dropped(&SignalingError{Type: sig.Type, Peer: sig.From, Err: ErrMalformedSignal})
		return
	}

	s.mu.Lock()
	if s.busyLocked() {
		sameCall := sig.From == s.remote
		s.mu.Unlock()
		if sameCall {
			s.dropped(&SignalingError{Type: sig.Type, Peer: sig.From, Err: ErrUnexpectedSignal})
			return
		}
		s.log.Info("rejecting offer while busy", zap.String("peer", sig.From))
		if err := s.send(SignalBusy, sig.From, nil); err != nil {
			s.dropped(&SignalingError{Type: SignalBusy, Peer: sig.From, Err: err})
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	pc, attempt, err := s.prepareLocked(ctx, sig.From)
	if err != nil {
		s.mu.Unlock()
		s.report(err)
		_ = s.send(SignalHangup, sig.From, nil)
		return
	}
	answer, err := s.answerLocked(pc, sig.From, offer)
	if err != nil {
		s.abortLocked()
		s.mu.Unlock()
		s.report(&SignalingError{Type: sig.Type, Peer: sig.From, Err: err})
		_ = s.send(SignalHangup, sig.From, nil)
		return
	}
	notify := s.enterConnectingLocked(attempt)
	s.mu.Unlock()
	notify()

	s.log.Info("answering", zap.String("peer", sig.From))
	if err := s.send(SignalAnswer, sig.From, answer); err != nil {
		s.closeAttempt(attempt, &SignalingError{Type: SignalAnswer, Peer: sig.From, Err: err}, false)
	}
}

func (s *Session) answerLocked(pc PeerConnection, peerID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	s.remoteSet = true
	s.flushLocked(peerID)
	answer, err := pc.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (s *Session) applyAnswer(sig Signal) {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Payload, &answer); err != nil || answer.Type != webrtc.SDPTypeAnswer {
		s.dropped(&SignalingError{Type: sig.Type, Peer: sig.From, Err: ErrMalformedSignal})
		return
	}
	s.mu.Lock()
	if s.state != Connecting || s.pc == nil || sig.From != s.remote || s.remoteSet {
		s.mu.Unlock()
		s.dropped(&SignalingError{Type: sig.Type, Peer: sig.From, Err: ErrUnexpectedSignal})
		return
	}
	attempt := s.attempt
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		s.mu.Unlock()
		s.closeAttempt(attempt, &SignalingError{Type: sig.Type, Peer: sig.From, Err: err}, true)
		return
	}
	s.remoteSet = true
	s.flushLocked(sig.From)
	s.mu.Unlock()
}

// addCandidate applies a remote candidate, or buffers it until the peer
// connection for that peer has a remote description.
func (s *Session) addCandidate(sig Signal) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(sig.Payload, &cand); err != nil || cand.Candidate == "" {
		s.dropped(&SignalingError{Type: sig.Type, Peer: sig.From, Err: ErrMalformedSignal})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyLocked() && sig.From != s.remote {
		s.log.Debug("ignoring candidate from peer outside the call", zap.String("peer", sig.From))
		return
	}
	if s.pc != nil && s.remoteSet {
		if err := s.pc.AddICECandidate(cand); err != nil {
			s.log.Warn("add candidate failed", zap.String("peer", sig.From), zap.Error(err))
		}
		return
	}
	queue := s.pending[sig.From]
	if len(queue) >= s.maxBuf {
		s.log.Warn("candidate buffer full", zap.String("peer", sig.From))
		return
	}
	s.pending[sig.From] = append(queue, cand)
}

func (s *Session) flushLocked(peerID string) {
	queue := s.pending[peerID]
	delete(s.pending, peerID)
	for _, c := range queue {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn("add buffered candidate failed", zap.String("peer", peerID), zap.Error(err))
		}
	}
	if len(queue) > 0 {
		s.log.Debug("flushed candidates", zap.String("peer", peerID), zap.Int("count", len(queue)))
	}
}

func (s *Session) onLocalCandidate(attempt uint64, c *webrtc.ICECandidateInit) {
	if c == nil {
		return
	}
	s.mu.Lock()
	if attempt != s.attempt || !s.busyLocked() {
		s.mu.Unlock()
		return
	}
	remote := s.remote
	s.mu.Unlock()
	if err := s.send(SignalCandidate, remote, c); err != nil {
		s.dropped(&SignalingError{Type: SignalCandidate, Peer: remote, Err: err})
	}
}

func (s *Session) onRemoteTrack(attempt uint64, track *webrtc.TrackRemote) {
	s.mu.Lock()
	if attempt != s.attempt || !s.busyLocked() {
		s.mu.Unlock()
		return
	}
	var notify func()
	if s.state == Connecting {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.state = Connected
		notify = s.stateNotifier(Connecting, Connected, nil)
	}
	s.mu.Unlock()
	if s.sink != nil {
		s.sink.Attach(track)
	}
	if notify != nil {
		notify()
	}
}

func (s *Session) onICEState(attempt uint64, st webrtc.ICEConnectionState) {
	if st == webrtc.ICEConnectionStateFailed {
		s.closeAttempt(attempt, ErrICEFailed, true)
	}
}

// closeFrom closes the call if peerID is its remote peer.
func (s *Session) closeFrom(peerID string, reason error) {
	s.mu.Lock()
	match := s.busyLocked() && peerID == s.remote
	attempt := s.attempt
	s.mu.Unlock()
	if match {
		s.closeAttempt(attempt, reason, false)
	}
}

// closeAttempt closes only if attempt is still the current one.
func (s *Session) closeAttempt(attempt uint64, reason error, notifyRemote bool) {
	s.mu.Lock()
	if attempt != s.attempt {
		s.mu.Unlock()
		return
	}
	s.closeLocked(reason, notifyRemote)
}

func (s *Session) close(reason error, notifyRemote bool) {
	s.mu.Lock()
	s.closeLocked(reason, notifyRemote)
}

// closeLocked is entered with s.mu held and releases it.
func (s *Session) closeLocked(reason error, notifyRemote bool) {
	if !s.busyLocked() {
		s.mu.Unlock()
		return
	}
	from := s.state
	pc, stream, remote := s.pc, s.stream, s.remote
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pc, s.stream, s.remoteSet = nil, nil, false
	s.pending = make(map[string][]webrtc.ICECandidateInit)
	s.attempt++
	s.state = Closed
	s.lastErr = reason
	s.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			s.log.Debug("peer connection close", zap.Error(err))
		}
	}
	if stream != nil {
		stream.Stop()
	}
	if s.sink != nil {
		s.sink.Clear()
	}
	s.log.Info("call closed", zap.String("peer", remote), zap.Error(reason))
	s.stateNotifier(from, Closed, reason)()
	if notifyRemote && remote != "" {
		if err := s.send(SignalHangup, remote, nil); err != nil {
			s.dropped(&SignalingError{Type: SignalHangup, Peer: remote, Err: err})
		}
	}
}

func (s *Session) send(typ SignalType, to string, payload interface{}) error {
	sig := Signal{Type: typ, To: to}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		sig.Payload = raw
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return s.transport.SendSignal(ctx, sig)
}

func (s *Session) dropped(err error) {
	s.log.Debug("dropped signal", zap.Error(err))
}

func (s *Session) report(err error) {
	s.log.Warn("call attempt failed", zap.Error(err))
	if s.onError != nil {
		s.onError(err)
	}
}
