// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package rtcingest terminates WebRTC audio from callers. Each peer
// connection answers one caller's offer; decoded audio is downsampled
// to the transcription rate and handed to a per-peer callback.
package rtcingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	trackSampleRate = 48000
	trackChannels   = 1
)

type Config struct {
	Enabled     bool
	STUNServers []string
}

var ErrDisabled = errors.New("rtcingest: webrtc ingest disabled")

type peer struct {
	pc      *webrtc.PeerConnection
	onAudio func([]byte)
}

// Ingester owns all server-side peer connections, keyed by the
// participant's connection ID.
type Ingester struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	peers map[string]*peer
}

func NewIngester(cfg Config, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		cfg:    cfg,
		logger: logger.With("component", "rtc_ingest"),
		peers:  make(map[string]*peer),
	}
}

// HandleOffer answers a caller's SDP offer. A repeated offer from the
// same connection replaces the previous peer connection.
func (in *Ingester) HandleOffer(connID, offerSDP string, onAudio func([]byte)) (string, error) {
	if !in.cfg.Enabled {
		return "", ErrDisabled
	}

	in.mu.Lock()
	if old, ok := in.peers[connID]; ok {
		old.pc.Close()
		delete(in.peers, connID)
	}
	in.mu.Unlock()

	var iceServers []webrtc.ICEServer
	for _, url := range in.cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return "", fmt.Errorf("create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		pc.Close()
		return "", fmt.Errorf("add audio transceiver: %w", err)
	}

	p := &peer{pc: pc, onAudio: onAudio}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		in.logger.Debug("peer connection state changed", "conn", connID, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			in.mu.Lock()
			if cur, ok := in.peers[connID]; ok && cur == p {
				delete(in.peers, connID)
			}
			in.mu.Unlock()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		in.logger.Debug("receiving audio track", "conn", connID, "codec", track.Codec().MimeType)
		go in.readAudioTrack(connID, track, p.onAudio)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	// Non-trickle answer: wait for gathering so the SDP is complete.
	<-gathered

	in.mu.Lock()
	in.peers[connID] = p
	in.mu.Unlock()

	return pc.LocalDescription().SDP, nil
}

// HandleCandidate adds a remote ICE candidate to the caller's peer.
func (in *Ingester) HandleCandidate(connID string, cand webrtc.ICECandidateInit) error {
	in.mu.Lock()
	p, ok := in.peers[connID]
	in.mu.Unlock()
	if !ok {
		return fmt.Errorf("no peer connection for %s", connID)
	}
	if err := p.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (in *Ingester) ClosePeer(connID string) {
	in.mu.Lock()
	p, ok := in.peers[connID]
	delete(in.peers, connID)
	in.mu.Unlock()
	if ok {
		p.pc.Close()
	}
}

func (in *Ingester) CloseAll() {
	in.mu.Lock()
	peers := in.peers
	in.peers = make(map[string]*peer)
	in.mu.Unlock()
	for _, p := range peers {
		p.pc.Close()
	}
}

func (in *Ingester) readAudioTrack(connID string, track *webrtc.TrackRemote, onAudio func([]byte)) {
	in.logger.Info("audio track reader started", "conn", connID,
		"codec", track.Codec().MimeType,
		"sample_rate", track.Codec().ClockRate,
		"channels", track.Codec().Channels,
	)
	defer in.logger.Info("audio track reader stopped", "conn", connID)

	dec, err := opus.NewDecoder(trackSampleRate, trackChannels)
	if err != nil {
		in.logger.Error("failed to create opus decoder", "error", err, "conn", connID)
		return
	}

	pcmBuf := make([]int16, 5760) // max 120ms at 48kHz
	rtpBuf := make([]byte, 4096)

	for {
		n, _, err := track.Read(rtpBuf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(rtpBuf[:n]); err != nil {
			continue
		}
		if len(packet.Payload) == 0 {
			continue
		}

		samplesDecoded, err := dec.Decode(packet.Payload, pcmBuf)
		if err != nil {
			in.logger.Debug("opus decode error", "error", err, "conn", connID)
			continue
		}
		if samplesDecoded == 0 {
			continue
		}

		onAudio(int16ToBytes(downsample48to16(pcmBuf[:samplesDecoded])))
	}
}

func int16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func downsample48to16(samples []int16) []int16 {
	const ratio = 3 // 48000 / 16000
	outLen := len(samples) / ratio
	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		sum := int32(samples[i*ratio]) + int32(samples[i*ratio+1]) + int32(samples[i*ratio+2])
		out[i] = int16(sum / ratio)
	}
	return out
}
