// Package sdp builds the gateway's SDP answers and extracts RTP endpoints
// from caller offers. The gateway speaks exactly one codec, PCMU at 8kHz
// with 20ms packetization, so answers are deliberately minimal.
package sdp

import (
	"fmt"
	"net"

	"github.com/pion/sdp/v3"
)

// pcmuFormat is the static RTP payload type for G.711 mu-law.
const pcmuFormat = "0"

// BuildAnswer creates the SDP answer advertising the gateway's RTP
// endpoint. The answer always offers PCMU only; transcoding happens
// inside the gateway, not on the wire.
func BuildAnswer(advertiseAddr string, rtpPort int) ([]byte, error) {
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "voicegate",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: advertiseAddr,
		},
		SessionName: "VoiceGate Media Session",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: advertiseAddr,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{StartTime: 0, StopTime: 0},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: rtpPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{pcmuFormat},
				},
				Attributes: answerAttributes(),
			},
		},
	}

	data, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal SDP answer: %w", err)
	}
	return data, nil
}

func answerAttributes() []sdp.Attribute {
	return []sdp.Attribute{
		{Key: "rtpmap", Value: pcmuFormat + " PCMU/8000"},
		{Key: "ptime", Value: "20"},
		{Key: "sendrecv"},
		// RTCP shares the RTP port (RFC 5761).
		{Key: "rtcp-mux"},
	}
}

// ExtractRTPEndpoint parses a caller's SDP offer and returns its audio RTP
// endpoint. The connection address may live at the session level or on the
// media description; the media-level one wins when both are present.
func ExtractRTPEndpoint(offer []byte) (*net.UDPAddr, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(offer); err != nil {
		return nil, fmt.Errorf("parse SDP offer: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, fmt.Errorf("SDP offer has no audio media description")
	}
	if audio.MediaName.Port.Value == 0 {
		return nil, fmt.Errorf("SDP offer declines audio (port 0)")
	}

	addr := ""
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		addr = audio.ConnectionInformation.Address.Address
	}
	if addr == "" {
		return nil, fmt.Errorf("SDP offer has no connection address")
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("SDP connection address %q is not an IP", addr)
	}

	if !offersPCMU(audio) {
		return nil, fmt.Errorf("SDP offer does not include PCMU")
	}

	return &net.UDPAddr{IP: ip, Port: audio.MediaName.Port.Value}, nil
}

func offersPCMU(audio *sdp.MediaDescription) bool {
	for _, f := range audio.MediaName.Formats {
		if f == pcmuFormat {
			return true
		}
	}
	return false
}
