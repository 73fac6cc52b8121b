package sipphone

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// Media direction attributes (RFC 4566 Section 6).
const (
	modeSendRecv = "sendrecv"
	modeSendOnly = "sendonly"
	modeRecvOnly = "recvonly"
	modeInactive = "inactive"
)

// offeredFormats are PCMU, PCMA and telephone-event.
var offeredFormats = []string{"0", "8", "101"}

var rtpmaps = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"101": "telephone-event/8000",
}

// buildSDP creates an audio offer or answer in the given direction.
func buildSDP(addr string, port int, mode string) ([]byte, error) {
	if addr == "" {
		addr = "0.0.0.0"
	}
	now := uint64(time.Now().Unix())

	attrs := make([]sdp.Attribute, 0, len(offeredFormats)+3)
	for _, f := range offeredFormats {
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + rtpmaps[f]})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "fmtp", Value: "101 0-15"},
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: mode},
	)

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "console",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "Console Position",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: offeredFormats,
			},
			Attributes: attrs,
		}},
	}
	return desc.Marshal()
}

// sdpInfo is what the phone reads from a remote description.
type sdpInfo struct {
	mode string
	text bool
}

// parseSDP extracts the audio direction and whether text media is offered.
func parseSDP(body []byte) (sdpInfo, error) {
	info := sdpInfo{mode: modeSendRecv}
	if len(body) == 0 {
		return info, nil
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return info, fmt.Errorf("failed to parse SDP: %w", err)
	}

	for _, a := range desc.Attributes {
		if isMode(a.Key) {
			info.mode = a.Key
		}
	}
	for _, m := range desc.MediaDescriptions {
		switch m.MediaName.Media {
		case "text":
			info.text = true
		case "audio":
			for _, a := range m.Attributes {
				if isMode(a.Key) {
					info.mode = a.Key
				}
			}
			if m.MediaName.Port.Value == 0 {
				info.mode = modeInactive
			}
		}
	}
	return info, nil
}

func isMode(key string) bool {
	switch key {
	case modeSendRecv, modeSendOnly, modeRecvOnly, modeInactive:
		return true
	}
	return false
}

// answerMode mirrors a remote direction (RFC 3264 Section 6.1).
func answerMode(remote string) string {
	switch remote {
	case modeSendOnly:
		return modeRecvOnly
	case modeRecvOnly:
		return modeSendOnly
	case modeInactive:
		return modeInactive
	}
	return modeSendRecv
}
