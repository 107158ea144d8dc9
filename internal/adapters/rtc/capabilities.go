package rtc

import (
	"strings"

	"github.com/dkeye/revoice/internal/core"
	"github.com/pion/sdp/v3"
)

const (
	opusMime         = "audio/opus"
	opusClockRate    = 48000
	opusChannels     = 2
	defaultOpusPT    = 100
	defaultOpusFmtp  = "minptime=10;useinbandfec=1;stereo=1;sprop-stereo=1"
	producerKindAudio = "audio"
)

// LocalCapabilities reduces the router capabilities to what this client
// sends: stereo opus at 48 kHz and the MID header extension.
func LocalCapabilities(router core.RTPCapabilities) core.RTPCapabilities {
	var out core.RTPCapabilities
	for _, c := range router.Codecs {
		if c.Kind == "audio" && strings.EqualFold(c.MimeType, opusMime) &&
			c.ClockRate == opusClockRate && c.Channels == opusChannels {
			out.Codecs = append(out.Codecs, c)
			break
		}
	}
	if len(out.Codecs) == 0 {
		out.Codecs = []core.RTPCodecCapability{{
			Kind:                 "audio",
			MimeType:             opusMime,
			PreferredPayloadType: defaultOpusPT,
			ClockRate:            opusClockRate,
			Channels:             opusChannels,
		}}
	}
	for _, ext := range router.HeaderExtensions {
		if ext.Kind == "audio" && ext.URI == sdp.SDESMidURI {
			out.HeaderExtensions = append(out.HeaderExtensions, ext)
		}
	}
	if out.HeaderExtensions == nil {
		out.HeaderExtensions = []core.RTPHeaderExtension{}
	}
	return out
}

// opusPayloadType picks the payload type the router prefers for opus.
func opusPayloadType(caps core.RTPCapabilities) uint8 {
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, opusMime) && c.PreferredPayloadType != 0 {
			return c.PreferredPayloadType
		}
	}
	return defaultOpusPT
}

func supportsExtension(caps core.RTPCapabilities, uri string) bool {
	for _, ext := range caps.HeaderExtensions {
		if ext.URI == uri {
			return true
		}
	}
	return false
}

var _ core.CapabilitiesFunc = LocalCapabilities
