package rtc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dkeye/revoice/internal/core"
	"github.com/pion/sdp/v3"
)

// localOffer is what the send path needs from the local offer.
type localOffer struct {
	mid         string
	fingerprint core.DTLSFingerprint
	payloadType uint8
	fmtp        string
	ssrc        uint32
	cname       string
	extensions  []core.RTPHeaderExtensionParameters
}

func parseLocalOffer(raw string) (*localOffer, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse local sdp: %w", err)
	}
	var md *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			md = m
			break
		}
	}
	if md == nil {
		return nil, errors.New("local sdp: no audio section")
	}

	out := &localOffer{}
	out.mid, _ = md.Attribute(sdp.AttrKeyMID)
	if out.mid == "" {
		return nil, errors.New("local sdp: audio section has no mid")
	}

	fp, ok := md.Attribute("fingerprint")
	if !ok {
		fp, ok = sd.Attribute("fingerprint")
	}
	if !ok {
		return nil, errors.New("local sdp: no fingerprint")
	}
	alg, value, found := strings.Cut(fp, " ")
	if !found {
		return nil, fmt.Errorf("local sdp: bad fingerprint %q", fp)
	}
	out.fingerprint = core.DTLSFingerprint{Algorithm: strings.ToLower(alg), Value: strings.TrimSpace(value)}

	pt := -1
	for _, a := range md.Attributes {
		switch a.Key {
		case "rtpmap":
			num, codec, _ := strings.Cut(a.Value, " ")
			if pt < 0 && strings.HasPrefix(strings.ToLower(codec), "opus/") {
				if v, err := strconv.ParseUint(num, 10, 8); err == nil {
					pt = int(v)
				}
			}
		case "ssrc":
			id, rest, _ := strings.Cut(a.Value, " ")
			v, err := strconv.ParseUint(id, 10, 32)
			if err != nil {
				continue
			}
			if out.ssrc == 0 {
				out.ssrc = uint32(v)
			}
			if name, ok := strings.CutPrefix(rest, "cname:"); ok && out.cname == "" {
				out.cname = name
			}
		case "extmap":
			id, uri, _ := strings.Cut(a.Value, " ")
			// "1/sendonly" carries a direction suffix
			id, _, _ = strings.Cut(id, "/")
			n, err := strconv.Atoi(id)
			if err != nil {
				continue
			}
			out.extensions = append(out.extensions, core.RTPHeaderExtensionParameters{URI: strings.TrimSpace(uri), ID: n})
		}
	}
	if pt < 0 {
		return nil, errors.New("local sdp: opus not offered")
	}
	out.payloadType = uint8(pt)
	prefix := strconv.Itoa(pt) + " "
	for _, a := range md.Attributes {
		if a.Key == "fmtp" && strings.HasPrefix(a.Value, prefix) {
			out.fmtp = strings.TrimPrefix(a.Value, prefix)
		}
	}
	if out.ssrc == 0 {
		return nil, errors.New("local sdp: no ssrc")
	}
	return out, nil
}

// rtpParameters describes the producer for the server.
func (o *localOffer) rtpParameters(router core.RTPCapabilities) core.RTPParameters {
	params := core.RTPParameters{
		MID: o.mid,
		Codecs: []core.RTPCodecParameters{{
			MimeType:    opusMime,
			PayloadType: o.payloadType,
			ClockRate:   opusClockRate,
			Channels:    opusChannels,
			Parameters:  fmtpParameters(o.fmtp),
		}},
		Encodings: []core.RTPEncodingParameters{{SSRC: o.ssrc}},
		RTCP:      core.RTCPParameters{CNAME: o.cname, ReducedSize: true},
	}
	for _, ext := range o.extensions {
		if supportsExtension(router, ext.URI) {
			params.HeaderExtensions = append(params.HeaderExtensions, ext)
		}
	}
	return params
}

// fmtpParameters turns "a=1;b=x" into a parameter map, keeping numbers numeric.
func fmtpParameters(fmtp string) map[string]any {
	out := map[string]any{}
	for _, kv := range strings.Split(fmtp, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok || k == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
		} else {
			out[k] = v
		}
	}
	return out
}
