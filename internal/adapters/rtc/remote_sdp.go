package rtc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dkeye/revoice/internal/core"
	"github.com/pion/sdp/v3"
)

// buildRemoteAnswer renders the server transport as the SDP answer to the
// local offer. The server is ICE-lite and takes the DTLS server role.
func buildRemoteAnswer(params core.TransportParams, offer *localOffer, router core.RTPCapabilities) (string, error) {
	if n := len(params.DTLSParameters.Fingerprints); n == 0 {
		return "", errors.New("remote sdp: transport has no fingerprint")
	}
	// the last fingerprint is the strongest one the server offers
	fp := params.DTLSParameters.Fingerprints[len(params.DTLSParameters.Fingerprints)-1]

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "revoice",
			SessionID:      10000,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName:      "-",
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}
	if params.ICEParameters.ICELite {
		sd = sd.WithPropertyAttribute(sdp.AttrKeyICELite)
	}
	sd = sd.WithFingerprint(fp.Algorithm, strings.ToUpper(fp.Value)).
		WithValueAttribute(sdp.AttrKeyMsidSemantic, " WMS *").
		WithValueAttribute(sdp.AttrKeyGroup, "BUNDLE "+offer.mid)

	md := sdp.NewJSEPMediaDescription("audio", nil).
		WithValueAttribute(sdp.AttrKeyMID, offer.mid).
		WithPropertyAttribute(sdp.AttrKeyRecvOnly).
		WithICECredentials(params.ICEParameters.UsernameFragment, params.ICEParameters.Password).
		WithValueAttribute(sdp.AttrKeyConnectionSetup, sdp.ConnectionRolePassive.String()).
		WithPropertyAttribute(sdp.AttrKeyRTCPMux).
		WithPropertyAttribute(sdp.AttrKeyRTCPRsize).
		WithCodec(offer.payloadType, "opus", opusClockRate, opusChannels, answerFmtp(offer.fmtp))

	for _, ext := range offer.extensions {
		if supportsExtension(router, ext.URI) {
			md = md.WithValueAttribute("extmap", strconv.Itoa(ext.ID)+" "+ext.URI)
		}
	}
	for _, c := range params.ICECandidates {
		md = md.WithCandidate(candidateValue(c))
	}
	md = md.WithPropertyAttribute(sdp.AttrKeyEndOfCandidates)
	sd = sd.WithMedia(md)

	out, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("remote sdp: %w", err)
	}
	return string(out), nil
}

// answerFmtp keeps the offer's fmtp and makes sure stereo is accepted.
func answerFmtp(fmtp string) string {
	if fmtp == "" {
		return defaultOpusFmtp
	}
	if !strings.Contains(fmtp, "stereo=1") {
		fmtp += ";stereo=1"
	}
	return fmtp
}

func candidateValue(c core.ICECandidate) string {
	v := fmt.Sprintf("%s 1 %s %d %s %d typ %s",
		c.Foundation, strings.ToLower(c.Protocol), c.Priority, c.Host(), c.Port, c.Type)
	if c.TCPType != "" {
		v += " tcptype " + c.TCPType
	}
	return v
}
