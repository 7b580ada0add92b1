package openvpn

import (
	"strconv"
	"strings"
	"time"

	"github.com/rennerdo30/ovpn-bridge/internal/session"
)

type eventKind int

const (
	eventNone eventKind = iota
	eventStatus
	eventTraffic
	eventLog
)

// event is one decoded management interface notification.
type event struct {
	kind     eventKind
	status   string
	localIP  string
	remoteIP string
	traffic  session.Traffic
	message  string
}

// parseManagementLine decodes a real-time notification. Lines that carry
// nothing the engine acts on decode to eventNone.
//
//	>STATE:1700000000,CONNECTED,SUCCESS,10.8.0.2,1.2.3.4
//	>BYTECOUNT:1024,2048
//	>PASSWORD:Verification Failed: 'Auth'
//	>FATAL:cannot open TUN/TAP dev
func parseManagementLine(line string) event {
	switch {
	case strings.HasPrefix(line, ">STATE:"):
		parts := strings.Split(strings.TrimPrefix(line, ">STATE:"), ",")
		if len(parts) < 2 || parts[1] == "" {
			return event{}
		}
		ev := event{kind: eventStatus, status: parts[1]}
		if len(parts) >= 4 {
			ev.localIP = parts[3]
		}
		if len(parts) >= 5 {
			ev.remoteIP = parts[4]
		}
		return ev

	case strings.HasPrefix(line, ">BYTECOUNT:"):
		parts := strings.Split(strings.TrimPrefix(line, ">BYTECOUNT:"), ",")
		if len(parts) != 2 {
			return event{}
		}
		in, errIn := strconv.ParseUint(parts[0], 10, 64)
		out, errOut := strconv.ParseUint(parts[1], 10, 64)
		if errIn != nil || errOut != nil {
			return event{}
		}
		return event{kind: eventTraffic, traffic: session.Traffic{
			BytesIn:   in,
			BytesOut:  out,
			UpdatedAt: time.Now(),
		}}

	case strings.HasPrefix(line, ">PASSWORD:Verification Failed"):
		return event{kind: eventStatus, status: StatusAuthFailed}

	case strings.HasPrefix(line, ">FATAL:"):
		return event{kind: eventStatus, status: StatusError, message: strings.TrimPrefix(line, ">FATAL:")}

	case strings.HasPrefix(line, ">INFO:"), strings.HasPrefix(line, ">LOG:"), strings.HasPrefix(line, ">HOLD:"):
		return event{kind: eventLog, message: line}
	}
	return event{}
}
