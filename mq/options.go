package mq

import (
	"fmt"
	"time"
)

// Option names a socket option.
type Option string

// Writable options.
const (
	OptSendHWM           Option = "SEND_HWM"
	OptRecvHWM           Option = "RECV_HWM"
	OptLingerMS          Option = "LINGER_MS"
	OptIdentity          Option = "IDENTITY"
	OptSubscribe         Option = "SUBSCRIBE"
	OptUnsubscribe       Option = "UNSUBSCRIBE"
	OptReconnectInterval Option = "RECONNECT_INTERVAL_MS"
	OptSendTimeoutMS     Option = "SEND_TIMEOUT_MS"
	OptRecvTimeoutMS     Option = "RECV_TIMEOUT_MS"
)

// Read-only options.
const (
	OptType         Option = "TYPE"
	OptLastEndpoint Option = "LAST_ENDPOINT"
	OptEvents       Option = "EVENTS"
)

// Option defaults.
const (
	DefaultHWM               = 1000
	DefaultLinger            = -1
	DefaultReconnectInterval = 100
	maxIdentityLen           = 255
)

type options struct {
	sendHWM     int
	recvHWM     int
	lingerMS    int
	identity    []byte
	reconnectMS int
	sendTimeout int
	recvTimeout int
}

func defaultOptions() options {
	return options{
		sendHWM:     DefaultHWM,
		recvHWM:     DefaultHWM,
		lingerMS:    DefaultLinger,
		reconnectMS: DefaultReconnectInterval,
		sendTimeout: -1,
		recvTimeout: -1,
	}
}

func (o options) linger() time.Duration {
	if o.lingerMS < 0 {
		return -1
	}
	return time.Duration(o.lingerMS) * time.Millisecond
}

func (o options) reconnectInterval() time.Duration {
	return time.Duration(o.reconnectMS) * time.Millisecond
}

func msTimeout(ms int) time.Duration {
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

func optionInt(name Option, value any, min int) (int, error) {
	var n int
	switch v := value.(type) {
	case int:
		n = v
	case int32:
		n = int(v)
	case int64:
		n = int(v)
	case time.Duration:
		if v < 0 {
			n = -1
		} else {
			n = int(v / time.Millisecond)
		}
	default:
		return 0, opErrf("set option", ErrConfig, "%s: want int, got %T", name, value)
	}
	if n < min {
		return 0, opErrf("set option", ErrConfig, "%s: value %d below %d", name, n, min)
	}
	return n, nil
}

func optionBytes(name Option, value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return append([]byte{}, v...), nil
	case string:
		return []byte(v), nil
	}
	return nil, opErrf("set option", ErrConfig, "%s: want []byte or string, got %T", name, value)
}

func validIdentity(id []byte) error {
	if len(id) == 0 || len(id) > maxIdentityLen {
		return fmt.Errorf("identity length %d out of range 1..%d", len(id), maxIdentityLen)
	}
	if id[0] == 0 {
		return fmt.Errorf("identity must not start with a zero byte")
	}
	return nil
}
