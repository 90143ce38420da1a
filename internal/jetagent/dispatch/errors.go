package dispatch

import (
	"context"
	"errors"

	"github.com/bdobrica/jet-agent/common/spec/envelope"
	"github.com/bdobrica/jet-agent/internal/jetagent/bus"
	"github.com/bdobrica/jet-agent/internal/jetagent/config"
	"github.com/bdobrica/jet-agent/internal/jetagent/flavor"
	"github.com/bdobrica/jet-agent/internal/jetagent/network"
	"github.com/bdobrica/jet-agent/internal/jetagent/runtime"
	"github.com/bdobrica/jet-agent/internal/jetagent/storage"
	"github.com/bdobrica/jet-agent/internal/jetagent/store"
)

// Error kinds reported in logs, metrics and error replies.
const (
	KindConfig           = "ConfigError"
	KindConnection       = "ConnectionError"
	KindSubscription     = "SubscriptionError"
	KindRuntime          = "RuntimeUnavailable"
	KindMalformed        = "MalformedMessage"
	KindInvalidArguments = "InvalidArguments"
	KindNotFound         = "NotFound"
	KindTimeout          = "Timeout"
	KindHandler          = "HandlerError"
	KindEncoding         = "EncodingError"
	KindPublish          = "PublishError"
)

// ErrorKind classifies err. The most specific cause wins, so a handler
// failure caused by an unreachable runtime is RuntimeUnavailable.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, config.ErrConfig):
		return KindConfig
	case errors.Is(err, bus.ErrConnection):
		return KindConnection
	case errors.Is(err, bus.ErrSubscription):
		return KindSubscription
	case errors.Is(err, bus.ErrPublish):
		return KindPublish
	case errors.Is(err, envelope.ErrMalformedMessage):
		return KindMalformed
	case errors.Is(err, envelope.ErrEncoding):
		return KindEncoding
	case errors.Is(err, ErrInvalidArgs), errors.Is(err, flavor.ErrUnknown),
		errors.Is(err, network.ErrInvalidIP), errors.Is(err, storage.ErrInvalidSize):
		return KindInvalidArguments
	case errors.Is(err, runtime.ErrUnavailable):
		return KindRuntime
	case errors.Is(err, store.ErrNotFound), errors.Is(err, runtime.ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindHandler
	}
}
