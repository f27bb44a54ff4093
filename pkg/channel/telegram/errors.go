package telegram

import (
	"errors"
	"time"

	"replybot/pkg/channel"

	"github.com/mymmrac/telego/telegoapi"
)

// classify maps Bot API failures onto delivery classes: 429 carries the
// retry hint, 5xx is transient, other 4xx (blocked bot, bad chat) permanent.
func classify(err error) error {
	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) {
		return channel.Transient(err, 0)
	}

	switch code := apiErr.ErrorCode; {
	case code == 429:
		var retryAfter time.Duration
		if apiErr.Parameters != nil {
			retryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
		}
		return channel.RateLimited(err, retryAfter)
	case code >= 500:
		return channel.Transient(err, code)
	case code >= 400:
		return channel.Permanent(err, code)
	default:
		return channel.Transient(err, code)
	}
}
