package notify

import (
	"context"

	logx "giftwatch/pkg/logx"
)

// LogSink writes notifications to the log. Default sink for headless runs
// and the CLI; platform shims replace it.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Post(_ context.Context, n Notification) error {
	log := s.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("notification",
		logx.String("key", n.Key),
		logx.String("tier", n.Tier.String()),
		logx.String("title", n.Title),
		logx.String("body", n.Body),
		logx.String("channel", n.Channel))
	return nil
}
