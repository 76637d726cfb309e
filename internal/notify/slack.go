package notify

import (
	"context"
	"fmt"

	"github.com/nidhogg/yume/internal/scheduler"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts run failures to a Slack channel. It implements
// scheduler.Notifier. Delivery is best effort; a failed post is logged
// and dropped.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a notifier posting to the given channel.
func NewSlackNotifier(botToken, channel string, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

// RunFailed posts a short failure summary for the run.
func (n *SlackNotifier) RunFailed(ctx context.Context, run *scheduler.Run) {
	text := fmt.Sprintf(":warning: run `%s` failed (%s): %s", run.ID, run.Reason, run.Error)
	if run.Topic != "" {
		text += fmt.Sprintf("\ntopic: %s", run.Topic)
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Warn("slack notify failed",
			zap.String("run_id", run.ID),
			zap.Error(err))
		return
	}
	n.logger.Debug("run failure notified", zap.String("run_id", run.ID))
}
