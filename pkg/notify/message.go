package notify

import (
	"fmt"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
	"github.com/trafficcontrol/trafficcontrol/pkg/productivity"
	"github.com/trafficcontrol/trafficcontrol/pkg/spend"
)

const maxBlockTextLength = 2900

var productivityEmoji = map[productivity.AlertType]string{
	productivity.AlertHighFailureStreak: ":rotating_light:",
	productivity.AlertLowSuccessRate:    ":chart_with_downwards_trend:",
	productivity.AlertSlowCompletion:    ":turtle:",
}

func dashboardLink(dashboardURL, label string) string {
	if dashboardURL == "" {
		return ""
	}
	return fmt.Sprintf("\n<%s|%s>", dashboardURL, label)
}

// BuildSpendAlertMessage creates Block Kit blocks for a spend threshold
// alert, including a top-spenders table.
func BuildSpendAlertMessage(alert spend.Alert, dashboardURL string) []goslack.Block {
	header := fmt.Sprintf(":warning: *Spend alert* — $%.2f in the last %d min (threshold $%.2f)",
		alert.AmountUSD, alert.WindowMinutes, alert.ThresholdUSD)
	if alert.IsHardLimit {
		header = fmt.Sprintf(":octagonal_sign: *Hard spend limit reached* — $%.2f in the last %d min (limit $%.2f). All agent sessions are being cancelled.",
			alert.AmountUSD, alert.WindowMinutes, alert.ThresholdUSD)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
	}

	if len(alert.TopTasks) > 0 {
		var sb strings.Builder
		sb.WriteString("*Top spenders:*\n")
		for _, task := range alert.TopTasks {
			fmt.Fprintf(&sb, "• `%s` — $%.2f (%.0f%%)\n", task.TaskID, task.AmountUSD, task.Percent)
		}
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(sb.String()), false, false),
			nil, nil,
		))
	}

	if link := dashboardLink(dashboardURL, "View spend dashboard"); link != "" {
		blocks = append(blocks, goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType, strings.TrimPrefix(link, "\n"), false, false),
		))
	}
	return blocks
}

// BuildProductivityAlertMessage creates Block Kit blocks for a productivity
// signal.
func BuildProductivityAlertMessage(alert productivity.Alert, dashboardURL string) []goslack.Block {
	emoji := productivityEmoji[alert.Type]
	if emoji == "" {
		emoji = ":question:"
	}
	text := fmt.Sprintf("%s *Productivity alert* — %s\nObserved %.2f against threshold %.2f over %d sessions.%s",
		emoji, alert.Message, alert.Value, alert.Threshold, alert.SampleSize,
		dashboardLink(dashboardURL, "View metrics"))

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(text), false, false),
			nil, nil,
		),
	}
}

// BuildAgentQuestionMessage creates Block Kit blocks for a question an agent
// surfaced to its operator.
func BuildAgentQuestionMessage(sess models.Session, question, dashboardURL string) []goslack.Block {
	text := fmt.Sprintf(":speech_balloon: *Agent question* — task `%s` (project `%s`, %s)\n\n> %s%s",
		sess.TaskID, sess.ProjectID, sess.Model,
		truncateForSlack(question),
		dashboardLink(dashboardURL, "Answer in dashboard"))

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildDatabaseHealthMessage creates Block Kit blocks for a database
// degraded or recovered transition.
func BuildDatabaseHealthMessage(degraded bool, downtime time.Duration, dashboardURL string) []goslack.Block {
	var text string
	if degraded {
		text = ":red_circle: *Database degraded* — dispatch is paused until connectivity recovers. Live agent sessions continue."
	} else {
		text = fmt.Sprintf(":large_green_circle: *Database recovered* after %s — dispatch resumed.",
			downtime.Round(time.Second))
	}
	text += dashboardLink(dashboardURL, "View status")

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated — view details in dashboard)_"
}
