package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hive-corporation/c2sync/internal/core/domain"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// maxListedGroups caps the group names spelled out in one message.
const maxListedGroups = 10

type SlackNotifier struct {
	botToken    string
	channel     string
	mentionTeam string
	apiURL      string
	httpClient  *http.Client
}

func NewSlackNotifier(botToken, channel, mentionTeam string) *SlackNotifier {
	return &SlackNotifier{
		botToken:    botToken,
		channel:     channel,
		mentionTeam: mentionTeam,
		apiURL:      slackPostMessageURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithAPIURL points the notifier at another chat.postMessage endpoint.
func (s *SlackNotifier) WithAPIURL(url string) *SlackNotifier {
	s.apiURL = url
	return s
}

// NotifyRunSummary posts the outcome of a daily run.
func (s *SlackNotifier) NotifyRunSummary(run *domain.RunSummary) error {
	blocks := s.buildRunSummaryBlocks(run)

	emoji := "✅"
	if len(run.Failures) > 0 {
		emoji = "⚠️"
	}

	payload := SlackMessage{
		Channel: s.channel,
		Blocks:  blocks,
		Text: fmt.Sprintf("%s C2 blocklist sync %s: %d new, %d expired, %d failures",
			emoji, run.Date.Format("2006-01-02"), run.New, run.Expired, len(run.Failures)),
	}

	return s.sendMessage(payload)
}

func (s *SlackNotifier) buildRunSummaryBlocks(run *domain.RunSummary) []SlackBlock {
	title := "✅ C2 Blocklist Sync Completed"
	if len(run.Failures) > 0 {
		title = "⚠️ C2 Blocklist Sync Completed With Failures"
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{
				Type: "plain_text",
				Text: title,
			},
		},
		{
			Type: "section",
			Fields: []SlackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Date*\n%s", run.Date.Format("2006-01-02"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Unique IPs*\n%d", run.Collect.Unique)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*New*\n%d", run.New)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Expired*\n%d", run.Expired)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Still Blocked*\n%d", run.Carried)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Address Objects Created*\n%d", run.ObjectsCreated)},
			},
		},
		{Type: "divider"},
	}

	if len(run.GroupsCreated) > 0 {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{
				Type: "mrkdwn",
				Text: "*➕ Groups Created*\n" + groupList(run.GroupsCreated),
			},
		})
	}
	if len(run.GroupsDeleted) > 0 {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{
				Type: "mrkdwn",
				Text: "*➖ Groups Deleted*\n" + groupList(run.GroupsDeleted),
			},
		})
	}

	if len(run.Failures) > 0 {
		counts := run.FailureCounts()
		reasons := make([]string, 0, len(counts))
		for reason := range counts {
			reasons = append(reasons, string(reason))
		}
		sort.Strings(reasons)

		failureText := "*❌ Failures*\n"
		for _, reason := range reasons {
			failureText += fmt.Sprintf("• `%s` x%d: %s\n", reason, counts[domain.FailureReason(reason)], domain.FailureReason(reason).Message())
		}

		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{
				Type: "mrkdwn",
				Text: failureText,
			},
		})
	}

	if run.Collect.FailedQueries > 0 || run.Collect.AbandonedPages > 0 {
		blocks = append(blocks, SlackBlock{
			Type: "context",
			Elements: []SlackText{
				{
					Type: "mrkdwn",
					Text: fmt.Sprintf("Feed: %d/%d queries failed | %d pages abandoned",
						run.Collect.FailedQueries, run.Collect.Queries, run.Collect.AbandonedPages),
				},
			},
		})
	}

	blocks = append(blocks, SlackBlock{
		Type: "context",
		Elements: []SlackText{
			{
				Type: "mrkdwn",
				Text: fmt.Sprintf("Run `%s` | Duration: *%s*", run.ID, run.Duration().Round(time.Second)),
			},
		},
	})

	// Only ping the team when something needs a look
	if s.mentionTeam != "" && len(run.Failures) > 0 {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("🔔 %s", s.mentionTeam),
			},
		})
	}

	return blocks
}

func groupList(groups []string) string {
	listed := groups
	if len(listed) > maxListedGroups {
		listed = listed[:maxListedGroups]
	}
	text := "`" + strings.Join(listed, "`, `") + "`"
	if len(groups) > maxListedGroups {
		text += fmt.Sprintf("\n_...and %d more_", len(groups)-maxListedGroups)
	}
	return text
}

// Send message to Slack
func (s *SlackNotifier) sendMessage(msg SlackMessage) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}

	req, err := http.NewRequest("POST", s.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	// chat.postMessage reports most failures with a 200 and ok=false
	var result slackResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode Slack response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("slack API error: %s", result.Error)
	}

	return nil
}

// Slack API structures

type SlackMessage struct {
	Channel string       `json:"channel"`
	Blocks  []SlackBlock `json:"blocks"`
	Text    string       `json:"text"` // Fallback text
}

type SlackBlock struct {
	Type     string      `json:"type"`
	Text     *SlackText  `json:"text,omitempty"`
	Fields   []SlackText `json:"fields,omitempty"`
	Elements []SlackText `json:"elements,omitempty"`
}

type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
