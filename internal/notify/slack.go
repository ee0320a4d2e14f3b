// Package notify sends Slack webhook notifications for migration job
// lifecycle events.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tcmigrate/tcmigrate/internal/config"
)

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// JobStarted sends notification when a migration job starts
func (n *Notifier) JobStarted(jobID, source, target, scope string, totalItems int) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":rocket:",
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Title: "Migration Started",
				Fields: []SlackField{
					{Title: "Job ID", Value: jobID, Short: true},
					{Title: "Items", Value: fmt.Sprintf("%d", totalItems), Short: true},
					{Title: "Source", Value: source, Short: true},
					{Title: "Target", Value: target, Short: true},
					{Title: "Scope", Value: scopeOrFull(scope), Short: true},
				},
				Footer:    "tcmigrate",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// JobCompleted sends notification when a job finishes without failures
func (n *Notifier) JobCompleted(jobID string, startTime time.Time, duration time.Duration,
	migrated, attachments, warnings int, throughput float64) error {
	if !n.IsEnabled() {
		return nil
	}

	headerText := fmt.Sprintf("Migration completed. %d test cases and %d attachments migrated. Throughput: %.1f items/sec.",
		migrated, attachments, throughput)

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":white_check_mark:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Fields: []SlackField{
					{Title: "Job ID", Value: jobID, Short: true},
					{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Test Cases", Value: fmt.Sprintf("%d", migrated), Short: true},
					{Title: "Attachments", Value: fmt.Sprintf("%d", attachments), Short: true},
					{Title: "Warnings", Value: fmt.Sprintf("%d", warnings), Short: true},
				},
				Footer:    "tcmigrate",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// JobCompletedWithErrors sends notification when a job finishes with
// some item failures
func (n *Notifier) JobCompletedWithErrors(jobID string, startTime time.Time, duration time.Duration,
	migrated, failed, skipped, warnings int) error {
	if !n.IsEnabled() {
		return nil
	}

	headerText := fmt.Sprintf("Migration completed with errors. %d migrated, %d failed, %d skipped.",
		migrated, failed, skipped)

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color: "#ffc107", // yellow
				Fields: []SlackField{
					{Title: "Job ID", Value: jobID, Short: true},
					{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Migrated", Value: fmt.Sprintf("%d", migrated), Short: true},
					{Title: "Failed", Value: fmt.Sprintf("%d", failed), Short: true},
					{Title: "Warnings", Value: fmt.Sprintf("%d", warnings), Short: true},
				},
				Footer:    "tcmigrate",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// JobFailed sends notification when a job fails
func (n *Notifier) JobFailed(jobID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color: "#dc3545", // red
				Title: "Migration Failed",
				Fields: []SlackField{
					{Title: "Job ID", Value: jobID, Short: true},
					{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    "tcmigrate",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return "tcmigrate"
}

func scopeOrFull(scope string) string {
	if scope == "" {
		return "full"
	}
	return scope
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
