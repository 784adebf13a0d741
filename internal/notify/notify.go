// Package notify tells operators about sync runs that need attention.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"budget-sync-service/internal/models"
	"budget-sync-service/pkg/logger"
)

// DefaultTimeout bounds one notification request
const DefaultTimeout = 10 * time.Second

// maxListedErrors caps the run errors copied into a message
const maxListedErrors = 5

// Notifier delivers a run summary somewhere
type Notifier interface {
	Notify(ctx context.Context, run *models.SyncRun) error
}

// Summary is the JSON body posted to webhooks
type Summary struct {
	Event       string            `json:"event"`
	SyncID      string            `json:"syncId"`
	TenantID    string            `json:"tenantId"`
	Status      models.SyncStatus `json:"status"`
	FileName    string            `json:"fileName,omitempty"`
	TriggeredBy string            `json:"triggeredBy"`
	StartTime   time.Time         `json:"startTime"`
	EndTime     time.Time         `json:"endTime"`
	Stats       models.SyncStats  `json:"stats"`
	Errors      []string          `json:"errors,omitempty"`
	Confidence  float64           `json:"mappingConfidence"`
}

// NewSummary builds the webhook body of a run
func NewSummary(run *models.SyncRun) Summary {
	return Summary{
		Event:       "budget_sync." + string(run.Status),
		SyncID:      run.SyncID,
		TenantID:    run.TenantID,
		Status:      run.Status,
		FileName:    run.FileName,
		TriggeredBy: run.TriggeredBy,
		StartTime:   run.StartTime,
		EndTime:     run.EndTime,
		Stats:       run.Stats,
		Errors:      firstErrors(run.Errors),
		Confidence:  run.MappingConfidence,
	}
}

// LogNotifier writes the summary to the log
type LogNotifier struct {
	logger logger.Logger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier(log logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &LogNotifier{logger: log.WithComponent("notify")}
}

// Notify logs the run at warning level
func (n *LogNotifier) Notify(ctx context.Context, run *models.SyncRun) error {
	n.logger.WithFields(logger.Fields{
		"tenant_id": run.TenantID,
		"sync_id":   run.SyncID,
		"status":    run.Status,
		"file":      run.FileName,
		"errors":    run.Stats.Errors,
		"total":     run.Stats.Total,
	}).Warn("Sync run needs attention")
	return nil
}

// WebhookNotifier posts the JSON summary to a URL
type WebhookNotifier struct {
	url     string
	client  *http.Client
	headers map[string]string
}

// NewWebhookNotifier creates a webhook notifier. A zero timeout uses
// DefaultTimeout.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		headers: map[string]string{},
	}
}

// SetHeader adds a header sent with every request
func (n *WebhookNotifier) SetHeader(key, value string) {
	n.headers[key] = value
}

// Notify posts the run summary
func (n *WebhookNotifier) Notify(ctx context.Context, run *models.SyncRun) error {
	return post(ctx, n.client, n.url, NewSummary(run), n.headers)
}

// SlackNotifier posts a blocks message to a Slack incoming webhook
type SlackNotifier struct {
	url    string
	client *http.Client
}

// NewSlackNotifier creates a Slack notifier. A zero timeout uses
// DefaultTimeout.
func NewSlackNotifier(url string, timeout time.Duration) *SlackNotifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SlackNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// Notify posts the run as Slack blocks
func (n *SlackNotifier) Notify(ctx context.Context, run *models.SyncRun) error {
	return post(ctx, n.client, n.url, slackPayload(run), nil)
}

func slackPayload(run *models.SyncRun) slackMessage {
	title := fmt.Sprintf("Budget sync %s for %s", run.Status, run.TenantID)
	file := run.FileName
	if file == "" {
		file = "-"
	}

	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: title, Emoji: true}},
		{Type: "section", Fields: []slackText{
			{Type: "mrkdwn", Text: fmt.Sprintf("*Sync:*\n%s", run.SyncID)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*File:*\n%s", file)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Rows:*\n%d total, %d errors", run.Stats.Total, run.Stats.Errors)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Changes:*\n+%d ~%d -%d", run.Stats.Created, run.Stats.Updated, run.Stats.SoftDeleted)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", run.EndTime.Format(time.RFC822))},
		}},
	}
	if errs := firstErrors(run.Errors); len(errs) > 0 {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: "*Errors:*\n" + strings.Join(errs, "\n")},
		})
	}
	return slackMessage{Text: title, Blocks: blocks}
}

// Multi fans a run out to several notifiers. Every notifier is tried; the
// errors are joined.
type Multi []Notifier

// Notify calls each notifier in order
func (m Multi) Notify(ctx context.Context, run *models.SyncRun) error {
	var failed []string
	for _, n := range m {
		if err := n.Notify(ctx, run); err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d notifiers failed: %s", len(failed), len(m), strings.Join(failed, "; "))
	}
	return nil
}

// Safe calls n and absorbs both errors and panics so a broken hook never
// changes the outcome of a run.
func Safe(ctx context.Context, n Notifier, run *models.SyncRun, log logger.Logger) {
	if n == nil || run == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"tenant_id": run.TenantID,
				"sync_id":   run.SyncID,
				"panic":     fmt.Sprint(r),
			}).Error("Notifier panicked")
		}
	}()
	if err := n.Notify(ctx, run); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"tenant_id": run.TenantID,
			"sync_id":   run.SyncID,
		}).Error("Failed to send sync notification")
	}
}

func post(ctx context.Context, client *http.Client, url string, body interface{}, headers map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build notification request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post notification to %s", url)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("notification to %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

func firstErrors(errs []string) []string {
	if len(errs) > maxListedErrors {
		return errs[:maxListedErrors]
	}
	return errs
}
