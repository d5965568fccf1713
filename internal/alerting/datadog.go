package alerting

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	datadogapi "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/rs/zerolog"
)

// DatadogOptions configure the Datadog Logs sink.
type DatadogOptions struct {
	APIKey  string
	Site    string
	Service string
	Tags    []string
	// BaseURL overrides the intake host; empty uses the site's logs intake.
	BaseURL string
	Timeout time.Duration
}

// DatadogNotifier submits each failure as a structured log event.
type DatadogNotifier struct {
	opts   DatadogOptions
	logs   *datadogV2.LogsApi
	logger zerolog.Logger
}

// NewDatadogNotifier 构造 Datadog 告警器。
func NewDatadogNotifier(opts DatadogOptions, logger zerolog.Logger) *DatadogNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Site == "" {
		opts.Site = "datadoghq.com"
	}
	if opts.Service == "" {
		opts.Service = "payrelay"
	}

	apiCfg := datadogapi.NewConfiguration()
	apiCfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	if opts.BaseURL != "" {
		base := strings.TrimRight(opts.BaseURL, "/")
		apiCfg.Servers = datadogapi.ServerConfigurations{{URL: base}}
		apiCfg.OperationServers = map[string]datadogapi.ServerConfigurations{
			"v2.LogsApi.SubmitLog": {{URL: base}},
		}
	}

	return &DatadogNotifier{
		opts:   opts,
		logs:   datadogV2.NewLogsApi(datadogapi.NewAPIClient(apiCfg)),
		logger: logger.With().Str("component", "alert_datadog").Logger(),
	}
}

// Notify submits one log item tagged with the stage and error code.
func (n *DatadogNotifier) Notify(ctx context.Context, note Notification) error {
	authCtx := datadogapi.NewDefaultContext(ctx)
	authCtx = context.WithValue(authCtx, datadogapi.ContextAPIKeys, map[string]datadogapi.APIKey{
		"apiKeyAuth": {Key: n.opts.APIKey},
	})
	authCtx = context.WithValue(authCtx, datadogapi.ContextServerVariables, map[string]string{
		"site": n.opts.Site,
	})

	item := datadogV2.NewHTTPLogItem(renderMessage(note))
	item.SetService(n.opts.Service)
	item.SetDdsource("payrelay")
	item.SetDdtags(strings.Join(n.tags(note), ","))
	item.AdditionalProperties = n.attributes(note)

	_, httpResp, err := n.logs.SubmitLog(authCtx, []datadogV2.HTTPLogItem{*item})
	if httpResp != nil && httpResp.Body != nil {
		defer func() { _ = httpResp.Body.Close() }()
	}
	if err != nil {
		return fmt.Errorf("submit datadog log: %w", err)
	}

	n.logger.Info().Str("lineage", note.Lineage).
		Str("stage", note.Stage).
		Str("code", note.Code).
		Msg("告警已发送 (Datadog)")
	return nil
}

func (n *DatadogNotifier) tags(note Notification) []string {
	tags := append([]string{}, n.opts.Tags...)
	tags = append(tags, "stage:"+note.Stage, "error_code:"+note.Code)
	if note.Category != "" {
		tags = append(tags, "category:"+note.Category)
	}
	return tags
}

func (n *DatadogNotifier) attributes(note Notification) map[string]interface{} {
	status := "error"
	if note.Severity == SeverityWarning {
		status = "warn"
	}
	attrs := map[string]interface{}{
		"status":        status,
		"event":         "saga_failed_permanently",
		"stage":         note.Stage,
		"lineage":       note.Lineage,
		"error_code":    note.Code,
		"attempt_count": note.Attempt,
	}
	if !note.FirstAttemptAt.IsZero() {
		attrs["first_attempt_at"] = note.FirstAttemptAt.UTC().Format(time.RFC3339)
	}
	for k, v := range note.Fields {
		attrs[k] = v
	}
	return attrs
}

var _ Notifier = (*DatadogNotifier)(nil)
