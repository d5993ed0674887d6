package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
	"github.com/tidwall/gjson"

	"changedesk/internal/approval"
	"changedesk/internal/logging"
	"changedesk/internal/taskstate"
)

const defaultGenerateTimeout = 5 * time.Minute

const instructions = `You propose file-level edits for a change request.
Reply with JSON only, shaped as {"proposals":[{"file":"path","content":"full new content","change":"modify|create|delete","reason":"why"}]}.
Change request:
`

type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// OpenAIBackend asks a Responses API model for proposals and reports progress
// back through the attached Ingest.
type OpenAIBackend struct {
	cfg     OpenAIConfig
	service responses.ResponseService
	logger  *slog.Logger

	mu     sync.RWMutex
	ingest approval.Ingest
	wg     sync.WaitGroup
}

func NewOpenAIBackend(cfg OpenAIConfig, httpClient *http.Client, logger *slog.Logger) *OpenAIBackend {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithHTTPClient(httpClient)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGenerateTimeout
	}
	return &OpenAIBackend{
		cfg:     cfg,
		service: responses.NewResponseService(opts...),
		logger:  logging.OrDiscard(logger).With("module", "generation"),
	}
}

// Attach sets where results are reported. It must be called before the first Generate.
func (b *OpenAIBackend) Attach(ingest approval.Ingest) {
	b.mu.Lock()
	b.ingest = ingest
	b.mu.Unlock()
}

// Generate starts work in the background and returns immediately.
func (b *OpenAIBackend) Generate(ctx context.Context, task taskstate.Task) error {
	b.mu.RLock()
	ingest := b.ingest
	b.mu.RUnlock()
	if ingest == nil {
		return errors.New("generation backend is not attached")
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.Timeout)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		b.run(runCtx, ingest, task)
	}()
	return nil
}

// Wait blocks until every started generation has reported.
func (b *OpenAIBackend) Wait() {
	b.wg.Wait()
}

func (b *OpenAIBackend) run(ctx context.Context, ingest approval.Ingest, task taskstate.Task) {
	logger := b.logger.With("task_id", task.TaskID)
	if _, err := ingest.ReportStatus(ctx, approval.StatusReport{TaskID: task.TaskID, Status: taskstate.StatusProcessing}); err != nil {
		logger.Warn("report processing failed", "err", err)
		return
	}

	inputs, err := b.propose(ctx, task.Prompt)
	if err != nil {
		logger.Warn("generation failed", "err", err)
		b.reportFailure(ctx, ingest, task.TaskID, err.Error())
		return
	}
	if len(inputs) == 0 {
		b.reportFailure(ctx, ingest, task.TaskID, "model returned no proposals")
		return
	}
	if _, err := ingest.ReportProposals(ctx, task.TaskID, inputs); err != nil {
		logger.Warn("report proposals failed", "err", err)
		b.reportFailure(ctx, ingest, task.TaskID, err.Error())
		return
	}

	files := make([]string, 0, len(inputs))
	changes := make([]taskstate.ChangeDescriptor, 0, len(inputs))
	for _, in := range inputs {
		files = append(files, in.File)
		changes = append(changes, taskstate.ChangeDescriptor{File: in.File, Kind: changeKind(in.Change)})
	}
	if _, err := ingest.ReportStatus(ctx, approval.StatusReport{
		TaskID:          task.TaskID,
		Status:          taskstate.StatusPendingApproval,
		GeneratedFiles:  &files,
		ProposedChanges: &changes,
	}); err != nil {
		logger.Warn("report pending approval failed", "err", err)
		b.reportFailure(ctx, ingest, task.TaskID, err.Error())
		return
	}
	logger.Info("generation finished", "proposals", len(inputs))
}

func (b *OpenAIBackend) reportFailure(ctx context.Context, ingest approval.Ingest, taskID, reason string) {
	if _, err := ingest.ReportStatus(ctx, approval.StatusReport{TaskID: taskID, Status: taskstate.StatusFailed, Reason: reason}); err != nil {
		b.logger.Warn("report failed status failed", "task_id", taskID, "err", err)
	}
}

func (b *OpenAIBackend) propose(ctx context.Context, prompt string) ([]taskstate.ProposalInput, error) {
	params := responses.ResponseNewParams{
		Model: b.cfg.Model,
		Input: responses.ResponseNewParamsInputUnion{OfString: param.NewOpt(instructions + prompt)},
	}
	var rawBody []byte
	if _, err := b.service.New(ctx, params, option.WithResponseBodyInto(&rawBody)); err != nil {
		var apiErr *responses.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("responses api status %d: %s", apiErr.StatusCode, strings.TrimSpace(apiErr.RawJSON()))
		}
		return nil, fmt.Errorf("responses request failed: %w", err)
	}
	if len(rawBody) == 0 {
		return nil, errors.New("responses api returned an empty body")
	}
	return parseProposals(rawBody)
}

// parseProposals pulls the model's text out of a Responses payload and reads
// the proposals array from it. Code fences around the JSON are tolerated.
func parseProposals(rawBody []byte) ([]taskstate.ProposalInput, error) {
	var text strings.Builder
	for _, part := range gjson.GetBytes(rawBody, "output.#.content|@flatten").Array() {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
	}
	body := strings.TrimSpace(text.String())
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)
	if !gjson.Valid(body) {
		return nil, errors.New("model output is not valid JSON")
	}
	list := gjson.Get(body, "proposals")
	if !list.IsArray() {
		return nil, errors.New("model output has no proposals array")
	}
	out := make([]taskstate.ProposalInput, 0, len(list.Array()))
	for _, item := range list.Array() {
		file := strings.TrimSpace(item.Get("file").String())
		if file == "" {
			continue
		}
		out = append(out, taskstate.ProposalInput{
			File:    file,
			Content: item.Get("content").String(),
			Change:  item.Get("change").String(),
			Reason:  item.Get("reason").String(),
		})
	}
	return out, nil
}

func changeKind(change string) string {
	switch strings.ToLower(strings.TrimSpace(change)) {
	case "create", "add", "new":
		return "create"
	case "delete", "remove":
		return "delete"
	default:
		return "modify"
	}
}
