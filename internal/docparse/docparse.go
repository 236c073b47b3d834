// Package docparse implements the deployment_parse task: fetch a deployment
// document, extract its text and scrape the services it lists.
package docparse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog"

	engerrors "github.com/tiara/engine/internal/errors"
	"github.com/tiara/engine/internal/task"
)

// TaskName is the registry key of the parse task.
const TaskName = "deployment_parse"

// Fetcher downloads a document by URL. connectors.Set implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Spec is the data of a deployment_parse request. FileURL wins when both are set.
type Spec struct {
	FileURL  string `json:"file_url"`
	FilePath string `json:"file_path"`
}

type Handler struct {
	fetcher Fetcher
	logger  zerolog.Logger
}

func NewHandler(fetcher Fetcher, logger zerolog.Logger) *Handler {
	return &Handler{
		fetcher: fetcher,
		logger:  logger.With().Str("task", TaskName).Logger(),
	}
}

func (h *Handler) Prepare(req task.Request) (task.Job, error) {
	var spec Spec
	if data := bytes.TrimSpace(req.Data); len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, engerrors.Validation(TaskName, "data must be a JSON object")
		}
	}
	spec.FileURL = strings.TrimSpace(spec.FileURL)
	spec.FilePath = strings.TrimSpace(spec.FilePath)
	if spec.FileURL == "" && spec.FilePath == "" {
		return nil, engerrors.Validation(TaskName, "missing field: file_url or file_path")
	}
	logID := req.LogID
	return func(ctx context.Context) task.Result {
		return h.Parse(ctx, logID, spec)
	}, nil
}

// Parse runs one document through fetch, extract and scrape. On success the
// output is the indented JSON result.
func (h *Handler) Parse(ctx context.Context, logID int64, spec Spec) task.Result {
	logger := h.logger.With().Int64("log_id", logID).Logger()
	logger.Info().Msg("parsing deployment document")

	doc, err := h.load(ctx, spec)
	if err != nil {
		logger.Error().Err(err).Msg("document unavailable")
		return task.Failed(err.Error())
	}
	text, err := ExtractText(doc)
	if err != nil {
		logger.Error().Err(err).Msg("text extraction failed")
		return task.Failed(err.Error())
	}
	res := Scrape(text)
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return task.Failed(fmt.Sprintf("encode result: %v", err))
	}
	logger.Info().Int("services", len(res.Services)).Msg("extraction finished")
	return task.Result{Status: task.StatusSuccess, Output: string(out)}
}

func (h *Handler) load(ctx context.Context, spec Spec) ([]byte, error) {
	if spec.FileURL != "" {
		if h.fetcher == nil {
			return nil, fmt.Errorf("no document sources configured")
		}
		doc, err := h.fetcher.Fetch(ctx, spec.FileURL)
		if err != nil {
			return nil, fmt.Errorf("Failed to download PDF: %w", err)
		}
		return doc, nil
	}
	doc, err := os.ReadFile(spec.FilePath)
	if err != nil {
		return nil, fmt.Errorf("No valid file_url or file_path provided in payload: %w", err)
	}
	return doc, nil
}

// ExtractText returns the plain text of a PDF document.
func ExtractText(doc []byte) (text string, err error) {
	// The PDF reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Failed to parse PDF: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return "", fmt.Errorf("Failed to parse PDF: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("Failed to parse PDF: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("Failed to parse PDF: %w", err)
	}
	return string(b), nil
}
