package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/aq2208/zalo-notifier/internal/entity"
)

const DownloadApology = "Sorry, we could not deliver your download link. Please try exporting again later."

var (
	ErrMissingZipFileURL  = errors.New("missing zip file url")
	ErrMissingPhoneNumber = errors.New("missing phone number")
)

// DownloadReadyHandler tells the user their export can be downloaded.
type DownloadReadyHandler struct {
	BaseURL string
	Timeout time.Duration
}

func NewDownloadReadyHandler(baseURL string, timeout time.Duration) *DownloadReadyHandler {
	return &DownloadReadyHandler{BaseURL: baseURL, Timeout: timeout}
}

func (h *DownloadReadyHandler) HandleTimeout() time.Duration { return h.Timeout }

func (h *DownloadReadyHandler) Handle(ctx context.Context, task domain.Task, n Notifier) error {
	if task.PhoneNumber == "" {
		return newHandlerError(task, "", false, ErrMissingPhoneNumber)
	}
	if task.ZipFileURL == nil || *task.ZipFileURL == "" {
		return newHandlerError(task, DownloadApology, false, ErrMissingZipFileURL)
	}

	text := ComposeDownloadMessage(task.MessageText(), h.BaseURL, *task.ZipFileURL)
	if err := n.NotifyExportReady(ctx, task.PhoneNumber, text); err != nil {
		return newHandlerError(task, DownloadApology, true, fmt.Errorf("notify export ready: %w", err))
	}
	return nil
}

// ComposeDownloadMessage renders "<message> <base>/<path>" with path
// separators normalized to forward slashes.
func ComposeDownloadMessage(message, baseURL, path string) string {
	link := DownloadLink(baseURL, path)
	if message == "" {
		return link
	}
	return message + " " + link
}

func DownloadLink(baseURL, path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	if baseURL == "" {
		return path
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
