package usecase

import (
	"context"
	"log/slog"
)

// NotifyOrLog sends text to phoneNumber once. A failure is logged and dropped.
func NotifyOrLog(ctx context.Context, n Notifier, log *slog.Logger, phoneNumber, text string) {
	if n == nil || phoneNumber == "" || text == "" {
		return
	}
	if err := n.SendMessage(ctx, phoneNumber, text); err != nil {
		log.Warn("fallback notification failed", "phone", phoneNumber, "err", err)
		return
	}
	log.Info("fallback notification sent", "phone", phoneNumber)
}
