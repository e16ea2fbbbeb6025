package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	domain "github.com/aq2208/zalo-notifier/internal/entity"
)

const (
	OTPApology         = "Sorry, we could not send your verification code. Please request a new one."
	DefaultOTPTemplate = "Your verification code is <OTP>. It expires in <EXPIRE> seconds."

	otpPlaceholder    = "<OTP>"
	expirePlaceholder = "<EXPIRE>"
)

var ErrMissingOTP = errors.New("Missing OTP or expire time")

// OTPHandler sends a one-time password rendered into the task template.
type OTPHandler struct {
	Template string // used when the task carries no Message
	Timeout  time.Duration
}

func NewOTPHandler(template string, timeout time.Duration) *OTPHandler {
	if template == "" {
		template = DefaultOTPTemplate
	}
	return &OTPHandler{Template: template, Timeout: timeout}
}

func (h *OTPHandler) HandleTimeout() time.Duration { return h.Timeout }

func (h *OTPHandler) Handle(ctx context.Context, task domain.Task, n Notifier) error {
	if task.PhoneNumber == "" {
		return newHandlerError(task, "", false, ErrMissingPhoneNumber)
	}
	otp, okOTP := task.Param("otp")
	expire, okExp := task.Param("expire")
	if !okOTP || !okExp {
		return newHandlerError(task, OTPApology, false, ErrMissingOTP)
	}

	tmpl := h.Template
	if task.Message != nil {
		tmpl = *task.Message
	}
	text := RenderOTP(tmpl, ParamText(otp), ParamText(expire))
	if err := n.SendMessage(ctx, task.PhoneNumber, text); err != nil {
		return newHandlerError(task, OTPApology, true, fmt.Errorf("send otp: %w", err))
	}
	return nil
}

func RenderOTP(template, otp, expire string) string {
	r := strings.NewReplacer(otpPlaceholder, otp, expirePlaceholder, expire)
	return r.Replace(template)
}

// ParamText renders a decoded JSON value as plain text.
func ParamText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
