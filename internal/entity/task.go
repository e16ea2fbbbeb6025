package domain

// ActionType selects the handler a task is routed to.
type ActionType string

const (
	ActionDownloadImage ActionType = "DOWNLOAD_IMAGE"
	ActionSendOTP       ActionType = "SEND_OTP"
)

func (a ActionType) String() string { return string(a) }

// Task is the decoded payload of a task-completion event.
type Task struct {
	TaskID      string         `json:"TaskId"`
	ActionType  ActionType     `json:"ActionType"`
	PhoneNumber string         `json:"PhoneNumber"`
	Message     *string        `json:"Message,omitempty"`
	ZipFileURL  *string        `json:"ZipFileUrl,omitempty"`
	Params      map[string]any `json:"Params"`
}

// MessageText returns the template or "" when absent.
func (t Task) MessageText() string {
	if t.Message == nil {
		return ""
	}
	return *t.Message
}

// Param returns Params[key] and whether it holds a non-null value.
func (t Task) Param(key string) (any, bool) {
	v, ok := t.Params[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
