package execution

import (
	"slices"

	"EmuHub/internal/ability"
	xerrors "EmuHub/internal/errors"
)

// Status 表示 link 在生命周期中的状态。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusCollected Status = "collected"
	StatusFailed    Status = "failed"
)

const (
	CodeLinkNotFound xerrors.Code = "LINK_NOT_FOUND"
	CodeLinkConflict xerrors.Code = "LINK_CONFLICT"
	CodeLinkPublish  xerrors.Code = "LINK_PUBLISH"
)

var (
	// ErrLinkNotFound 表示指定的 link 不存在。
	ErrLinkNotFound = xerrors.New(CodeLinkNotFound, "link not found")
	// ErrLinkConflict 表示 link ID 已存在。
	ErrLinkConflict = xerrors.New(CodeLinkConflict, "link already exists")
)

func init() {
	xerrors.Register(CodeLinkNotFound, xerrors.Attributes{
		Message:  "link not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeLinkConflict, xerrors.Attributes{
		Message:  "link already exists",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeLinkPublish, xerrors.Attributes{
		Message:  "failed to publish link",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Link 是一次入队的执行请求：hook 运行完之后执行器的快照。
type Link struct {
	ID           string   `json:"id"`
	AbilityID    string   `json:"ability_id"`
	AbilityName  string   `json:"ability_name"`
	Executor     string   `json:"executor"`
	Platform     string   `json:"platform"`
	Command      string   `json:"command"`
	Payloads     []string `json:"payloads,omitempty"`
	Cleanup      []string `json:"cleanup,omitempty"`
	Timeout      int      `json:"timeout,omitempty"`
	Status       Status   `json:"status"`
	HookFailures int      `json:"hook_failures"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
}

func snapshot(id string, ab *ability.Ability, ex *ability.Executor) *Link {
	cur := ex.WorkingCopy()
	return &Link{
		ID:          id,
		AbilityID:   ab.ID,
		AbilityName: ab.Name,
		Executor:    cur.Name,
		Platform:    cur.Platform,
		Command:     cur.Command,
		Payloads:    cur.Payloads,
		Cleanup:     cur.Cleanup,
		Timeout:     cur.Timeout,
		Status:      StatusQueued,
	}
}

func (l *Link) clone() *Link {
	if l == nil {
		return nil
	}
	dup := *l
	dup.Payloads = slices.Clone(l.Payloads)
	dup.Cleanup = slices.Clone(l.Cleanup)
	return &dup
}
