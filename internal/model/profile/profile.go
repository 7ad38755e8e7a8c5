package profile

import (
	"fmt"
	"strings"
)

// FileName 是每个用户目录下可选的静态资料文件。
const FileName = "profile.yaml"

// Profile captures the static facts about a user that are fed to the model.
type Profile struct {
	UserID    int64    `yaml:"user_id" json:"userId"`
	Username  string   `yaml:"username,omitempty" json:"username,omitempty"`
	FirstName string   `yaml:"first_name,omitempty" json:"firstName,omitempty"`
	LastName  string   `yaml:"last_name,omitempty" json:"lastName,omitempty"`
	Language  string   `yaml:"language,omitempty" json:"language,omitempty"`
	Tone      string   `yaml:"tone,omitempty" json:"tone,omitempty"`           // 期望的回复语气
	Notes     string   `yaml:"notes,omitempty" json:"notes,omitempty"`         // 自由文本备注
	Traits    []string `yaml:"traits,omitempty" json:"traits,omitempty"`       // 性格特征
	Interests []string `yaml:"interests,omitempty" json:"interests,omitempty"` // 兴趣领域
}

// DisplayName 返回便于展示的名字。
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name != "" {
		return name
	}
	if p.Username != "" {
		return "@" + NormalizeUsername(p.Username)
	}
	return fmt.Sprintf("user %d", p.UserID)
}

// Prompt renders the profile as a system prompt block. Empty profiles render "".
func (p Profile) Prompt() string {
	var lines []string
	add := func(label, value string) {
		value = strings.TrimSpace(value)
		if value != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", label, value))
		}
	}

	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	add("Name", name)
	if p.Username != "" {
		add("Username", "@"+NormalizeUsername(p.Username))
	}
	add("Preferred language", p.Language)
	add("Preferred tone", p.Tone)
	add("Traits", strings.Join(p.Traits, ", "))
	add("Interests", strings.Join(p.Interests, ", "))
	add("Notes", p.Notes)

	if len(lines) == 0 {
		return ""
	}
	return "About the person you are talking to:\n" + strings.Join(lines, "\n")
}

// NormalizeUsername strips the leading @ and lowercases the name.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}
