package ability

// Match 是声明式的选择条件，用于配置驱动的 hook 注册。空字段表示不限制。
type Match struct {
	Plugin         string            `yaml:"plugin" json:"plugin,omitempty" koanf:"plugin"`
	Tactic         string            `yaml:"tactic" json:"tactic,omitempty" koanf:"tactic"`
	Platform       string            `yaml:"platform" json:"platform,omitempty" koanf:"platform"`
	Executor       string            `yaml:"executor" json:"executor,omitempty" koanf:"executor"`
	AdditionalInfo map[string]string `yaml:"additional_info" json:"additional_info,omitempty" koanf:"additional_info"`
}

// Ability 判断能力级别的条件是否满足。
func (m Match) Ability(ab *Ability) bool {
	if ab == nil {
		return false
	}
	if m.Plugin != "" && ab.Plugin != m.Plugin {
		return false
	}
	if m.Tactic != "" && ab.Tactic != m.Tactic {
		return false
	}
	for key, want := range m.AdditionalInfo {
		if ab.Info(key) != want {
			return false
		}
	}
	return true
}

// Matches 判断能力与执行器是否同时满足条件。
func (m Match) Matches(ab *Ability, ex *Executor) bool {
	if !m.Ability(ab) || ex == nil {
		return false
	}
	if m.Platform != "" && ex.Platform != m.Platform {
		return false
	}
	if m.Executor != "" && ex.Name != m.Executor {
		return false
	}
	return true
}
