package scripted

import (
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"gopkg.in/yaml.v3"

	"EmuHub/internal/ability"
)

// Rule 描述一条 hook 规则：对满足 Match 的执行器注册 key 对应的 Lua hook。
type Rule struct {
	Key    string        `yaml:"key"`
	Match  ability.Match `yaml:"match"`
	Script string        `yaml:"script"`
	Source string        `yaml:"source"`
}

type settings struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	Rule
	proto *lua.FunctionProto
}

// decodeRules 将插件配置块转换为规则列表，配置块可能来自 YAML 或环境变量，因此经由 YAML 中转。
func decodeRules(cfg map[string]any) ([]Rule, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode scripted config: %w", err)
	}
	var s settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode scripted config: %w", err)
	}
	return s.Rules, nil
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		r.Key = strings.TrimSpace(r.Key)
		if r.Key == "" {
			return nil, fmt.Errorf("rule #%d: key is required", i)
		}
		if _, dup := seen[r.Key]; dup {
			return nil, fmt.Errorf("rule #%d: key %s declared twice", i, r.Key)
		}
		seen[r.Key] = struct{}{}

		source, name := r.Source, r.Key
		switch {
		case r.Script != "" && r.Source != "":
			return nil, fmt.Errorf("rule %s: script and source are mutually exclusive", r.Key)
		case r.Script != "":
			data, err := os.ReadFile(r.Script)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.Key, err)
			}
			source, name = string(data), r.Script
		case r.Source == "":
			return nil, fmt.Errorf("rule %s: script or source is required", r.Key)
		}

		proto, err := compile(source, name)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Key, err)
		}
		out = append(out, compiledRule{Rule: r, proto: proto})
	}
	return out, nil
}

func compile(source, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, name)
}
