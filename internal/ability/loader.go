package ability

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "EmuHub/internal/errors"
	"EmuHub/pkg/logger"
)

// LoadDir 读取 dirs 下所有 .yml/.yaml 能力文件并加入 store，返回加载的能力数量。
//
// 每个文件是一个能力列表；文件按路径字典序加载，因此加载顺序是确定的。
// 路径形如 plugins/<name>/data/abilities/... 的能力在未声明 plugin 时继承 <name>。
func LoadDir(ctx context.Context, store *Store, dirs ...string) (int, error) {
	if store == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "ability store not initialised")
	}
	var files []string
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yml", ".yaml":
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return 0, xerrors.Wrap(CodeAbilityLoad, err, "扫描能力目录失败: "+dir)
		}
	}
	sort.Strings(files)

	loaded := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		n, err := LoadFile(store, path)
		if err != nil {
			return loaded, err
		}
		loaded += n
	}
	logger.Named("ability").Info("能力加载完成", slog.Int("abilities", loaded), slog.Int("files", len(files)))
	return loaded, nil
}

// LoadFile 解析单个能力文件。
func LoadFile(store *Store, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, xerrors.Wrap(CodeAbilityLoad, err, "读取能力文件失败: "+path)
	}
	var abilities []*Ability
	if err := yaml.Unmarshal(raw, &abilities); err != nil {
		return 0, xerrors.Wrap(CodeAbilityLoad, err, "解析能力文件失败: "+path)
	}
	owner := pluginFromPath(path)
	added := 0
	for _, ab := range abilities {
		if ab == nil {
			continue
		}
		if ab.Plugin == "" {
			ab.Plugin = owner
		}
		if err := store.Add(ab); err != nil {
			return added, xerrors.Wrap(CodeAbilityLoad, err, "加载能力失败: "+path)
		}
		added++
	}
	return added, nil
}

func pluginFromPath(path string) string {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	for i := 0; i+3 < len(parts); i++ {
		if parts[i] == "plugins" && parts[i+2] == "data" && parts[i+3] == "abilities" {
			return parts[i+1]
		}
	}
	return ""
}
