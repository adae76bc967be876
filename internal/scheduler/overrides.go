package scheduler

import (
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// TriggerOverride はファイルから個別トリガーの設定を上書きします。
type TriggerOverride struct {
	Schedule string `yaml:"schedule"`
	Timezone string `yaml:"timezone"`
	Enabled  *bool  `yaml:"enabled"`
}

// FileConfig は SCHEDULER_CONFIG で指定する YAML の形式です。
//
//	timezone: America/New_York
//	triggers:
//	  token-cleanup:
//	    schedule: "0 */4 * * *"
//	  weekly-backup:
//	    enabled: false
type FileConfig struct {
	Timezone string                     `yaml:"timezone"`
	Triggers map[string]TriggerOverride `yaml:"triggers"`
}

// LoadFileConfig は YAML を読み込み、スケジュール式とタイムゾーンを検証します。
func LoadFileConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduler config: %w", err)
	}
	return ParseFileConfig(raw)
}

// ParseFileConfig は YAML をパースして検証します。
func ParseFileConfig(raw []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse scheduler config: %w", err)
	}
	if fc.Timezone != "" {
		if _, err := loadLocation(fc.Timezone); err != nil {
			return nil, err
		}
	}
	for name, o := range fc.Triggers {
		if o.Schedule != "" {
			if _, err := cron.ParseStandard(o.Schedule); err != nil {
				return nil, fmt.Errorf("trigger %s: invalid schedule %q: %w", name, o.Schedule, err)
			}
		}
		if o.Timezone != "" {
			if _, err := loadLocation(o.Timezone); err != nil {
				return nil, fmt.Errorf("trigger %s: %w", name, err)
			}
		}
	}
	return &fc, nil
}
