package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level 事件风险等级，取值有全序：Normal < Level1 < Level2 < Level3
type Level int

const (
	LevelNormal Level = iota
	Level1
	Level2
	Level3
)

var levelNames = [...]string{"Normal", "Level 1", "Level 2", "Level 3"}

// ParseLevel 解析设备上报的等级字符串，兼容 "Level 1" 与 "Level1" 两种写法
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "")) {
	case "normal":
		return LevelNormal, nil
	case "level1":
		return Level1, nil
	case "level2":
		return Level2, nil
	case "level3":
		return Level3, nil
	}
	return LevelNormal, fmt.Errorf("unknown level %q", s)
}

// Valid 是否为已定义的等级
func (l Level) Valid() bool {
	return l >= LevelNormal && l <= Level3
}

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalJSON 以字符串形式输出
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON 接受字符串或数字
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseLevel(s)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("level must be string or number: %w", err)
	}
	if !Level(n).Valid() {
		return fmt.Errorf("level %d out of range", n)
	}
	*l = Level(n)
	return nil
}
