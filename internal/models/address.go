package models

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
)

// Address 结构化地址信息（逆地理编码结果）
type Address struct {
	FormattedAddress string `json:"formatted_address,omitempty"` // 完整格式化地址
	Country          string `json:"country,omitempty"`           // 国家
	Province         string `json:"province,omitempty"`          // 省
	City             string `json:"city,omitempty"`              // 市
	District         string `json:"district,omitempty"`          // 区/县
	Township         string `json:"township,omitempty"`          // 乡镇/街道
}

// Region 区域描述：省 市 区，市与省相同时省略（直辖市）
func (a *Address) Region() string {
	if a == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	if a.Province != "" {
		parts = append(parts, a.Province)
	}
	if a.City != "" && a.City != a.Province {
		parts = append(parts, a.City)
	}
	if a.District != "" {
		parts = append(parts, a.District)
	}
	return strings.Join(parts, " ")
}

// IsEmpty 是否没有任何可用信息
func (a *Address) IsEmpty() bool {
	return a == nil || (a.FormattedAddress == "" && a.Region() == "")
}

// Value 实现 driver.Valuer 接口，用于存储到数据库
func (a Address) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan 实现 sql.Scanner 接口，用于从数据库读取
func (a *Address) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, a)
}
