// Package coord 坐标系转换与距离计算
package coord

import (
	"math"
	"math/big"
	"strconv"
	"strings"
)

// 克拉索夫斯基椭球参数
const (
	pi = 3.1415926535897932384626
	a  = 6378245.0
	ee = 0.00669342162296594323
)

// OutOfChina 是否位于 GCJ-02 适用范围之外
func OutOfChina(lat, lng float64) bool {
	return lng < 72.004 || lng > 137.8347 || lat < 0.8293 || lat > 55.8271
}

// WGS84ToGCJ02 WGS84 坐标转换为 GCJ-02（高德坐标系），结果按四舍五入保留 6 位小数。
// 范围外的坐标原样返回。
func WGS84ToGCJ02(lat, lng float64) (float64, float64) {
	if OutOfChina(lat, lng) {
		return lat, lng
	}
	dLat := transformLat(lng-105.0, lat-35.0)
	dLng := transformLng(lng-105.0, lat-35.0)
	radLat := lat / 180.0 * pi
	magic := math.Sin(radLat)
	magic = 1 - ee*magic*magic
	sqrtMagic := math.Sqrt(magic)
	dLat = (dLat * 180.0) / ((a * (1 - ee)) / (magic * sqrtMagic) * pi)
	dLng = (dLng * 180.0) / (a / sqrtMagic * math.Cos(radLat) * pi)
	return RoundHalfUp(lat+dLat, 6), RoundHalfUp(lng+dLng, 6)
}

// Transform 可空坐标版本，任一分量缺失时原样返回（不补零）
func Transform(lat, lng *float64) (*float64, *float64) {
	if lat == nil || lng == nil {
		return lat, lng
	}
	gLat, gLng := WGS84ToGCJ02(*lat, *lng)
	return &gLat, &gLng
}

func transformLat(x, y float64) float64 {
	ret := -100.0 + 2.0*x + 3.0*y + 0.2*y*y + 0.1*x*y + 0.2*math.Sqrt(math.Abs(x))
	ret += (20.0*math.Sin(6.0*x*pi) + 20.0*math.Sin(2.0*x*pi)) * 2.0 / 3.0
	ret += (20.0*math.Sin(y*pi) + 40.0*math.Sin(y/3.0*pi)) * 2.0 / 3.0
	ret += (160.0*math.Sin(y/12.0*pi) + 320*math.Sin(y*pi/30.0)) * 2.0 / 3.0
	return ret
}

func transformLng(x, y float64) float64 {
	ret := 300.0 + x + 2.0*y + 0.1*x*x + 0.1*x*y + 0.1*math.Sqrt(math.Abs(x))
	ret += (20.0*math.Sin(6.0*x*pi) + 20.0*math.Sin(2.0*x*pi)) * 2.0 / 3.0
	ret += (20.0*math.Sin(x*pi) + 40.0*math.Sin(x/3.0*pi)) * 2.0 / 3.0
	ret += (150.0*math.Sin(x/12.0*pi) + 300.0*math.Sin(x/30.0*pi)) * 2.0 / 3.0
	return ret
}

// RoundHalfUp 按十进制最短表示做四舍五入（远离零），避免 math.Round(v*1e6) 的二进制误差
func RoundHalfUp(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	neg := v < 0
	s := strconv.FormatFloat(math.Abs(v), 'f', -1, 64)
	intPart, frac, _ := strings.Cut(s, ".")
	if len(frac) <= places {
		return v
	}
	digits, ok := new(big.Int).SetString(intPart+frac[:places], 10)
	if !ok {
		return v
	}
	if frac[places] >= '5' {
		digits.Add(digits, big.NewInt(1))
	}
	out := digits.String()
	if len(out) <= places {
		out = strings.Repeat("0", places-len(out)+1) + out
	}
	out = out[:len(out)-places] + "." + out[len(out)-places:]
	r, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return v
	}
	if neg {
		return -r
	}
	return r
}
