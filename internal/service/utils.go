package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func StringToFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func StringToInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// FloatToString 下单数量/价格格式化，去掉多余的 0
func FloatToString(f float64, precision int) string {
	s := strconv.FormatFloat(f, 'f', precision, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

// 将 time.Duration 原(1h0m0s或者1m0s)格式化为标准的 K 线周期字符串，如 "1m", "5m", "1h", "1d"
func FormatInterval(d time.Duration) string {
	day := 24 * time.Hour
	if d >= day && d%day == 0 {
		return fmt.Sprintf("%dd", d/day)
	}

	// 优先处理小时 (h)
	if d >= time.Hour && d%time.Hour == 0 {
		hours := d / time.Hour
		return fmt.Sprintf("%dh", hours)
	}

	// 接着处理分钟 (m)
	if d >= time.Minute && d%time.Minute == 0 {
		minutes := d / time.Minute
		return fmt.Sprintf("%dm", minutes)
	}

	// 接着处理秒 (s)
	if d >= time.Second && d%time.Second == 0 {
		seconds := d / time.Second
		return fmt.Sprintf("%ds", seconds)
	}

	return d.String()
}

// 将 K 线周期字符串解析为 time.Duration
// 例如 "1m" -> 1*time.Minute, "4h" -> 4*time.Hour
func ParseIntervalDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval format: %s", s)
	}

	unit := strings.ToLower(s[len(s)-1:])
	valueStr := s[:len(s)-1]

	var unitDuration time.Duration
	switch unit {
	case "s":
		unitDuration = time.Second
	case "m":
		unitDuration = time.Minute
	case "h":
		unitDuration = time.Hour
	case "d":
		unitDuration = 24 * time.Hour
	case "w":
		unitDuration = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unsupported interval unit: %s", unit)
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid interval value: %s", valueStr)
	}

	return time.Duration(value) * unitDuration, nil
}

// SplitSymbol 拆分交易对，支持 "BTC/USDT"、"BTC-USDT"、"BTCUSDT" 三种写法
func SplitSymbol(symbol string) (base, quote string) {
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(symbol, sep); i > 0 {
			return strings.ToUpper(symbol[:i]), strings.ToUpper(symbol[i+1:])
		}
	}

	s := strings.ToUpper(symbol)
	for _, q := range []string{"USDT", "USDC", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q
		}
	}
	// 无法识别时退回前三位为 base (例如 BTCUSDT -> BTC, USDT)
	if len(s) > 3 {
		return s[:3], s[3:]
	}
	return s, ""
}

// ToOkxInstID BTC/USDT -> BTC-USDT (现货)
func ToOkxInstID(symbol string) string {
	base, quote := SplitSymbol(symbol)
	if quote == "" {
		return base
	}
	return base + "-" + quote
}

// ToBinanceSymbol BTC/USDT -> BTCUSDT
func ToBinanceSymbol(symbol string) string {
	base, quote := SplitSymbol(symbol)
	return base + quote
}
