package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"
)

// barHeader CSV 列: timestamp 可以是 RFC3339 或毫秒时间戳
var barHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}

// LoadBarsCSV 读取 OHLCV CSV 文件
func LoadBarsCSV(path, symbol, timeframe string) ([]model.KLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadBarsCSV(f, symbol, timeframe)
}

// ReadBarsCSV 解析 CSV，首行必须是表头；结果按时间升序
func ReadBarsCSV(r io.Reader, symbol, timeframe string) ([]model.KLine, error) {
	interval, err := service.ParseIntervalDuration(timeframe)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty csv")
		}
		return nil, err
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range barHeader {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("csv missing column %q", name)
		}
	}

	var bars []model.KLine
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		ts, err := parseTimestamp(record[cols["timestamp"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		var vals [5]float64
		for i, name := range barHeader[1:] {
			vals[i], err = service.StringToFloat(strings.TrimSpace(record[cols[name]]))
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, name, err)
			}
		}

		bars = append(bars, model.KLine{
			Symbol:    symbol,
			Interval:  timeframe,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
			StartTime: ts,
			EndTime:   ts.Add(interval),
		})
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].StartTime.Before(bars[j].StartTime) })
	return bars, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// WriteTradesCSV 导出回测成交记录
func WriteTradesCSV(trades []model.TradeRecord, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteTrades(f, trades)
}

// WriteTrades 把成交记录以 CSV 写入 w
func WriteTrades(out io.Writer, trades []model.TradeRecord) error {
	w := csv.NewWriter(out)
	_ = w.Write([]string{"timestamp", "type", "symbol", "amount", "price", "capital_after", "profit", "reason"})
	for _, t := range trades {
		_ = w.Write([]string{
			t.Timestamp.Format(time.RFC3339),
			string(t.Type),
			t.Symbol,
			formatF(t.Amount),
			formatF(t.Price),
			formatF(t.CapitalAfter),
			formatF(t.Profit),
			t.Reason,
		})
	}
	w.Flush()
	return w.Error()
}

func formatF(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
