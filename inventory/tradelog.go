package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord 一笔成交日志。
type TradeRecord struct {
	Time         time.Time
	ExchangeTime time.Time
	OrderID      string
	Price        decimal.Decimal
	Qty          decimal.Decimal
	Side         string
	Fee          decimal.Decimal
	Venue        string
	Type         string // quote / hedge
}

type logKey struct {
	instrument string
	day        string
}

// TradeLog 按品种、按 UTC 日期追加分号分隔的成交记录。
type TradeLog struct {
	dir string

	mu    sync.Mutex
	files map[logKey]*os.File
}

func NewTradeLog(dir string) *TradeLog {
	return &TradeLog{dir: dir, files: make(map[logKey]*os.File)}
}

// Path 返回品种在某日的日志文件路径。
func (l *TradeLog) Path(instrument string, ts time.Time) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s_%s.csv", instrument, ts.UTC().Format("20060102")))
}

// Append 追加一行：timestamp;exchangeTimestamp;orderId;price;qty;side;fee;venue;tradeType
func (l *TradeLog) Append(instrument string, r TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := logKey{instrument: instrument, day: r.Time.UTC().Format("20060102")}
	f, ok := l.files[key]
	if !ok {
		if err := os.MkdirAll(l.dir, 0o755); err != nil {
			return fmt.Errorf("create trade log dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(l.Path(instrument, r.Time), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open trade log: %w", err)
		}
		// 跨日后关闭旧文件
		for k, old := range l.files {
			if k.instrument == instrument {
				old.Close()
				delete(l.files, k)
			}
		}
		l.files[key] = f
	}
	exTs := ""
	if !r.ExchangeTime.IsZero() {
		exTs = r.ExchangeTime.UTC().Format(time.RFC3339Nano)
	}
	_, err := fmt.Fprintf(f, "%s;%s;%s;%s;%s;%s;%s;%s;%s\n",
		r.Time.UTC().Format(time.RFC3339Nano), exTs, r.OrderID,
		r.Price.String(), r.Qty.String(), r.Side, r.Fee.String(), r.Venue, r.Type)
	if err != nil {
		return fmt.Errorf("write trade log: %w", err)
	}
	return nil
}

// Close 关闭所有打开的文件。
func (l *TradeLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var lastErr error
	for k, f := range l.files {
		if err := f.Close(); err != nil {
			lastErr = err
		}
		delete(l.files, k)
	}
	return lastErr
}
