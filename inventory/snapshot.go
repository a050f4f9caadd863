package inventory

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrMissingInstrument = errors.New("instrument missing from position snapshot")

// Snapshot 持久化各品种库存（计价货币），格式为每行 "instrument;value"。
// 每次成交后整体重写，保证重启后库存连续。
type Snapshot struct {
	path string

	mu     sync.Mutex
	values map[string]decimal.Decimal
}

// OpenSnapshot 读取快照并在同目录生成 .bak 备份。文件不存在时返回空快照。
func OpenSnapshot(path string) (*Snapshot, error) {
	s := &Snapshot{path: path, values: make(map[string]decimal.Decimal)}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	if err := s.parse(f); err != nil {
		return nil, err
	}
	if err := copyFile(path, path+".bak"); err != nil {
		return nil, fmt.Errorf("backup snapshot: %w", err)
	}
	return s, nil
}

func (s *Snapshot) parse(r io.Reader) error {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		parts := strings.Split(text, ";")
		if len(parts) != 2 {
			return fmt.Errorf("snapshot line %d: expected instrument;value, got %q", line, text)
		}
		v, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
		if err != nil {
			return fmt.Errorf("snapshot line %d: %w", line, err)
		}
		s.values[strings.TrimSpace(parts[0])] = v
	}
	return sc.Err()
}

// Require 检查所有品种都在快照中；initMissing 为 true 时缺失项以 0 补齐。
func (s *Snapshot) Require(instruments []string, initMissing bool) error {
	s.mu.Lock()
	var missing []string
	for _, inst := range instruments {
		if _, ok := s.values[inst]; ok {
			continue
		}
		if initMissing {
			s.values[inst] = decimal.Zero
			continue
		}
		missing = append(missing, inst)
	}
	s.mu.Unlock()
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingInstrument, strings.Join(missing, ","))
	}
	if initMissing {
		return s.flush()
	}
	return nil
}

// Get 返回品种库存。
func (s *Snapshot) Get(instrument string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[instrument]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingInstrument, instrument)
	}
	return v, nil
}

// Set 更新库存并同步重写文件。
func (s *Snapshot) Set(instrument string, value decimal.Decimal) error {
	s.mu.Lock()
	s.values[instrument] = value
	s.mu.Unlock()
	return s.flush()
}

func (s *Snapshot) flush() error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s;%s\n", k, s.values[k].String())
	}
	s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
