package engine

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrIllegalLifecycle = errors.New("illegal engine lifecycle transition")

// Lifecycle 引擎生命周期
type Lifecycle int32

const (
	LifecycleStarting Lifecycle = iota
	LifecycleRunning
	LifecycleStopping
	LifecycleStopped
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleStarting:
		return "STARTING"
	case LifecycleRunning:
		return "RUNNING"
	case LifecycleStopping:
		return "STOPPING"
	case LifecycleStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

var lifecycleTransitions = map[Lifecycle][]Lifecycle{
	LifecycleStarting: {LifecycleRunning, LifecycleStopping},
	LifecycleRunning:  {LifecycleStopping},
	LifecycleStopping: {LifecycleStopped},
}

// lifecycle 可被任意 goroutine 读取；只有 CAS 成功的一方完成迁移。
type lifecycle struct {
	v atomic.Int32
}

func (l *lifecycle) Load() Lifecycle {
	return Lifecycle(l.v.Load())
}

func (l *lifecycle) To(next Lifecycle) error {
	for {
		cur := l.Load()
		legal := false
		for _, n := range lifecycleTransitions[cur] {
			if n == next {
				legal = true
				break
			}
		}
		if !legal {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalLifecycle, cur, next)
		}
		if l.v.CompareAndSwap(int32(cur), int32(next)) {
			return nil
		}
	}
}
