package engine

import (
	"time"

	"quote-engine/gateway"
)

// message 进入引擎串行队列的消息。连接器回调、定时器与热更新都转成消息，
// 只有 Run 所在的 goroutine 修改挂单、档位与库存。
type message interface{}

type eventMsg struct {
	ev gateway.Event
}

type tickKind int

const (
	tickStuck tickKind = iota
	tickBalances
	tickSweep
)

func (k tickKind) String() string {
	switch k {
	case tickStuck:
		return "stuck_check"
	case tickBalances:
		return "balance_refresh"
	case tickSweep:
		return "replacement_sweep"
	default:
		return "unknown"
	}
}

type tickMsg struct {
	kind tickKind
	at   time.Time
}

type tunablesMsg struct {
	t Tunables
}

// callMsg 在队列内执行 fn，done 关闭表示执行完毕。
type callMsg struct {
	fn   func()
	done chan struct{}
}
