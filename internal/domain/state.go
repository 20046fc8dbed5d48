package domain

// State 是一次批处理的阶段状态机：
//
//	discovering -> queuing -> converting -> drained -> reported
//
// 不允许跳过任何状态；没有待转换文件时 converting 可以是“零时长”，但 drained/reported 仍必须到达。
type State string

const (
	StateDiscovering State = "discovering"
	StateQueuing     State = "queuing"
	StateConverting  State = "converting"
	StateDrained     State = "drained"
	StateReported    State = "reported"
)
