package domain

// WorkItem 是一次转换的最小工作单元（一个待转换的源文件）。
//
// 不变量：
// - 创建后不可变（按值传递，不要持有指针后修改）
// - DestPath 的父目录在入队之前已经创建
// - 同一次 run 内 DestPath 唯一（discover 阶段保证）
type WorkItem struct {
	SourcePath string
	DestPath   string

	// Priority 是发现时刻的源文件字节数；越小越先出队。
	Priority int64
}
