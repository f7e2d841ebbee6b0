package contract

import "errors"

// 存储/收敛相关最小错误分类。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、迭代上限）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrNotConverged: 收敛循环以 Stalled/BudgetExhausted 结束，仍有无效记录。
	ErrNotConverged = errors.New("not converged")
	// ErrDatasetInvalid: 原始数据集无法解析（格式/编码/重复 id）。
	ErrDatasetInvalid = errors.New("dataset invalid")
	// ErrStorage: 持久化表读写失败（包装底层驱动/文件错误）。
	ErrStorage = errors.New("storage failure")
)
