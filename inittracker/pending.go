package inittracker

import "sort"

// PendingDetachSet 记录 detach 因为目标不处于停止状态而失败的进程
//
// 只在 detach 失败时加入，只在之后该进程的某个事件触发 detach 成功时移除。
// 集合中的进程除了重试 detach 之外不会得到任何其他处理。
type PendingDetachSet map[int]struct{}

func (s PendingDetachSet) Add(pid int)      { s[pid] = struct{}{} }
func (s PendingDetachSet) Remove(pid int)   { delete(s, pid) }
func (s PendingDetachSet) Has(pid int) bool { _, ok := s[pid]; return ok }
func (s PendingDetachSet) Len() int         { return len(s) }

// Pids 返回排序后的 pid 列表
func (s PendingDetachSet) Pids() []int {
	pids := make([]int, 0, len(s))
	for pid := range s {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
