package stages

// LockedProjects reports how many projects hold a lock table entry.
func (m *Machine) LockedProjects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
