package client

import "sync"

// PacketIDManager 分配报文标识符，释放后的ID优先复用
type PacketIDManager struct {
	mu        sync.Mutex
	currentID uint16
	released  map[uint16]struct{}
	inUse     map[uint16]struct{}
}

func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		currentID: 1, // 起始值为1
		released:  make(map[uint16]struct{}),
		inUse:     make(map[uint16]struct{}),
	}
}

// NextID 获取下一个可用ID
func (m *PacketIDManager) NextID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 优先使用已释放的ID
	for id := range m.released {
		delete(m.released, id)
		m.inUse[id] = struct{}{}
		return id
	}

	// 分配新ID，跳过仍在使用中的ID
	for {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 { // 溢出处理
			m.currentID = 1
		}
		if _, busy := m.inUse[id]; !busy || len(m.inUse) >= 65535 {
			m.inUse[id] = struct{}{}
			return id
		}
	}
}

// ReleaseID 释放ID（收到确认后调用），重复释放或释放未分配的ID返回 false
func (m *PacketIDManager) ReleaseID(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inUse[id]; !ok {
		return false
	}
	delete(m.inUse, id)
	m.released[id] = struct{}{}
	return true
}

// InFlight 返回尚未确认的ID数量
func (m *PacketIDManager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inUse)
}
