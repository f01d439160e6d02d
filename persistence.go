// Copyright (c) 2024, amarnathcjd

package tgflow

import (
	"sync"
)

// Key identifies one conversation instance. Which fields are populated
// depends on the conversation's PerChat/PerUser/PerMessage flags; unused
// fields stay zero so Key remains a comparable map key.
type Key struct {
	ChatID    int64
	UserID    int64
	MessageID int64
}

// Persistence stores conversation state tables and the shared data maps
// across restarts. The engine consumes this interface only; storage formats
// belong to the implementation (see the storage package for a SQL-backed one).
//
// UpdateConversation with state End must delete the key: a later
// GetConversations for the same name never reports ended conversations.
type Persistence interface {
	GetConversations(name string) (map[Key]State, error)
	UpdateConversation(name string, key Key, state State) error

	GetChatData() (map[int64]map[string]any, error)
	UpdateChatData(chatID int64, data map[string]any) error
	GetUserData() (map[int64]map[string]any, error)
	UpdateUserData(userID int64, data map[string]any) error
	GetBotData() (map[string]any, error)
	UpdateBotData(data map[string]any) error

	// Flush is called on dispatcher shutdown so buffering implementations can
	// write everything out.
	Flush() error
}

// MemoryPersistence keeps everything in process memory. Useful for tests and
// for bots that only want the uniform Persistence plumbing without surviving
// restarts.
type MemoryPersistence struct {
	mu            sync.RWMutex
	conversations map[string]map[Key]State
	chatData      map[int64]map[string]any
	userData      map[int64]map[string]any
	botData       map[string]any
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		conversations: make(map[string]map[Key]State),
		chatData:      make(map[int64]map[string]any),
		userData:      make(map[int64]map[string]any),
		botData:       make(map[string]any),
	}
}

func (p *MemoryPersistence) GetConversations(name string) (map[Key]State, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[Key]State, len(p.conversations[name]))
	for k, s := range p.conversations[name] {
		out[k] = s
	}
	return out, nil
}

func (p *MemoryPersistence) UpdateConversation(name string, key Key, state State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state == End {
		delete(p.conversations[name], key)
		return nil
	}
	table, ok := p.conversations[name]
	if !ok {
		table = make(map[Key]State)
		p.conversations[name] = table
	}
	table[key] = state
	return nil
}

func (p *MemoryPersistence) GetChatData() (map[int64]map[string]any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyDataTable(p.chatData), nil
}

func (p *MemoryPersistence) UpdateChatData(chatID int64, data map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chatData[chatID] = copyData(data)
	return nil
}

func (p *MemoryPersistence) GetUserData() (map[int64]map[string]any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyDataTable(p.userData), nil
}

func (p *MemoryPersistence) UpdateUserData(userID int64, data map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userData[userID] = copyData(data)
	return nil
}

func (p *MemoryPersistence) GetBotData() (map[string]any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyData(p.botData), nil
}

func (p *MemoryPersistence) UpdateBotData(data map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.botData = copyData(data)
	return nil
}

func (p *MemoryPersistence) Flush() error { return nil }

func copyData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyDataTable(in map[int64]map[string]any) map[int64]map[string]any {
	out := make(map[int64]map[string]any, len(in))
	for id, data := range in {
		out[id] = copyData(data)
	}
	return out
}
