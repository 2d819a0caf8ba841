package services

import (
	"sync"
	"time"
)

// PollBuffer 为 HTTP 轮询客户端缓存出站事件。
// 每个会话一条带游标的环形队列：客户端带上一次的 cursor 来取增量，
// 缓冲溢出时丢最旧的事件并前移基准游标（轮询本就是降级通道）。
type PollBuffer struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]*pollQueue
}

type pollQueue struct {
	base     uint64 // events[0] 对应的游标值
	events   []Envelope
	lastRead time.Time
}

// BufferedEvents 一次轮询的返回体
type BufferedEvents struct {
	Events []Envelope `json:"events"`
	Cursor uint64     `json:"cursor"`
}

// NewPollBuffer 创建轮询缓冲；capacity 是单会话的最大滞留事件数
func NewPollBuffer(capacity int) *PollBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &PollBuffer{
		capacity: capacity,
		sessions: make(map[string]*pollQueue),
	}
}

// Append 给会话追加一条出站事件
func (b *PollBuffer) Append(sessionID string, env Envelope) {
	if sessionID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.sessions[sessionID]
	if !ok {
		q = &pollQueue{lastRead: time.Now()}
		b.sessions[sessionID] = q
	}
	q.events = append(q.events, env)
	if len(q.events) > b.capacity {
		drop := len(q.events) - b.capacity
		q.events = q.events[drop:]
		q.base += uint64(drop)
	}
}

// Read 返回 cursor 之后的事件和新游标。
// cursor 落后于缓冲窗口时从窗口起点给起（事件可能有缺口）。
func (b *PollBuffer) Read(sessionID string, cursor uint64) BufferedEvents {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.sessions[sessionID]
	if !ok {
		return BufferedEvents{Events: []Envelope{}, Cursor: cursor}
	}
	q.lastRead = time.Now()

	next := q.base + uint64(len(q.events))
	if cursor >= next {
		return BufferedEvents{Events: []Envelope{}, Cursor: next}
	}
	start := 0
	if cursor > q.base {
		start = int(cursor - q.base)
	}
	out := make([]Envelope, len(q.events)-start)
	copy(out, q.events[start:])
	return BufferedEvents{Events: out, Cursor: next}
}

// Drop 会话结束后释放缓冲
func (b *PollBuffer) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// Sweep 清理长时间无人读取的缓冲
func (b *PollBuffer) Sweep(maxIdle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for id, q := range b.sessions {
		if q.lastRead.Before(cutoff) {
			delete(b.sessions, id)
			removed++
		}
	}
	return removed
}
