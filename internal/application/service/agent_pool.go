package service

import (
	"context"
	"fmt"
	"sync"
)

// AgentPool manages per-agent concurrency limits.
// Stage routines hold a slot for the duration of one LLM call.
type AgentPool struct {
	maxPerAgent map[string]int // agent -> max concurrent calls allowed
	current     map[string]int // agent -> current number of active calls
	defaultMax  int
	released    chan struct{} // closed and replaced on every Release
	mu          sync.Mutex
}

// AgentPoolConfig holds configuration for agent concurrency limits
type AgentPoolConfig struct {
	MaxPerAgent map[string]int
	DefaultMax  int // Limit for agents missing from MaxPerAgent (default 1)
}

// NewAgentPool creates a new agent pool with default limits
func NewAgentPool() *AgentPool {
	return NewAgentPoolWithConfig(AgentPoolConfig{
		MaxPerAgent: map[string]int{
			"anthropic": 2,
			"openai":    2,
			"ollama":    1, // local model: one generation at a time
			"mock":      8,
		},
	})
}

// NewAgentPoolWithConfig creates an agent pool with custom configuration
func NewAgentPoolWithConfig(config AgentPoolConfig) *AgentPool {
	pool := &AgentPool{
		maxPerAgent: make(map[string]int),
		current:     make(map[string]int),
		defaultMax:  config.DefaultMax,
		released:    make(chan struct{}),
	}
	if pool.defaultMax < 1 {
		pool.defaultMax = 1
	}

	// Copy config to avoid external modifications
	for agent, max := range config.MaxPerAgent {
		pool.maxPerAgent[agent] = max
	}

	return pool
}

// TryAcquire attempts to acquire a slot for the specified agent
// Returns true if successful, false if the pool is full
func (p *AgentPool) TryAcquire(agent string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tryAcquireLocked(agent)
}

// Acquire blocks until a slot for the agent is free or ctx is done
func (p *AgentPool) Acquire(ctx context.Context, agent string) error {
	for {
		p.mu.Lock()
		if p.tryAcquireLocked(agent) {
			p.mu.Unlock()
			return nil
		}
		wait := p.released
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire %s slot: %w", agent, ctx.Err())
		case <-wait:
		}
	}
}

func (p *AgentPool) tryAcquireLocked(agent string) bool {
	if p.current[agent] >= p.maxLocked(agent) {
		return false
	}
	p.current[agent]++
	return true
}

func (p *AgentPool) maxLocked(agent string) int {
	if max, exists := p.maxPerAgent[agent]; exists {
		return max
	}
	return p.defaultMax
}

// Release releases a slot for the specified agent
func (p *AgentPool) Release(agent string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current[agent] > 0 {
		p.current[agent]--
	}
	close(p.released)
	p.released = make(chan struct{})
}

// GetCurrent returns the current number of active calls for an agent
func (p *AgentPool) GetCurrent(agent string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.current[agent]
}

// GetMax returns the maximum allowed concurrent calls for an agent
func (p *AgentPool) GetMax(agent string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.maxLocked(agent)
}

// GetStats returns current usage statistics for all configured agents
func (p *AgentPool) GetStats() map[string]AgentStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]AgentStats)
	for agent, max := range p.maxPerAgent {
		stats[agent] = AgentStats{
			Agent:   agent,
			Current: p.current[agent],
			Max:     max,
		}
	}

	return stats
}

// SetLimit updates the maximum concurrent calls for an agent
func (p *AgentPool) SetLimit(agent string, max int) error {
	if max < 1 {
		return fmt.Errorf("max must be >= 1, got: %d", max)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.maxPerAgent[agent] = max
	close(p.released)
	p.released = make(chan struct{})
	return nil
}

// AgentStats represents usage statistics for a single agent
type AgentStats struct {
	Agent   string
	Current int
	Max     int
}

// IsAvailable checks if the agent has available slots
func (s AgentStats) IsAvailable() bool {
	return s.Current < s.Max
}

// UtilizationPercent returns the utilization percentage (0-100)
func (s AgentStats) UtilizationPercent() float64 {
	if s.Max == 0 {
		return 0
	}
	return float64(s.Current) / float64(s.Max) * 100
}
