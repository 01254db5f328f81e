package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State 熔断器状态
type State int

const (
	StateClosed   State = iota // 正常放行
	StateOpen                  // 熔断，直接拒绝
	StateHalfOpen              // 试探恢复
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// Config 熔断器配置
type Config struct {
	FailureThreshold    int           // 连续失败多少次后打开
	SuccessThreshold    int           // 半开状态下成功多少次后关闭
	Timeout             time.Duration // 打开状态持续多久后进入半开
	HalfOpenMaxRequests int           // 半开状态下的并发试探上限
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	inFlight  int
	openedAt  time.Time
}

func NewCircuitBreaker(config Config) *CircuitBreaker {
	return &CircuitBreaker{config: config, now: time.Now}
}

// Execute runs fn unless the breaker is open. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err == nil)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.inFlight = 0
	}

	switch cb.state {
	case StateOpen:
		return ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.config.HalfOpenMaxRequests {
			return ErrCircuitBreakerOpen
		}
		cb.inFlight++
	}
	return nil
}

func (cb *CircuitBreaker) after(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.inFlight--
		if !ok {
			cb.trip()
			return
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
		}
		return
	}

	if ok {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.failures >= cb.config.FailureThreshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.inFlight = 0
}

// GetState 获取当前状态
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0
}
