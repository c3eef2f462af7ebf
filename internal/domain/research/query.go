package research

import (
	"fmt"
	"strings"
)

// Query 一次研究请求
type Query struct {
	Question    string   `json:"question"`
	MaxSteps    int      `json:"max_steps,omitempty"`   // 0 表示使用配置默认值
	Temperature *float64 `json:"temperature,omitempty"` // nil 表示使用配置默认值
}

// Validate 校验请求：问题非空，1 ≤ max_steps ≤ 20，0 ≤ temperature ≤ 2
func (q Query) Validate() error {
	if strings.TrimSpace(q.Question) == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidQuery)
	}
	if q.MaxSteps < 0 || q.MaxSteps > MaxStepsLimit {
		return fmt.Errorf("%w: max_steps must be between 1 and %d", ErrInvalidQuery, MaxStepsLimit)
	}
	if q.Temperature != nil && (*q.Temperature < 0 || *q.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidQuery)
	}
	return nil
}

func (q Query) resolve(cfg Config) (question string, maxSteps int, temperature float64) {
	question = q.Question
	maxSteps = q.MaxSteps
	if maxSteps == 0 {
		maxSteps = cfg.MaxSteps
	}
	temperature = cfg.Temperature
	if q.Temperature != nil {
		temperature = *q.Temperature
	}
	return question, maxSteps, temperature
}
