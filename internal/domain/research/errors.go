package research

import (
	"errors"
	"fmt"
	"strings"

	"deeprag/internal/domain/rag"
)

var (
	// ErrInvalidQuery 请求参数不合法
	ErrInvalidQuery = errors.New("invalid query")
	// ErrCancelled 调用方取消
	ErrCancelled = errors.New("run cancelled")
)

// TransientIOError 外部调用在重试后仍失败，可降级处理
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// PlanningError 计划输出无法解析，已退化为单步计划
type PlanningError struct {
	Raw string
	Err error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed, using fallback plan: %v", e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// RetrievalExhaustedError 本步所有检索源均无结果
type RetrievalExhaustedError struct {
	Step     int
	Query    string
	Failures []rag.SourceFailure
}

func (e *RetrievalExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("step %d: no evidence for %q", e.Step, e.Query)
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Source + ": " + f.Error
	}
	return fmt.Sprintf("step %d: no evidence for %q (%s)", e.Step, e.Query, strings.Join(parts, "; "))
}

// GenerationFatalError 最终回答无法生成，运行失败
type GenerationFatalError struct {
	Component string
	Err       error
}

func (e *GenerationFatalError) Error() string {
	return fmt.Sprintf("%s generation failed: %v", e.Component, e.Err)
}

func (e *GenerationFatalError) Unwrap() error { return e.Err }
