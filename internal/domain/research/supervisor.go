package research

import (
	"regexp"

	"deeprag/internal/domain/rag"
)

// Attempt 上一次检索的概况，用于判断是否需要 WEB
type Attempt struct {
	Method rag.Method
	Total  int // 压缩后保留的证据数
	Novel  int // 其中首次出现的 source_id 数
}

// nearDuplicate 无结果，或新增比例低于阈值
func (a *Attempt) nearDuplicate(ratio float64) bool {
	if a == nil {
		return false
	}
	if a.Total == 0 {
		return true
	}
	return float64(a.Novel)/float64(a.Total) < ratio
}

// SupervisorInput 策略选择输入
type SupervisorInput struct {
	Query        string
	Step         PlanStep
	Previous     *Attempt
	WebAvailable bool
	Forced       rag.Method // REPLAN 指定的策略
}

// Selection 策略选择结果
type Selection struct {
	Method rag.Method
	Reason string
}

// Supervisor 检索策略分类器，无副作用
type Supervisor struct {
	nearDuplicateRatio    float64
	keywordTokenThreshold int
}

// NewSupervisor 创建 Supervisor
func NewSupervisor(nearDuplicateRatio float64, keywordTokenThreshold int) *Supervisor {
	if nearDuplicateRatio <= 0 {
		nearDuplicateRatio = DefaultConfig().NearDuplicateRatio
	}
	if keywordTokenThreshold <= 0 {
		keywordTokenThreshold = DefaultConfig().KeywordTokenThreshold
	}
	return &Supervisor{
		nearDuplicateRatio:    nearDuplicateRatio,
		keywordTokenThreshold: keywordTokenThreshold,
	}
}

var (
	quotedRe    = regexp.MustCompile(`"[^"]{2,}"|“[^”]{2,}”`)
	technicalRe = regexp.MustCompile(`\b(?:[A-Za-z]+[-_]?\d+[\w.-]*|\d+(?:[.,]\d+)+\w*|\d{4,})\b`)
)

// Select 选择检索策略
//  1. REPLAN 指定的策略优先（WEB 不可用时退回 HYBRID）
//  2. 步骤标记为外部信息，或上一次检索为空/近似重复 → WEB（可用时）
//  3. 含引号短语或技术性 token 达到阈值 → KEYWORD
//  4. 其余 → HYBRID
func (s *Supervisor) Select(in SupervisorInput) Selection {
	if in.Forced.Valid() {
		if in.Forced == rag.MethodWeb && !in.WebAvailable {
			return Selection{Method: rag.MethodHybrid, Reason: "replan requested web search but it is unavailable"}
		}
		return Selection{Method: in.Forced, Reason: "replan after empty retrieval"}
	}

	if in.WebAvailable {
		if in.Step.RequiresExternal {
			return Selection{Method: rag.MethodWeb, Reason: "step flagged for external information"}
		}
		if in.Previous.nearDuplicate(s.nearDuplicateRatio) {
			return Selection{Method: rag.MethodWeb, Reason: "previous retrieval returned no new evidence"}
		}
	}

	if quotedRe.MatchString(in.Query) || quotedRe.MatchString(in.Step.Description) {
		return Selection{Method: rag.MethodKeyword, Reason: "query contains a quoted phrase"}
	}
	if n := len(technicalRe.FindAllString(in.Query, -1)); n >= s.keywordTokenThreshold {
		return Selection{Method: rag.MethodKeyword, Reason: "query contains specific technical tokens"}
	}
	return Selection{Method: rag.MethodHybrid, Reason: "default"}
}
