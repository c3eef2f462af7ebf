package research_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"deeprag/internal/domain/rag"
	"deeprag/internal/domain/research"
)

func TestSupervisor_Select(t *testing.T) {
	s := research.NewSupervisor(0.2, 2)

	tests := []struct {
		name string
		in   research.SupervisorInput
		want rag.Method
	}{
		{
			name: "plain question",
			in:   research.SupervisorInput{Query: "how do heat pumps work in cold climates"},
			want: rag.MethodHybrid,
		},
		{
			name: "quoted phrase",
			in:   research.SupervisorInput{Query: `effects of "carbon border adjustment" on steel`},
			want: rag.MethodKeyword,
		},
		{
			name: "quoted phrase in step description",
			in: research.SupervisorInput{
				Query: "carbon border adjustment steel",
				Step:  research.PlanStep{Description: `What does "CBAM" change for exporters?`},
			},
			want: rag.MethodKeyword,
		},
		{
			name: "technical tokens",
			in:   research.SupervisorInput{Query: "ISO-14001 vs ISO-50001 certification scope"},
			want: rag.MethodKeyword,
		},
		{
			name: "single technical token stays hybrid",
			in:   research.SupervisorInput{Query: "what changed in HTTP2 adoption"},
			want: rag.MethodHybrid,
		},
		{
			name: "external step with web",
			in: research.SupervisorInput{
				Query:        "latest tender results",
				Step:         research.PlanStep{RequiresExternal: true},
				WebAvailable: true,
			},
			want: rag.MethodWeb,
		},
		{
			name: "external step without web",
			in: research.SupervisorInput{
				Query: "latest tender results",
				Step:  research.PlanStep{RequiresExternal: true},
			},
			want: rag.MethodHybrid,
		},
		{
			name: "previous attempt mostly duplicates",
			in: research.SupervisorInput{
				Query:        "solar tariff trends",
				Previous:     &research.Attempt{Method: rag.MethodHybrid, Total: 10, Novel: 1},
				WebAvailable: true,
			},
			want: rag.MethodWeb,
		},
		{
			name: "previous attempt mostly novel",
			in: research.SupervisorInput{
				Query:        "solar tariff trends",
				Previous:     &research.Attempt{Method: rag.MethodHybrid, Total: 10, Novel: 5},
				WebAvailable: true,
			},
			want: rag.MethodHybrid,
		},
		{
			name: "forced strategy",
			in:   research.SupervisorInput{Query: `"quoted"`, Forced: rag.MethodHybrid},
			want: rag.MethodHybrid,
		},
		{
			name: "forced web unavailable",
			in:   research.SupervisorInput{Query: "anything", Forced: rag.MethodWeb},
			want: rag.MethodHybrid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Select(tt.in)
			assert.Equal(t, tt.want, got.Method)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestSupervisor_Deterministic(t *testing.T) {
	s := research.NewSupervisor(0, 0)
	in := research.SupervisorInput{Query: "GPT-4 and LLaMA-2 benchmark scores"}

	first := s.Select(in)
	for range 10 {
		assert.Equal(t, first, s.Select(in))
	}
	assert.Equal(t, rag.MethodKeyword, first.Method)
}
