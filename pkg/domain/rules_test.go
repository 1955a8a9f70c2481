package domain

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type namedRule struct {
	name     string
	severity Severity
}

func (r namedRule) Name() string { return r.name }

func (r namedRule) Evaluate(context.Context, TransactionView, []Change) (Result, error) {
	return Result{Violations: []Violation{{Rule: r.name, Severity: r.severity}}}, nil
}

func TestRegisterUniqueRejectsDuplicateNames(t *testing.T) {
	e := NewRulesEngine()
	if !e.RegisterUnique(namedRule{name: "a", severity: SeverityWarn}) {
		t.Fatalf("first registration must succeed")
	}
	if e.RegisterUnique(namedRule{name: "a", severity: SeverityBlock}) {
		t.Fatalf("duplicate name must be refused")
	}
	if got := len(e.Rules()); got != 1 {
		t.Fatalf("expected one rule, got %d", got)
	}
}

func TestRulesEngineRegisterDuringEvaluate(t *testing.T) {
	e := NewRulesEngine()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			e.RegisterUnique(namedRule{name: fmt.Sprintf("rule-%d", i%4), severity: SeverityWarn})
		}(i)
		go func() {
			defer wg.Done()
			if _, err := e.Evaluate(ctx, nil, nil); err != nil {
				t.Errorf("evaluate: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(e.Rules()); got != 4 {
		t.Fatalf("expected four distinct rules, got %d", got)
	}
	res, err := e.Evaluate(ctx, nil, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 4 || res.HasBlocking() {
		t.Fatalf("unexpected result: %+v", res)
	}
}
