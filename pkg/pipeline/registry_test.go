package pipeline

import (
	"context"
	"errors"
	"testing"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

func fakePipeline(name string) Pipeline {
	return &Func{
		Detail: Detail{Name: name},
		RunFunc: func(ctx context.Context, params Params, rc *RunContext) (*Result, error) {
			return &Result{}, nil
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(fakePipeline("finra.otc_transparency.ingest_week")); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	p, err := r.Get("finra.otc_transparency.ingest_week")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if p.Name() != "finra.otc_transparency.ingest_week" {
		t.Errorf("unexpected pipeline %s", p.Name())
	}

	_, err = r.Get("missing")
	var nf *spineerrors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestRegistry_DuplicateFailsFast(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(fakePipeline("p")); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	err := r.Register(fakePipeline("p"))
	var ce *spineerrors.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConfigError on duplicate, got %v", err)
	}

	err = r.Register(fakePipeline(""))
	if !errors.As(err, &ce) {
		t.Errorf("expected ConfigError on empty name, got %v", err)
	}
}

func TestRegistry_ListPrefixAndOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{
		"sec.filings.ingest",
		"finra.otc_transparency.summarize_week",
		"finra.otc_transparency.ingest_week",
	} {
		if err := r.Register(fakePipeline(name)); err != nil {
			t.Fatalf("failed to register %s: %v", name, err)
		}
	}

	all := r.List("")
	if len(all) != 3 {
		t.Fatalf("expected 3 pipelines, got %d", len(all))
	}
	if all[0].Name != "finra.otc_transparency.ingest_week" {
		t.Errorf("expected sorted order, got %s first", all[0].Name)
	}

	finra := r.List("finra.")
	if len(finra) != 2 {
		t.Errorf("expected 2 finra pipelines, got %d", len(finra))
	}

	names := r.Names()
	if len(names) != 3 || names[2] != "sec.filings.ingest" {
		t.Errorf("unexpected names %v", names)
	}
}
