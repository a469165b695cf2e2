package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/xraph/tenantflow/handler"
)

type returnInput struct {
	ClientID string  `json:"clientId"`
	Income   float64 `json:"income"`
}

type returnOutput struct {
	Tax float64 `json:"tax"`
}

func TestTyped(t *testing.T) {
	calc := handler.Typed(func(_ context.Context, _ handler.Input, in returnInput) (returnOutput, error) {
		switch {
		case in.Income < 0:
			return returnOutput{}, handler.Permanent(errors.New("negative income"))
		case in.ClientID == "":
			return returnOutput{}, errors.New("client lookup unavailable")
		}
		return returnOutput{Tax: in.Income * 0.2}, nil
	})

	tests := []struct {
		name    string
		context string
		status  handler.Status
		output  string
	}{
		{"success", `{"clientId":"c1","income":1000}`, handler.StatusSuccess, `{"tax":200}`},
		{"retryable", `{"income":1000}`, handler.StatusRetryable, ""},
		{"permanent", `{"clientId":"c1","income":-1}`, handler.StatusFatal, ""},
		{"undecodable", `{"income":"lots"}`, handler.StatusFatal, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := calc.Execute(context.Background(), handler.Input{TaskType: "tax.calc", Context: json.RawMessage(tt.context)})
			if res.Status != tt.status {
				t.Fatalf("Status = %s, want %s (%s)", res.Status, tt.status, res.ErrorDetail)
			}
			if tt.output != "" && string(res.Output) != tt.output {
				t.Errorf("Output = %s, want %s", res.Output, tt.output)
			}
			if tt.status != handler.StatusSuccess && res.ErrorDetail == "" {
				t.Error("failure without error detail")
			}
		})
	}
}

func TestUpstream(t *testing.T) {
	in := handler.Input{Upstream: map[string]json.RawMessage{"calc": json.RawMessage(`{"tax":12.5}`)}}

	out, ok, err := handler.Upstream[returnOutput](in, "calc")
	if err != nil || !ok || out.Tax != 12.5 {
		t.Fatalf("Upstream(calc) = %+v, %v, %v", out, ok, err)
	}
	if _, ok, _ := handler.Upstream[returnOutput](in, "skipped"); ok {
		t.Error("missing upstream reported present")
	}
}

func TestPayloadIsDeterministic(t *testing.T) {
	in := handler.Input{
		Context:  json.RawMessage(`{"a":1}`),
		Upstream: map[string]json.RawMessage{"z": json.RawMessage(`1`), "b": json.RawMessage(`2`)},
	}
	p1, err := in.Payload()
	if err != nil {
		t.Fatal(err)
	}
	p2, _ := in.Payload()
	if string(p1) != string(p2) {
		t.Errorf("payload not deterministic: %s vs %s", p1, p2)
	}
	if empty, _ := (handler.Input{}).Payload(); string(empty) != `{"context":null,"upstream":null}` {
		t.Errorf("empty payload = %s", empty)
	}
}

func TestRegistry(t *testing.T) {
	r := handler.NewRegistry()
	r.RegisterFunc("b.review", func(context.Context, handler.Input) handler.Result { return handler.Succeed(nil) })
	r.Register("a.intake", handler.Func(func(context.Context, handler.Input) handler.Result { return handler.Succeed(nil) }))

	if !r.Has("a.intake") || r.Has("c.unknown") {
		t.Error("Has mismatch")
	}
	if got := r.TaskTypes(); !slices.Equal(got, []string{"a.intake", "b.review"}) {
		t.Errorf("TaskTypes = %v", got)
	}
}
