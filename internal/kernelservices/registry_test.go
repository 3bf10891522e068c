package kernelservices

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
)

func TestIsService(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		target refs.KRef
		want   bool
	}{
		{KRefFor("timer"), true},
		{refs.KRef("ko.service.not-registered"), true}, // still routed here, rejects on invoke
		{refs.KRef("ko12"), false},
		{refs.KRef("kp3"), false},
	}
	for _, tt := range tests {
		if got := r.IsService(context.Background(), tt.target); got != tt.want {
			t.Errorf("IsService(%q) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestInvokeDispatch(t *testing.T) {
	r := NewRegistry()
	r.Register(&Service{
		Name: "echo",
		Methods: map[string]Handler{
			"say": func(_ context.Context, args marshal.CapData) (marshal.CapData, error) {
				return args, nil
			},
			"fail": func(_ context.Context, _ marshal.CapData) (marshal.CapData, error) {
				return marshal.CapData{}, errors.New("boom")
			},
		},
	})

	args := marshal.CapData{Body: []byte(`{"hello":"world"}`)}

	result, rejected, err := r.Invoke(context.Background(), KRefFor("echo"), "say", args)
	if err != nil || rejected {
		t.Fatalf("Invoke(say) = rejected=%v err=%v", rejected, err)
	}
	if string(result.Body) != `{"hello":"world"}` {
		t.Errorf("unexpected result body %s", result.Body)
	}

	_, rejected, err = r.Invoke(context.Background(), KRefFor("echo"), "nope", args)
	if err != nil {
		t.Fatalf("unknown method must reject, not fail the crank: %v", err)
	}
	if !rejected {
		t.Error("unknown method should reject")
	}

	result, rejected, err = r.Invoke(context.Background(), KRefFor("echo"), "fail", args)
	if err != nil {
		t.Fatalf("handler error must reject, not fail the crank: %v", err)
	}
	if !rejected {
		t.Error("handler error should reject")
	}
	if !strings.Contains(string(result.Body), "boom") {
		t.Errorf("rejection should carry handler error, got %s", result.Body)
	}

	_, rejected, err = r.Invoke(context.Background(), KRefFor("ghost"), "say", args)
	if err != nil || !rejected {
		t.Errorf("unregistered service: rejected=%v err=%v, want rejection", rejected, err)
	}
}

func TestTimerService(t *testing.T) {
	svc := NewTimerService()

	result, err := svc.Methods["now"](context.Background(), marshal.CapData{})
	if err != nil {
		t.Fatalf("timer.now: %v", err)
	}
	var now struct {
		NowMs int64 `json:"now_ms"`
	}
	if err := json.Unmarshal(result.Body, &now); err != nil || now.NowMs == 0 {
		t.Errorf("timer.now returned %s", result.Body)
	}

	if _, err := svc.Methods["sleep"](context.Background(), marshal.CapData{Body: []byte(`{"ms":1}`)}); err != nil {
		t.Errorf("timer.sleep(1ms): %v", err)
	}
	if _, err := svc.Methods["sleep"](context.Background(), marshal.CapData{Body: []byte(`{"ms":60000}`)}); err == nil {
		t.Error("timer.sleep must refuse to stall the crank for a minute")
	}
}

type fakeVatAdmin struct {
	terminated []string
	restarted  []string
}

func (f *fakeVatAdmin) TerminateVat(_ context.Context, id refs.EndpointID, _ string) error {
	f.terminated = append(f.terminated, string(id))
	return nil
}
func (f *fakeVatAdmin) RestartVat(_ context.Context, id refs.EndpointID) error {
	f.restarted = append(f.restarted, string(id))
	return nil
}
func (f *fakeVatAdmin) PingVat(id refs.EndpointID) bool { return id == "v1" }

func TestVatAdminService(t *testing.T) {
	admin := &fakeVatAdmin{}
	svc := NewVatAdminService(admin)

	if _, err := svc.Methods["terminate"](context.Background(), marshal.CapData{Body: []byte(`{"vat_id":"v2","reason":"test"}`)}); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if len(admin.terminated) != 1 || admin.terminated[0] != "v2" {
		t.Errorf("terminated = %v", admin.terminated)
	}

	result, err := svc.Methods["ping"](context.Background(), marshal.CapData{Body: []byte(`{"vat_id":"v1"}`)})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	var pong struct {
		Running bool `json:"running"`
	}
	if err := json.Unmarshal(result.Body, &pong); err != nil || !pong.Running {
		t.Errorf("ping(v1) = %s, want running=true", result.Body)
	}

	if _, err := svc.Methods["restart"](context.Background(), marshal.CapData{Body: []byte(`{}`)}); err == nil {
		t.Error("missing vat_id should error")
	}
}
