package instrumentation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func newTracingInstrumentation(t *testing.T, enabled bool) *Instrumentation {
	t.Helper()
	inst, err := New(Config{Enabled: enabled})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst
}

// The helpers only need to not panic across real and no-op spans; the SDK
// owns attribute storage and status semantics.
func TestSpanHelpers(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		inst := newTracingInstrumentation(t, enabled)

		_, span := inst.Tracer("server").Start(context.Background(), "token.exchange")
		AddGrantAttributes(span, "authorization_code", "client-1", "read write")
		AddGrantAttributes(span, "", "", "")
		AddTokenFamilyAttributes(span, "family-123", 3)
		AddTokenFamilyAttributes(span, "", 0)
		AddProviderAttributes(span, "upstream", "exchange_device_code")
		AddSecurityAttributes(span, "192.0.2.10")
		AddSecurityAttributes(span, "")
		SetSpanAttributes(span, attribute.String(AttrDeviceFlowStage, "poll"))
		RecordError(span, errors.New("upstream timeout"))
		SetSpanError(span, "invalid_grant")
		SetSpanSuccess(span)
		span.End()
	}
}

func TestSpanHelpers_NilSpan(t *testing.T) {
	SetSpanError(nil, "error")
	SetSpanAttributes(nil, attribute.String("key", "value"))
	RecordError(nil, errors.New("boom"))
	RecordError(nil, nil)
	SetSpanSuccess(nil)
	AddGrantAttributes(nil, "refresh_token", "client", "read")
	AddTokenFamilyAttributes(nil, "family", 1)
	AddProviderAttributes(nil, "upstream", "verify")
	AddSecurityAttributes(nil, "192.0.2.10")
}

func TestSpanNesting(t *testing.T) {
	inst := newTracingInstrumentation(t, true)
	ctx := context.Background()

	ctx, outer := inst.Tracer("http").Start(ctx, "http.token")
	ctx, grant := inst.Tracer("server").Start(ctx, "grant.authorization_code")
	_, store := inst.Tracer("storage").Start(ctx, "storage.get_authorization_code")

	SetSpanSuccess(store)
	store.End()
	SetSpanSuccess(grant)
	grant.End()
	SetSpanSuccess(outer)
	outer.End()
}

func TestSpanConcurrency(t *testing.T) {
	inst := newTracingInstrumentation(t, true)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, span := inst.Tracer("server").Start(context.Background(), "grant.device_code")
				AddGrantAttributes(span, "urn:ietf:params:oauth:grant-type:device_code", "client", "read")
				SetSpanSuccess(span)
				span.End()
			}
		}()
	}
	wg.Wait()
}

func TestShouldLogClientIPs(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   bool
	}{
		{"explicitly enabled", Config{Enabled: true, LogClientIPs: true}, true},
		{"explicitly disabled", Config{Enabled: true, LogClientIPs: false}, false},
		{"defaults off for privacy", Config{Enabled: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if got := inst.ShouldLogClientIPs(); got != tt.want {
				t.Errorf("ShouldLogClientIPs() = %v, want %v", got, tt.want)
			}
		})
	}
}
