package session

import (
	"context"
	"testing"
	"time"

	"github.com/hpcgrid/sessionbroker/internal/errors"
)

func TestIsDebugID(t *testing.T) {
	if !IsDebugID("-1") {
		t.Error("IsDebugID(-1) = false, want true")
	}
	for _, id := range []string{"", "1", "-2", "abc"} {
		if IsDebugID(id) {
			t.Errorf("IsDebugID(%q) = true, want false", id)
		}
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		input   string
		want    Kind
		wantErr bool
	}{
		{"interactive", KindInteractive, false},
		{"", KindInteractive, false},
		{"Durable", KindDurable, false},
		{" durable ", KindDurable, false},
		{"batch", KindInteractive, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseKind(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	if KindOf(true) != KindDurable || KindOf(false) != KindInteractive {
		t.Error("KindOf mismatch")
	}
	if Kind(7).String() != "unknown" {
		t.Errorf("Kind(7).String() = %q", Kind(7).String())
	}
}

func TestIdentity_Validate(t *testing.T) {
	tests := []struct {
		name    string
		id      Identity
		wantErr bool
	}{
		{"minimal", Identity{HeadNode: "head"}, false},
		{"missing head node", Identity{}, true},
		{"bad transport", Identity{HeadNode: "head", Transport: "smtp"}, true},
		{"negative timeout", Identity{HeadNode: "head", TargetTimeout: -time.Second}, true},
		{"aad with local user", Identity{HeadNode: "head", UseAAD: true, LocalUser: true}, true},
		{"full", Identity{HeadNode: "head", Transport: TransportHTTPS, Username: "u", Durable: true, TargetTimeout: time.Minute}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var ve *errors.ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("expected ValidationError, got %T", err)
				}
			}
		})
	}
}

func TestStartInfo_Validate(t *testing.T) {
	base := Identity{HeadNode: "head"}
	if err := (StartInfo{Identity: base, MinUnits: 1, MaxUnits: 4}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (StartInfo{Identity: base, MinUnits: 5, MaxUnits: 4}).Validate(); err == nil {
		t.Error("expected error for min > max")
	}
	if err := (StartInfo{Identity: base, MinUnits: -1}).Validate(); err == nil {
		t.Error("expected error for negative units")
	}
}

func TestAttachInfo_Validate(t *testing.T) {
	if err := (AttachInfo{Identity: Identity{HeadNode: "head"}}).Validate(); err == nil {
		t.Error("expected error for empty session id")
	}
	if err := (AttachInfo{Identity: Identity{HeadNode: "head"}, SessionID: DebugSessionID}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIdentity_WithTimeout(t *testing.T) {
	ctx, cancel := Identity{}.WithTimeout(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Error("zero timeout should not set a deadline")
	}

	ctx2, cancel2 := Identity{TargetTimeout: time.Hour}.WithTimeout(context.Background())
	defer cancel2()
	if _, ok := ctx2.Deadline(); !ok {
		t.Error("expected deadline")
	}
}

func TestTransport_DefaultPort(t *testing.T) {
	if TransportNetTCP.DefaultPort() != 9091 {
		t.Errorf("net.tcp port = %d", TransportNetTCP.DefaultPort())
	}
	if TransportHTTPS.DefaultPort() != 443 {
		t.Errorf("https port = %d", TransportHTTPS.DefaultPort())
	}
}

func TestTransport_Endpoint(t *testing.T) {
	tests := []struct {
		transport Transport
		want      string
	}{
		{"", "net.tcp://head:9091/-1"},
		{TransportNetTCP, "net.tcp://head:9091/-1"},
		{TransportHTTP, "http://head:80/-1"},
		{TransportNetHTTP, "https://head:443/-1"},
	}

	for _, tt := range tests {
		t.Run(string(tt.transport), func(t *testing.T) {
			if got := tt.transport.Endpoint("head", "-1"); got != tt.want {
				t.Errorf("Endpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}
