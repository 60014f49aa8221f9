package htlc

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validCreatedEvent() *Event {
	return &Event{
		Chain:      ChainEVM,
		Type:       EventCreated,
		ContractID: "0xaa01",
		TxHash:     "0xt1",
		LogIndex:   3,
		Position:   100,
		ObservedAt: time.Now(),
		Sender:     "0xsender",
		Receiver:   "0xreceiver",
		Amount:     decimal.NewFromInt(1000),
		Hashlock:   "0xhh",
		Timelock:   time.Now().Unix() + 3600,
	}
}

func TestEventKey(t *testing.T) {
	ev := validCreatedEvent()
	key := ev.Key()
	want := "evm:0xaa01:HTLC_CREATED:0xt1:3"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}

	// The key must ignore everything except the identity tuple.
	dup := validCreatedEvent()
	dup.Amount = decimal.NewFromInt(999999)
	dup.ObservedAt = time.Now().Add(time.Hour)
	if dup.Key() != key {
		t.Error("key must not depend on payload fields")
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{"valid created", func(*Event) {}, false},
		{"missing chain", func(e *Event) { e.Chain = "" }, true},
		{"unknown chain", func(e *Event) { e.Chain = "solana" }, true},
		{"missing contract", func(e *Event) { e.ContractID = "" }, true},
		{"missing tx hash", func(e *Event) { e.TxHash = "" }, true},
		{"created without hashlock", func(e *Event) { e.Hashlock = "" }, true},
		{"created without timelock", func(e *Event) { e.Timelock = 0 }, true},
		{"negative amount", func(e *Event) { e.Amount = decimal.NewFromInt(-1) }, true},
		{"unknown type", func(e *Event) { e.Type = "HTLC_SOMETHING" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validCreatedEvent()
			tt.mutate(ev)
			err := ev.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}

	withdrawn := &Event{Chain: ChainMove, Type: EventWithdrawn, ContractID: "0xbb", TxHash: "0xt2"}
	if err := withdrawn.Validate(); err == nil {
		t.Error("withdrawn event without preimage must fail validation")
	}
	withdrawn.Preimage = "0xpp"
	if err := withdrawn.Validate(); err != nil {
		t.Errorf("unexpected error for withdrawn event: %v", err)
	}

	refunded := &Event{Chain: ChainMove, Type: EventRefunded, ContractID: "0xcc", TxHash: "0xt3"}
	if err := refunded.Validate(); err != nil {
		t.Errorf("unexpected error for refunded event: %v", err)
	}
}

func TestNormalizeHex(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0xABCD", "0xabcd"},
		{"ABCD", "0xabcd"},
		{" 0xAbCd ", "0xabcd"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeHex(tt.in); got != tt.want {
			t.Errorf("NormalizeHex(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
