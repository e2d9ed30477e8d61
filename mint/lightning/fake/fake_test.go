package fake

import (
	"context"
	"testing"
	"time"

	"github.com/nutvault/mint/mint/lightning"
)

func TestCreateAndSettleIncomingPayment(t *testing.T) {
	b := New()
	ctx := context.Background()

	inv, err := b.CreateIncomingPayment(ctx, 1000, "coffee")
	if err != nil {
		t.Fatalf("CreateIncomingPayment: %v", err)
	}
	if inv.Request == "" || inv.LookupId == "" {
		t.Fatal("expected a non-empty invoice request and lookup id")
	}

	result, err := b.CheckIncomingPayment(ctx, inv.LookupId)
	if err != nil {
		t.Fatalf("CheckIncomingPayment: %v", err)
	}
	if result.State != lightning.Unpaid {
		t.Fatalf("expected unpaid before settlement, got %v", result.State)
	}

	if err := b.SettleIncoming(inv.LookupId); err != nil {
		t.Fatalf("SettleIncoming: %v", err)
	}

	result, err = b.CheckIncomingPayment(ctx, inv.LookupId)
	if err != nil {
		t.Fatalf("CheckIncomingPayment after settle: %v", err)
	}
	if result.State != lightning.Paid {
		t.Fatalf("expected paid after settlement, got %v", result.State)
	}

	stream, err := b.IncomingPaymentStream(ctx)
	if err != nil {
		t.Fatalf("IncomingPaymentStream: %v", err)
	}
	select {
	case update := <-stream:
		if update.LookupId != inv.LookupId {
			t.Errorf("expected update for %s, got %s", inv.LookupId, update.LookupId)
		}
	default:
		t.Error("expected a queued incoming payment update")
	}
}

func TestMakePaymentSucceeds(t *testing.T) {
	b := New()
	ctx := context.Background()

	inv, err := b.CreateIncomingPayment(ctx, 2000, "outbound test")
	if err != nil {
		t.Fatalf("CreateIncomingPayment: %v", err)
	}

	quote, err := b.GetPaymentQuote(ctx, inv.Request)
	if err != nil {
		t.Fatalf("GetPaymentQuote: %v", err)
	}
	if quote.Amount != 2000 {
		t.Errorf("expected quoted amount 2000, got %d", quote.Amount)
	}

	result, err := b.MakePayment(ctx, inv.Request, quote.FeeReserve)
	if err != nil {
		t.Fatalf("MakePayment: %v", err)
	}
	if result.State != lightning.Paid {
		t.Fatalf("expected payment to succeed, got %v", result.State)
	}
	if result.Preimage == "" {
		t.Error("expected a preimage on a successful payment")
	}

	checked, err := b.CheckOutgoingPayment(ctx, result.LookupId)
	if err != nil {
		t.Fatalf("CheckOutgoingPayment: %v", err)
	}
	if checked.State != lightning.Paid {
		t.Fatalf("expected outgoing payment to remain paid, got %v", checked.State)
	}
}

func TestMakePaymentFailsOnMagicDescription(t *testing.T) {
	b := New()
	ctx := context.Background()

	inv, err := b.CreateIncomingPayment(ctx, 500, FailDescription)
	if err != nil {
		t.Fatalf("CreateIncomingPayment: %v", err)
	}

	result, err := b.MakePayment(ctx, inv.Request, 0)
	if err != nil {
		t.Fatalf("MakePayment: %v", err)
	}
	if result.State != lightning.Failed {
		t.Fatalf("expected payment to fail, got %v", result.State)
	}
	if result.Preimage != "" {
		t.Error("expected no preimage on a failed payment")
	}
}

func TestMakePaymentPendingUntilDelayElapses(t *testing.T) {
	b := New()
	b.SetPaymentDelay(50 * time.Millisecond)
	ctx := context.Background()

	inv, err := b.CreateIncomingPayment(ctx, 777, "slow payment")
	if err != nil {
		t.Fatalf("CreateIncomingPayment: %v", err)
	}

	result, err := b.MakePayment(ctx, inv.Request, 0)
	if err != nil {
		t.Fatalf("MakePayment: %v", err)
	}
	if result.State != lightning.Pending {
		t.Fatalf("expected payment to be pending, got %v", result.State)
	}

	time.Sleep(60 * time.Millisecond)

	checked, err := b.CheckOutgoingPayment(ctx, result.LookupId)
	if err != nil {
		t.Fatalf("CheckOutgoingPayment: %v", err)
	}
	if checked.State != lightning.Paid {
		t.Fatalf("expected pending payment to settle after delay, got %v", checked.State)
	}
}

func TestCheckPaymentUnknownLookupId(t *testing.T) {
	b := New()
	if _, err := b.CheckIncomingPayment(context.Background(), "does-not-exist"); err == nil {
		t.Error("expected an error for an unknown lookup id")
	}
}

func TestMakePaymentAlwaysPendingNeverResolves(t *testing.T) {
	b := New()
	b.SetAlwaysPending(true)
	ctx := context.Background()

	inv, err := b.CreateIncomingPayment(ctx, 777, "stuck payment")
	if err != nil {
		t.Fatalf("CreateIncomingPayment: %v", err)
	}

	result, err := b.MakePayment(ctx, inv.Request, 0)
	if err != nil {
		t.Fatalf("MakePayment: %v", err)
	}
	if result.State != lightning.Pending {
		t.Fatalf("expected payment to be pending, got %v", result.State)
	}

	for i := 0; i < 3; i++ {
		checked, err := b.CheckOutgoingPayment(ctx, result.LookupId)
		if err != nil {
			t.Fatalf("CheckOutgoingPayment: %v", err)
		}
		if checked.State != lightning.Pending {
			t.Fatalf("expected payment to stay pending, got %v", checked.State)
		}
	}
}
