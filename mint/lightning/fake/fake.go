// Package fake is an in-memory Lightning backend for tests and local
// development. It encodes real bolt11 invoices via zpay32 so the rest
// of the mint exercises its actual decode/verify paths, but never talks
// to a network.
package fake

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"

	"github.com/nutvault/mint/mint/lightning"
)

// FailDescription is a magic invoice description that makes MakePayment
// report Failed instead of Paid, for exercising melt failure paths.
const FailDescription = "fail the payment"

type invoice struct {
	request     string
	lookupId    string
	preimage    string
	amount      uint64
	state       lightning.PaymentState
	outgoing    bool
	description string
}

// Backend is a thread-safe in-memory Backend implementation.
type Backend struct {
	mu sync.Mutex

	invoices      map[string]*invoice
	paymentDelay  time.Duration
	alwaysPending bool
	updates       chan lightning.IncomingPaymentUpdate
}

func New() *Backend {
	return &Backend{
		invoices: make(map[string]*invoice),
		updates:  make(chan lightning.IncomingPaymentUpdate, 16),
	}
}

// SetPaymentDelay makes MakePayment report Pending for an invoice
// created less than delay ago, for exercising saga recovery of a
// Pending melt. The next CheckOutgoingPayment of such a payment reports
// Paid whether or not the delay has elapsed.
func (b *Backend) SetPaymentDelay(delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paymentDelay = delay
}

// SetAlwaysPending makes every outgoing payment report Pending forever
// and suppresses checkPayment's normal auto-resolve-on-check behavior,
// simulating a Lightning backend that never learns the outcome of an
// in-flight payment (§4.6.1's "leave saga in place" path, as opposed to
// SetPaymentDelay's "resolves on the next check" path).
func (b *Backend) SetAlwaysPending(pending bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alwaysPending = pending
}

func (b *Backend) CreateIncomingPayment(ctx context.Context, amount uint64, description string) (lightning.IncomingPayment, error) {
	req, preimage, hash, err := encodeFakeInvoice(amount, description)
	if err != nil {
		return lightning.IncomingPayment{}, err
	}

	b.mu.Lock()
	b.invoices[hash] = &invoice{
		request:     req,
		lookupId:    hash,
		preimage:    preimage,
		amount:      amount,
		state:       lightning.Unpaid,
		description: description,
	}
	b.mu.Unlock()

	return lightning.IncomingPayment{Request: req, LookupId: hash, Expiry: time.Now().Add(time.Hour).Unix()}, nil
}

func (b *Backend) GetPaymentQuote(ctx context.Context, request string) (lightning.PaymentQuote, error) {
	decoded, err := decodepay.Decodepay(request)
	if err != nil {
		return lightning.PaymentQuote{}, fmt.Errorf("decoding invoice: %w", err)
	}
	amount := uint64(decoded.MSatoshi)
	return lightning.PaymentQuote{
		Amount:     amount,
		FeeReserve: amount / 100,
		LookupId:   decoded.PaymentHash,
	}, nil
}

func (b *Backend) MakePayment(ctx context.Context, request string, maxFee uint64) (lightning.PaymentResult, error) {
	decoded, err := decodepay.Decodepay(request)
	if err != nil {
		return lightning.PaymentResult{}, fmt.Errorf("decoding invoice: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	state := lightning.Paid
	if decoded.Description == FailDescription {
		state = lightning.Failed
	} else if b.alwaysPending {
		state = lightning.Pending
	} else if b.paymentDelay > 0 {
		createdAt := time.Unix(int64(decoded.CreatedAt), 0)
		if time.Since(createdAt) < b.paymentDelay {
			state = lightning.Pending
		}
	}

	out := &invoice{
		request:  request,
		lookupId: decoded.PaymentHash,
		preimage: fakePreimage(decoded.PaymentHash),
		amount:   uint64(decoded.MSatoshi),
		state:    state,
		outgoing: true,
	}
	b.invoices[decoded.PaymentHash] = out

	result := lightning.PaymentResult{State: state, LookupId: out.lookupId}
	if state == lightning.Paid {
		result.Preimage = out.preimage
	}
	return result, nil
}

func (b *Backend) CheckIncomingPayment(ctx context.Context, lookupId string) (lightning.PaymentResult, error) {
	return b.checkPayment(lookupId)
}

func (b *Backend) CheckOutgoingPayment(ctx context.Context, lookupId string) (lightning.PaymentResult, error) {
	return b.checkPayment(lookupId)
}

func (b *Backend) checkPayment(lookupId string) (lightning.PaymentResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inv, ok := b.invoices[lookupId]
	if !ok {
		return lightning.PaymentResult{}, errors.New("payment does not exist")
	}

	if inv.outgoing && inv.state == lightning.Pending && b.paymentDelay > 0 && !b.alwaysPending {
		inv.state = lightning.Paid
	}

	result := lightning.PaymentResult{State: inv.state, LookupId: inv.lookupId}
	if inv.state == lightning.Paid {
		result.Preimage = inv.preimage
	}
	return result, nil
}

// SettleIncoming marks a previously created invoice as paid and
// publishes it on the incoming payment stream, simulating an external
// payer.
func (b *Backend) SettleIncoming(lookupId string) error {
	b.mu.Lock()
	inv, ok := b.invoices[lookupId]
	if !ok {
		b.mu.Unlock()
		return errors.New("invoice does not exist")
	}
	inv.state = lightning.Paid
	amount := inv.amount
	b.mu.Unlock()

	b.updates <- lightning.IncomingPaymentUpdate{LookupId: lookupId, Amount: amount}
	return nil
}

func (b *Backend) IncomingPaymentStream(ctx context.Context) (<-chan lightning.IncomingPaymentUpdate, error) {
	return b.updates, nil
}

func fakePreimage(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

func encodeFakeInvoice(amount uint64, description string) (request, preimage, paymentHash string, err error) {
	var random [32]byte
	if _, err = rand.Read(random[:]); err != nil {
		return
	}
	preimage = hex.EncodeToString(random[:])
	hash := sha256.Sum256(random[:])
	paymentHash = hex.EncodeToString(hash[:])

	inv, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		hash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount)),
		zpay32.Description(description),
	)
	if err != nil {
		return
	}

	request, err = inv.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, kerr := secp256k1.GeneratePrivateKey()
			if kerr != nil {
				return nil, kerr
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	return
}
