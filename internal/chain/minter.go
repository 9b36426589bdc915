package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// Mint failure classes. The service uses these to decide whether a batch is
// safely retryable: anything before submission is, anything after needs the
// reconciler.
var (
	ErrGasEstimation       = errors.New("mint rejected during gas estimation")
	ErrSubmission          = errors.New("mint transaction was not accepted")
	ErrConfirmationTimeout = errors.New("mint confirmation timed out")
)

// ConfirmationError carries the transaction reference of a mint whose fate is
// unknown. The transaction may still confirm after the deadline, so the caller
// must not assume it failed.
type ConfirmationError struct {
	TxRef string
	Err   error
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("tx %s: %v", e.TxRef, e.Err)
}

func (e *ConfirmationError) Unwrap() error { return e.Err }

// Recipient is one mint target.
type Recipient struct {
	Wallet string
	Amount int64
}

// MintReceipt is the confirmed outcome of a batch mint.
type MintReceipt struct {
	TxRef       string
	GasConsumed string
}

const mintMethod = "batchMint"

// BatchMint mints tokens to every recipient in a single contract call and
// waits for on-chain confirmation. Amounts are whole tokens; scaling to the
// contract's decimals happens here and nowhere else.
func (c *Client) BatchMint(ctx context.Context, recipients []Recipient) (*MintReceipt, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients")
	}

	wallets := make([]interface{}, 0, len(recipients))
	amounts := make([]interface{}, 0, len(recipients))
	for _, r := range recipients {
		if r.Wallet == "" {
			return nil, fmt.Errorf("recipient without wallet address")
		}
		if r.Amount <= 0 {
			return nil, fmt.Errorf("recipient %s: amount must be positive", r.Wallet)
		}
		wallets = append(wallets, ContractParam{Type: "Hash160", Value: r.Wallet})
		amounts = append(amounts, ContractParam{Type: "Integer", Value: c.scale(r.Amount).String()})
	}

	params := []ContractParam{
		{Type: "Array", Value: wallets},
		{Type: "Array", Value: amounts},
	}

	invokeResult, err := c.InvokeFunction(ctx, c.contractHash, mintMethod, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	if invokeResult.State != "HALT" {
		return nil, fmt.Errorf("%w: %s", ErrGasEstimation, invokeResult.Exception)
	}
	if invokeResult.Tx == "" {
		return nil, fmt.Errorf("%w: node returned no transaction", ErrSubmission)
	}

	wctx, cancel := context.WithTimeout(ctx, c.confirmWait)
	defer cancel()

	appLog, err := c.WaitForApplicationLog(wctx, invokeResult.Tx, DefaultPollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ConfirmationError{TxRef: invokeResult.Tx, Err: ErrConfirmationTimeout}
		}
		return nil, &ConfirmationError{TxRef: invokeResult.Tx, Err: err}
	}

	receipt := &MintReceipt{TxRef: invokeResult.Tx, GasConsumed: invokeResult.GasConsumed}
	for _, exec := range appLog.Executions {
		receipt.GasConsumed = exec.GasConsumed
		if exec.VMState != "HALT" {
			return nil, &ConfirmationError{
				TxRef: invokeResult.Tx,
				Err:   fmt.Errorf("execution faulted: %s", exec.Exception),
			}
		}
	}
	return receipt, nil
}

// TxFate is the observed outcome of a previously submitted transaction.
type TxFate int

const (
	TxPending TxFate = iota
	TxConfirmed
	TxFaulted
)

// LookupTxFate checks whether a submitted transaction landed on-chain. A
// missing application log means the transaction has not been included yet, so
// callers should keep polling.
func (c *Client) LookupTxFate(ctx context.Context, txRef string) (TxFate, error) {
	appLog, err := c.GetApplicationLog(ctx, txRef)
	if err != nil {
		if isNotFoundError(err) {
			return TxPending, nil
		}
		return TxPending, err
	}
	for _, exec := range appLog.Executions {
		if exec.VMState != "HALT" {
			return TxFaulted, nil
		}
	}
	return TxConfirmed, nil
}

func (c *Client) scale(amount int64) *big.Int {
	scaled := new(big.Int).SetInt64(amount)
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(c.decimals)), nil)
	return scaled.Mul(scaled, factor)
}
