package chain

import (
	"errors"
	"fmt"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/intents"
)

var (
	ErrNothingToSubmit = errors.New("no intents to submit")
	ErrMixedRecipients = errors.New("intents target different contracts")
)

// BuildBatch turns the pending intents into one transaction. A single intent
// is sent as is; several are wrapped into a multicall on their common recipient.
func BuildBatch(list []intents.Intent) (Tx, error) {
	switch len(list) {
	case 0:
		return Tx{}, ErrNothingToSubmit
	case 1:
		if len(list[0].Calldata) == 0 {
			return Tx{}, fmt.Errorf("intent for strike %d has no calldata", list[0].StrikeIndex)
		}
		return Tx{To: list[0].Recipient, Data: list[0].Calldata}, nil
	}

	recipient := list[0].Recipient
	calls := make([][]byte, 0, len(list))
	for _, intent := range list {
		if intent.Recipient != recipient {
			return Tx{}, fmt.Errorf("%w: %s and %s", ErrMixedRecipients, recipient.Hex(), intent.Recipient.Hex())
		}
		if len(intent.Calldata) == 0 {
			return Tx{}, fmt.Errorf("intent for strike %d has no calldata", intent.StrikeIndex)
		}
		calls = append(calls, intent.Calldata)
	}
	data, err := EncodeMulticall(calls)
	if err != nil {
		return Tx{}, fmt.Errorf("encode multicall: %w", err)
	}
	return Tx{To: recipient, Data: data}, nil
}
