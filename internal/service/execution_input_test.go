package service

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

func validInput() ExecutionInput {
	return ExecutionInput{
		Venues:         []string{"0x0000000000000000000000000000000000000101", "0x0000000000000000000000000000000000000102"},
		Path:           []string{"0x00000000000000000000000000000000000000aa", "0x00000000000000000000000000000000000000bb", "0x00000000000000000000000000000000000000aa"},
		Fees:           []uint32{3000, 500},
		LoanAmount:     "1000",
		MinProfitBps:   5,
		MaxSlippageBps: 50,
		Deadline:       1_900_000_000,
		MaxGasPrice:    "30000000000",
	}
}

func TestDecodeExecutionInput(t *testing.T) {
	req, err := validInput().Decode(alice)
	require.NoError(t, err)
	assert.Equal(t, 2, req.Hops())
	assert.Equal(t, int64(1000), req.LoanAmount.Int64())
	assert.Equal(t, int64(30_000_000_000), req.MaxGasPrice.Int64())
	assert.Equal(t, int64(1_900_000_000), req.Deadline.Unix())
}

func TestDecodeCallerMustMatchAuthenticated(t *testing.T) {
	in := validInput()
	in.Caller = alice.Hex()
	_, err := in.Decode(alice)
	require.NoError(t, err)

	in.Caller = admin.Hex()
	_, err = in.Decode(alice)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestDecodeRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ExecutionInput)
	}{
		{"caller", func(in *ExecutionInput) { in.Caller = "nope" }},
		{"venue", func(in *ExecutionInput) { in.Venues[0] = "0x12" }},
		{"loan", func(in *ExecutionInput) { in.LoanAmount = "-1" }},
		{"deadline", func(in *ExecutionInput) { in.Deadline = 0 }},
		{"gas", func(in *ExecutionInput) { in.MaxGasPrice = "lots" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := in.Decode(alice)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, err := validInput().Decode(common.Address{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
