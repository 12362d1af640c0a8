package domain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditEventValidate(t *testing.T) {
	admin := common.HexToAddress("0xad")
	tests := []struct {
		name  string
		ev    AuditEvent
		valid bool
	}{
		{"admin action with actor", AuditEvent{Action: AuditForceBreaker, Actor: admin}, true},
		{"admin action without actor", AuditEvent{Action: AuditForceBreaker}, false},
		{"scheduled archive", AuditEvent{Action: AuditArchiveTradeResults}, true},
		{"unknown action", AuditEvent{Action: "admin.drain_vault", Actor: admin}, false},
		{"empty action", AuditEvent{Actor: admin}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidAuditEvent)
		})
	}
}

func TestParseAuditAction(t *testing.T) {
	a, err := ParseAuditAction("admin.reset_route")
	require.NoError(t, err)
	assert.Equal(t, AuditResetRoute, a)
	assert.True(t, a.Administrative())
	assert.False(t, AuditArchiveTradeResults.Administrative())

	_, err = ParseAuditAction("breaker_transition")
	assert.ErrorIs(t, err, ErrInvalidAuditEvent)
}
