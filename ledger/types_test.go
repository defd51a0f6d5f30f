package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
)

func TestNewBody_Shapes(t *testing.T) {
	provider := ledger.ExternalParty{Kind: ledger.PartyProvider, ID: "p1"}
	client := ledger.ExternalParty{Kind: ledger.PartyClient, ID: "c1"}
	custom := ledger.ExternalParty{Kind: ledger.PartyCustom, Name: "Obra Norte"}
	none := ledger.Endpoint{}
	a := ledger.AtWarehouse("A")
	b := ledger.AtWarehouse("B")

	tests := []struct {
		name    string
		typ     ledger.MovementType
		origin  ledger.Endpoint
		dest    ledger.Endpoint
		wantErr bool
	}{
		{"entrada from nowhere", ledger.Entrada, none, a, false},
		{"entrada from provider", ledger.Entrada, ledger.AtParty(provider), a, false},
		{"entrada from custom", ledger.Entrada, ledger.AtParty(custom), a, false},
		{"entrada from warehouse", ledger.Entrada, b, a, true},
		{"entrada into party", ledger.Entrada, none, ledger.AtParty(client), true},
		{"salida to nowhere", ledger.Salida, a, none, false},
		{"salida to client", ledger.Salida, a, ledger.AtParty(client), false},
		{"salida to warehouse", ledger.Salida, a, b, true},
		{"salida without origin", ledger.Salida, none, ledger.AtParty(client), true},
		{"transfer", ledger.Transferencia, a, b, false},
		{"transfer to same warehouse", ledger.Transferencia, a, a, true},
		{"transfer to party", ledger.Transferencia, a, ledger.AtParty(client), true},
		{"client without id", ledger.Salida, a, ledger.AtParty(ledger.ExternalParty{Kind: ledger.PartyClient}), true},
		{"custom without name", ledger.Entrada, ledger.AtParty(ledger.ExternalParty{Kind: ledger.PartyCustom}), a, true},
		{"endpoint with both", ledger.Entrada, none, ledger.Endpoint{Warehouse: "A", Party: &provider}, true},
		{"unknown type", "AJUSTE", a, b, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := ledger.NewBody(tt.typ, tt.origin, tt.dest)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, body)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.typ, body.Type())
			assert.Equal(t, tt.origin, body.Origin())
			assert.Equal(t, tt.dest, body.Destination())
		})
	}
}

func TestMovement_Delta(t *testing.T) {
	body, err := ledger.NewBody(ledger.Transferencia, ledger.AtWarehouse("A"), ledger.AtWarehouse("B"))
	require.NoError(t, err)
	m := ledger.Movement{MaterialID: "cement", Quantity: qty("12.5"), Body: body}

	assert.Equal(t, "-12.5", m.Delta("A").String())
	assert.Equal(t, "12.5", m.Delta("B").String())
	assert.True(t, m.Delta("C").IsZero())
	assert.True(t, m.Touches("A"))
	assert.False(t, m.Touches("C"))
	assert.Equal(t, []ledger.BalanceKey{
		{MaterialID: "cement", WarehouseID: "A"},
		{MaterialID: "cement", WarehouseID: "B"},
	}, m.Keys())
}

func TestRejection_MatchesSentinels(t *testing.T) {
	rej := &ledger.Rejection{Reason: ledger.ReasonInsufficientStock, Message: "x"}
	assert.ErrorIs(t, rej, ledger.ErrRejected)
	assert.ErrorIs(t, rej, ledger.ErrInsufficientStock)
	assert.NotErrorIs(t, rej, ledger.ErrUnknownMaterial)
	assert.True(t, ledger.IsClientError(rej))
	assert.False(t, ledger.IsRetryable(rej))
}
