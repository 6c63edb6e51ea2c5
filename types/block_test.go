package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockIDValidateBasic(t *testing.T) {
	testCases := []struct {
		name      string
		id        BlockID
		expectErr bool
	}{
		{"null sentinel", NullBlockID, false},
		{"valid", "00aa11bb22cc33dd", false},
		{"too short", "abcd", true},
		{"too long", BlockID(strings.Repeat("ab", 65)), true},
		{"odd length", "00aa11bb22cc33dd0", true},
		{"uppercase", "00AA11BB22CC33DD", true},
		{"not hex", "00aa11bb22cc33zz", true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.id.ValidateBasic()
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBlockHeaderValidateBasic(t *testing.T) {
	valid := BlockHeader{
		ID:         "1111111111111111",
		Num:        1,
		PreviousID: NullBlockID,
		StateRoot:  "beef",
	}
	require.NoError(t, valid.ValidateBasic())
	require.True(t, valid.IsGenesis())

	malleate := []struct {
		name string
		fn   func(h *BlockHeader)
	}{
		{"null id", func(h *BlockHeader) { h.ID = NullBlockID }},
		{"self parent", func(h *BlockHeader) { h.PreviousID = h.ID }},
		{"bad previous", func(h *BlockHeader) { h.PreviousID = "xyz" }},
		{"missing state root", func(h *BlockHeader) { h.StateRoot = "" }},
		{"bad state root", func(h *BlockHeader) { h.StateRoot = "nothex" }},
	}
	for _, tc := range malleate {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h := valid
			tc.fn(&h)
			require.Error(t, h.ValidateBasic())
		})
	}
}

func TestStateChangeValidateBasic(t *testing.T) {
	require.NoError(t, StateChange{Address: "ab01", Value: []byte("v"), Op: OpSet}.ValidateBasic())
	require.NoError(t, StateChange{Address: "ab01", Op: OpSet}.ValidateBasic())
	require.NoError(t, StateChange{Address: "ab01", Op: OpDelete}.ValidateBasic())

	require.Error(t, StateChange{Op: OpSet}.ValidateBasic())
	require.Error(t, StateChange{Address: "ab0", Op: OpSet}.ValidateBasic())
	require.Error(t, StateChange{Address: strings.Repeat("ab", MaxAddressLength), Op: OpSet}.ValidateBasic())
	require.Error(t, StateChange{Address: "ab01", Op: 9}.ValidateBasic())
	require.Error(t, StateChange{Address: "ab01", Value: make([]byte, MaxValueSize+1), Op: OpSet}.ValidateBasic())
}
