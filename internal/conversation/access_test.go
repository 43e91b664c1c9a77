package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignOperatorRequiresElevatedRole(t *testing.T) {
	c := newConv()
	assert.ErrorIs(t, c.AssignOperator(Principal{ID: "op", Role: RoleOperator}, "op-2"), ErrForbidden)
	require.NoError(t, c.AssignOperator(Principal{ID: "m", Role: RoleManager}, "op-2"))
	assert.Equal(t, "op-2", *c.AssignedOperatorID)
	assert.ErrorIs(t, c.AssignOperator(Principal{ID: "a", Role: RoleAdmin}, "op-2"), ErrNoChange)
	require.NoError(t, c.AssignOperator(Principal{ID: "a", Role: RoleAdmin}, ""))
	assert.Nil(t, c.AssignedOperatorID)
}

func TestViewForRedactsUnassignedOperators(t *testing.T) {
	c := newConv()
	c.SetEngineHandle("sess-1")
	op := "op-2"
	c.AssignedOperatorID = &op
	msgs := []Message{{Content: "quanto custa?"}}

	v := ViewFor(Principal{ID: "op-3", Role: RoleOperator}, c, msgs)
	assert.True(t, v.Redacted)
	assert.Empty(t, v.Messages)
	assert.Equal(t, "5551*****9607", v.Conversation.Phone)
	assert.Nil(t, v.Conversation.Metadata)
	assert.Equal(t, "5551997519607", c.Phone, "original untouched")

	v = ViewFor(Principal{ID: "op-2", Role: RoleOperator}, c, msgs)
	assert.False(t, v.Redacted)
	assert.Len(t, v.Messages, 1)

	v = ViewFor(Principal{ID: "boss", Role: RoleManager}, c, msgs)
	assert.False(t, v.Redacted)
}

func TestFallbackHolderSeesConversation(t *testing.T) {
	c := newConv()
	require.NoError(t, c.AssumeControl("op-7"))
	assert.True(t, CanViewSensitive(Principal{ID: "op-7"}, c))
	assert.False(t, CanViewSensitive(Principal{}, c))
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleAdmin, ParseRole("ADMIN"))
	assert.Equal(t, RoleManager, ParseRole(" manager "))
	assert.Equal(t, RoleOperator, ParseRole("root"))
}
