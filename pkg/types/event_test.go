package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvent_Principal(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "attribute wins",
			ev:   Event{ActorID: "svc", Action: "usage.recorded", Attributes: map[string]interface{}{"principal": "alice"}},
			want: "alice",
		},
		{
			name: "principal object",
			ev:   Event{ActorID: "admin", Action: "profile.updated", Object: ObjectRef{Type: "principal", ID: "bob"}},
			want: "bob",
		},
		{
			name: "actor fallback",
			ev:   Event{ActorID: "carol", Action: "usage.recorded"},
			want: "carol",
		},
		{
			name: "permission events never fall back to actor",
			ev:   Event{ActorID: "admin", Action: "system.permission.granted"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.Principal())
		})
	}
}

func TestEvent_Attributes(t *testing.T) {
	ev := Event{
		Action: "mcp.request.processed",
		Attributes: map[string]interface{}{
			"nonce":             "n-1",
			"token_hash":        "abc",
			"execution_seconds": 12.5,
			"label":             "12",
		},
	}
	assert.Equal(t, "mcp", ev.Namespace())
	assert.Equal(t, "n-1", ev.Nonce())
	assert.Equal(t, "abc", ev.TokenHash())

	v, ok := ev.NumberAttr("execution_seconds")
	assert.True(t, ok)
	assert.Equal(t, 12.5, v)

	_, ok = ev.NumberAttr("label")
	assert.False(t, ok)
	_, ok = ev.NumberAttr("missing")
	assert.False(t, ok)
}
